package fanin

import (
	"context"
	"sync"
	"sync/atomic"
)

// Group 等待 n 个任务完成：第 n 次成功完成时触发一次；任意一次失败立即触发
// 失败时取消 Group 的 context，还没开始的任务会被队列跳过。
type Group struct {
	total  int64
	count  atomic.Int64
	once   sync.Once
	done   chan struct{}
	err    error
	cancel context.CancelCauseFunc
}

// New 返回 Group 和派生出来的 context，任务应当使用这个 context 提交
// Group 触发后 context 会被取消，后续阶段使用调用方自己的 ctx。
func New(ctx context.Context, n int) (*Group, context.Context) {
	gctx, cancel := context.WithCancelCause(ctx)
	g := &Group{
		total:  int64(n),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	if n <= 0 {
		g.fire(nil)
	}
	return g, gctx
}

// Complete 报告一个任务的结果，可以并发调用
func (g *Group) Complete(err error) {
	if err != nil {
		g.fire(err)
		return
	}
	if g.count.Add(1) == g.total {
		g.fire(nil)
	}
}

func (g *Group) fire(err error) {
	g.once.Do(func() {
		g.err = err
		g.cancel(err)
		close(g.done)
	})
}

// Done 在 Group 触发时关闭
func (g *Group) Done() <-chan struct{} { return g.done }

// Wait 阻塞到 Group 触发，返回第一个错误
func (g *Group) Wait() error {
	<-g.done
	return g.err
}

// Completed 返回已经成功完成的任务数
func (g *Group) Completed() int {
	return int(g.count.Load())
}
