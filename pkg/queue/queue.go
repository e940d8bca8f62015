package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task 是一次异步操作，返回即表示完成 (成功或失败)
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	task Task
	done func(error)
}

// Queue 是一个 FIFO 的限流执行器
// 任务按提交顺序排队，同时运行的任务数不超过 maxConcurrent；积压本身不设上限。
type Queue struct {
	name  string
	slots *semaphore.Weighted
	log   *slog.Logger

	mu      sync.Mutex
	pending []job
}

// New 创建一个队列，maxConcurrent < 1 时按 1 处理
func New(name string, maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		name:  name,
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
		log:   slog.Default().With("queue", name),
	}
}

func (q *Queue) Name() string { return q.name }

// Pending 返回尚未开始的任务数
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Submit 把任务放入队尾，立即返回
// done 在任务结束后恰好被调用一次 (包括 panic 和被跳过的情况)。
// 如果轮到该任务时 ctx 已经取消，任务不会运行，done 收到取消原因。
func (q *Queue) Submit(ctx context.Context, task Task, done func(error)) {
	q.mu.Lock()
	q.pending = append(q.pending, job{ctx: ctx, task: task, done: done})
	q.mu.Unlock()
	q.pump()
}

// Do 提交任务并等待它结束
func (q *Queue) Do(ctx context.Context, task Task) error {
	errCh := make(chan error, 1)
	q.Submit(ctx, task, func(err error) { errCh <- err })
	return <-errCh
}

// pump 在有空闲槽位时按顺序启动等待中的任务
// 取槽位和出队在同一把锁下完成，保证 FIFO 且不会丢失唤醒。
func (q *Queue) pump() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || !q.slots.TryAcquire(1) {
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = job{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		go q.run(j)
	}
}

func (q *Queue) run(j job) {
	err := q.execute(j)

	// 先回调再放行下一个任务：回调里取消的 context 对后面的任务立即可见
	// 回调里再次 Submit 的任务会在下面的 pump 中被启动
	if j.done != nil {
		j.done(err)
	}

	q.slots.Release(1)
	q.pump()
}

func (q *Queue) execute(j job) (err error) {
	if j.ctx.Err() != nil {
		return context.Cause(j.ctx)
	}

	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("queue %s: task panicked: %v", q.name, r)
		}
	}()
	return j.task(j.ctx)
}
