package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"blobsync/pkg/copier"
	"blobsync/pkg/diff"
	"blobsync/pkg/fanin"
	"blobsync/pkg/progress"
	"blobsync/pkg/queue"
	"blobsync/pkg/resolver"
)

// Summary 是一次成功运行的汇总
type Summary struct {
	Containers int
	Blobs      int
	Bytes      int64
}

func (s *Summary) add(o Summary) {
	s.Containers += o.Containers
	s.Blobs += o.Blobs
	s.Bytes += o.Bytes
}

// Driver 把 resolve -> diff -> copy 串起来
type Driver struct {
	resolver *resolver.Resolver
	diff     *diff.Engine
	copier   *copier.Copier
	sync     *queue.Queue
	reporter progress.Reporter
	log      *slog.Logger
}

func New(r *resolver.Resolver, d *diff.Engine, c *copier.Copier, syncQueue *queue.Queue, reporter progress.Reporter) *Driver {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &Driver{
		resolver: r,
		diff:     d,
		copier:   c,
		sync:     syncQueue,
		reporter: reporter,
		log:      slog.Default().With("stage", "pipeline"),
	}
}

// Run 按选择器分派到单容器或全量模式
func (d *Driver) Run(ctx context.Context, sel Selector) (Summary, error) {
	if sel.Mode == ModeSingle {
		return d.RunContainer(ctx, sel.Container)
	}
	return d.RunAll(ctx, sel.StartAt)
}

// RunContainer 只同步一个容器，返回遇到的第一个错误
// 源端容器不存在时目标端不会被创建。
func (d *Driver) RunContainer(ctx context.Context, name string) (Summary, error) {
	// 1. 先列源端 (缺失的容器在这里就报错)
	res, err := d.diff.Diff(ctx, name)
	if err != nil {
		return Summary{}, err
	}

	// 2. 源端确实存在，再确保目标容器
	if err := d.resolver.EnsureTarget(ctx, name); err != nil {
		return Summary{}, err
	}
	return d.copyResult(ctx, res)
}

// RunAll 同步序号 >= startAt 的全部项目容器
// 容器级的并发由 sync 队列限制，所有容器都完成后才返回。
func (d *Driver) RunAll(ctx context.Context, startAt int) (Summary, error) {
	// 1. 解析同步集合 (目标容器已确保存在)
	containers, err := d.resolver.Resolve(ctx, startAt)
	if err != nil {
		return Summary{}, err
	}
	if len(containers) == 0 {
		d.log.Info("no containers to sync", "start_at", startAt)
		return Summary{}, nil
	}

	bar := d.reporter.NewBar("containers", int64(len(containers)), progress.Items)
	defer bar.Done()

	// 2. 每个容器一个任务，扇入等待全部完成
	var (
		mu    sync.Mutex
		total Summary
	)
	group, gctx := fanin.New(ctx, len(containers))
	for _, c := range containers {
		name := c.Name
		d.sync.Submit(gctx, func(ctx context.Context) error {
			s, err := d.syncContainer(ctx, name)
			if err != nil {
				return err
			}
			mu.Lock()
			total.add(s)
			mu.Unlock()
			bar.Add(1)
			return nil
		}, group.Complete)
	}

	if err := group.Wait(); err != nil {
		return Summary{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	return total, nil
}

// syncContainer 对一个容器执行 diff -> copy
func (d *Driver) syncContainer(ctx context.Context, name string) (Summary, error) {
	res, err := d.diff.Diff(ctx, name)
	if err != nil {
		return Summary{}, err
	}
	return d.copyResult(ctx, res)
}

// copyResult 复制 diff 选出的 blob
func (d *Driver) copyResult(ctx context.Context, res diff.Result) (Summary, error) {
	name := res.Container
	done := Summary{Containers: 1}
	if res.Kind == diff.KindEmpty || len(res.Blobs) == 0 {
		d.log.Debug("nothing to copy", "container", name, "kind", res.Kind)
		return done, nil
	}

	stats, err := d.copier.CopyAll(ctx, name, res.Blobs, res.TotalBytes)
	if err != nil {
		return Summary{}, fmt.Errorf("sync %s: %w", name, err)
	}
	done.Blobs = stats.Blobs
	done.Bytes = stats.Bytes

	d.log.Info("container synced", "container", name, "blobs", stats.Blobs, "bytes", stats.Bytes)
	return done, nil
}
