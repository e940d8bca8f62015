package app

import (
	"context"
	"log/slog"
	"sync"

	"blobsync/pkg/copier"
	"blobsync/pkg/meta"
	"blobsync/pkg/pipeline"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// Sync 执行一次同步，并把运行和每次复制写进同步日志
// 同步日志写失败只打告警，不影响同步结果。
func (a *App) Sync(ctx context.Context, sel pipeline.Selector) (pipeline.Summary, error) {
	if a.Journal == nil {
		return a.Driver.Run(ctx, sel)
	}

	// 1. 登记这次运行
	run, err := a.Journal.StartRun(ctx, meta.RunSpec{
		Pairing:  a.Pairing.Name,
		Mode:     sel.Mode.String(),
		Selector: sel.Raw,
		StartAt:  sel.StartAt,
		Options: map[string]any{
			"queues":  a.Queues,
			"pattern": viper.GetString("sync.pattern"),
			"access":  viper.GetString("sync.access"),
			"exclude": viper.GetStringSlice("sync.exclude"),
		},
	})
	if err != nil {
		slog.Warn("journal unavailable, continuing without it", "error", err)
		return a.Driver.Run(ctx, sel)
	}

	// 2. 复制记录经 channel 交给单独的 goroutine 顺序写入
	rec := newRecorder()
	a.Copier.OnTransfer(rec.record)

	var (
		g   errgroup.Group
		sum pipeline.Summary
	)
	g.Go(func() error {
		defer rec.close()
		var err error
		sum, err = a.Driver.Run(ctx, sel)
		return err
	})
	g.Go(func() error {
		// 取消信号到达后也要把已经完成的复制写完
		wctx := context.WithoutCancel(ctx)
		for t := range rec.ch {
			if err := a.Journal.RecordTransfer(wctx, toRecord(run.ID, t)); err != nil {
				slog.Warn("failed to journal transfer", "container", t.Container, "blob", t.Blob, "error", err)
			}
		}
		return nil
	})
	runErr := g.Wait()

	// 3. 结束运行
	totals := meta.Totals{Containers: sum.Containers, Blobs: sum.Blobs, Bytes: sum.Bytes}
	if runErr != nil {
		totals = meta.Totals{}
	}
	if err := a.Journal.FinishRun(context.WithoutCancel(ctx), run.ID, totals, runErr); err != nil {
		slog.Warn("failed to finish journal run", "run", run.ID, "error", err)
	}
	slog.Debug("run journaled", "run", run.ID)

	if runErr != nil {
		return pipeline.Summary{}, runErr
	}
	return sum, nil
}

func toRecord(runID string, t copier.Transfer) *meta.BlobTransfer {
	bt := &meta.BlobTransfer{
		RunID:      runID,
		Container:  t.Container,
		Blob:       t.Blob,
		Bytes:      t.Bytes,
		ContentMD5: t.Hash.String(),
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.Err != nil {
		bt.Error = t.Err.Error()
	}
	return bt
}

// recorder 收集并发完成的复制
// 运行结束后仍在跑的任务 (失败后残留的) 会被丢弃，不会向已关闭的 channel 写入。
type recorder struct {
	mu     sync.Mutex
	closed bool
	ch     chan copier.Transfer
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan copier.Transfer, 64)}
}

func (r *recorder) record(t copier.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.ch <- t
}

func (r *recorder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}
