package copier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"blobsync/pkg/fanin"
	"blobsync/pkg/guard"
	"blobsync/pkg/progress"
	"blobsync/pkg/queue"
	"blobsync/pkg/storage"
	"blobsync/pkg/types"
)

// Transfer 描述一次复制尝试的结果
type Transfer struct {
	Container  string
	Blob       string
	Bytes      int64
	Hash       types.ContentHash
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Stats 是一批复制的汇总
type Stats struct {
	Blobs int
	Bytes int64
}

// Copier 把 Blob 从源端流式复制到目标端，保留内容属性
type Copier struct {
	source     storage.Store
	target     storage.Store
	guard      *guard.Guard
	stream     *queue.Queue
	reporter   progress.Reporter
	onTransfer func(Transfer)
	log        *slog.Logger
}

func New(source, target storage.Store, g *guard.Guard, stream *queue.Queue, reporter progress.Reporter) *Copier {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &Copier{
		source:   source,
		target:   target,
		guard:    g,
		stream:   stream,
		reporter: reporter,
		log:      slog.Default().With("stage", "copy"),
	}
}

// OnTransfer 注册回调，每次真正发起的复制结束后调用 (成功或失败)
func (c *Copier) OnTransfer(fn func(Transfer)) {
	c.onTransfer = fn
}

// Copy 复制一个 Blob，每读到一块数据就推进 bar
// 同一个 Blob 在一次运行中只复制一次，重复请求直接返回成功。
func (c *Copier) Copy(ctx context.Context, container, blob string, bar progress.Bar) (int64, error) {
	n, _, err := c.copyOne(ctx, container, blob, bar)
	return n, err
}

// copyOne 的第二个返回值表示这次调用是否真正发起了复制
func (c *Copier) copyOne(ctx context.Context, container, blob string, bar progress.Bar) (int64, bool, error) {
	if !c.guard.TryAdmit(guard.BlobStream, guard.BlobKey(container, blob)) {
		c.log.Debug("copy already requested", "container", container, "blob", blob)
		return 0, false, nil
	}
	if bar == nil {
		bar = progress.Nop{}.NewBar("", 0, progress.Bytes)
	}

	t := Transfer{Container: container, Blob: blob, StartedAt: time.Now()}
	n, err := c.pipe(ctx, container, blob, bar, &t)
	t.Bytes = n
	t.FinishedAt = time.Now()
	t.Err = err
	if c.onTransfer != nil {
		c.onTransfer(t)
	}

	if err != nil {
		c.log.Error("copy failed", "container", container, "blob", blob, "bytes", n, "error", err)
		return n, true, err
	}
	c.log.Debug("blob copied", "container", container, "blob", blob, "bytes", n)
	return n, true, nil
}

func (c *Copier) pipe(ctx context.Context, container, blob string, bar progress.Bar, t *Transfer) (int64, error) {
	// 1. 源端属性，写入时原样带上
	meta, err := c.source.GetBlobMetadata(ctx, container, blob)
	if err != nil {
		return 0, fmt.Errorf("copy %s/%s: get source metadata: %w", container, blob, err)
	}
	settings := meta.Settings
	if settings.ContentMD5.IsZero() {
		settings.ContentMD5 = meta.ContentHash
	}
	t.Hash = settings.ContentMD5

	// 2. 打开两端的流
	r, err := c.source.OpenReader(ctx, container, blob)
	if err != nil {
		return 0, fmt.Errorf("copy %s/%s: open source: %w", container, blob, err)
	}
	defer r.Close()

	w, err := c.target.OpenWriter(ctx, container, blob, settings)
	if err != nil {
		return 0, fmt.Errorf("copy %s/%s: open target: %w", container, blob, err)
	}

	// 3. 管道复制，失败时放弃未提交的写入
	counter := &countingReader{r: r, bar: bar}
	if _, err := io.Copy(w, counter); err != nil {
		return counter.n.Load(), w.Abort(fmt.Errorf("copy %s/%s: stream: %w", container, blob, err))
	}
	if err := w.Close(); err != nil {
		return counter.n.Load(), fmt.Errorf("copy %s/%s: commit: %w", container, blob, err)
	}
	return counter.n.Load(), nil
}

// CopyAll 在复制队列上并发复制一个容器里选中的 Blob
// totalBytes 只用于进度条。
func (c *Copier) CopyAll(ctx context.Context, container string, blobs []types.BlobMeta, totalBytes int64) (Stats, error) {
	if len(blobs) == 0 {
		return Stats{}, nil
	}

	bar := c.reporter.NewBar(container+" ⇢", totalBytes, progress.Bytes)
	defer bar.Done()

	var copied, bytes atomic.Int64
	group, gctx := fanin.New(ctx, len(blobs))
	for _, b := range blobs {
		name := b.Name
		c.stream.Submit(gctx, func(ctx context.Context) error {
			n, admitted, err := c.copyOne(ctx, container, name, bar)
			if err != nil {
				return err
			}
			if admitted {
				copied.Add(1)
				bytes.Add(n)
			}
			return nil
		}, group.Complete)
	}

	if err := group.Wait(); err != nil {
		return Stats{}, err
	}
	return Stats{Blobs: int(copied.Load()), Bytes: bytes.Load()}, nil
}

type countingReader struct {
	r   io.Reader
	bar progress.Bar
	n   atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
		c.bar.Add(int64(n))
	}
	return n, err
}
