package diff

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"blobsync/pkg/fanin"
	"blobsync/pkg/guard"
	"blobsync/pkg/ignore"
	"blobsync/pkg/progress"
	"blobsync/pkg/queue"
	"blobsync/pkg/storage"
	"blobsync/pkg/types"
)

// Kind 区分 "没事可做" 和 "可以进入复制阶段"
type Kind int

const (
	// KindEmpty 容器没有 Blob，或者列举已经由别人负责；下游直接跳过
	KindEmpty Kind = iota
	// KindReady Blobs 里是需要复制的 Blob (可能为空)
	KindReady
)

func (k Kind) String() string {
	if k == KindReady {
		return "ready"
	}
	return "empty"
}

// Result 是一个容器的比较结果
type Result struct {
	Kind      Kind
	Container string
	// Blobs 按名字排序
	Blobs      []types.BlobMeta
	TotalBytes int64
	// Listed 源端列出的 Blob 数，Excluded 其中被排除规则跳过的数量
	Listed   int
	Excluded int
}

// Decide 判断一个 Blob 是否需要复制
// 目标端不存在、任意一端没有哈希、或者哈希不同时需要复制。
func Decide(src types.BlobMeta, dst types.ExistsResult) bool {
	if !dst.Exists {
		return true
	}
	if src.ContentHash.IsZero() || !dst.HasHash() {
		return true
	}
	return src.ContentHash != dst.ContentHash
}

// Engine 比较源端和目标端的一个容器
type Engine struct {
	source   storage.Store
	target   storage.Store
	guard    *guard.Guard
	check    *queue.Queue
	exclude  *ignore.Matcher
	reporter progress.Reporter
	log      *slog.Logger
}

// New exclude 和 reporter 可以为 nil
func New(source, target storage.Store, g *guard.Guard, check *queue.Queue, exclude *ignore.Matcher, reporter progress.Reporter) *Engine {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &Engine{
		source:   source,
		target:   target,
		guard:    g,
		check:    check,
		exclude:  exclude,
		reporter: reporter,
		log:      slog.Default().With("stage", "diff"),
	}
}

// Diff 列出容器内的 Blob，并发检查目标端，返回需要复制的子集
// 所有 Blob 都检查完后才返回；任意一次检查失败立即返回错误。
func (e *Engine) Diff(ctx context.Context, container string) (Result, error) {
	empty := Result{Kind: KindEmpty, Container: container}

	// 1. 列举 (每个容器只列一次)
	if !e.guard.TryAdmit(guard.ContainerListing, container) {
		e.log.Debug("listing already requested", "container", container)
		return empty, nil
	}
	blobs, err := e.source.ListBlobs(ctx, container)
	if err != nil {
		return Result{}, fmt.Errorf("diff %s: list source blobs: %w", container, err)
	}

	// 2. 空容器是明确的哨兵结果
	if len(blobs) == 0 {
		e.log.Debug("container is empty", "container", container)
		return empty, nil
	}

	// 3. 排除规则
	candidates := make([]types.BlobMeta, 0, len(blobs))
	for _, b := range blobs {
		if e.exclude.Matches(b.Name) {
			continue
		}
		candidates = append(candidates, b)
	}

	res := Result{
		Kind:      KindReady,
		Container: container,
		Listed:    len(blobs),
		Excluded:  len(blobs) - len(candidates),
		Blobs:     []types.BlobMeta{},
	}

	bar := e.reporter.NewBar(container, int64(len(candidates)), progress.Items)
	defer bar.Done()

	// 4. 在检查队列上并发查询目标端
	var mu sync.Mutex
	group, gctx := fanin.New(ctx, len(candidates))
	for _, b := range candidates {
		blob := b
		e.check.Submit(gctx, func(ctx context.Context) error {
			copyNeeded, err := e.evaluate(ctx, blob)
			if err != nil {
				return err
			}
			bar.Add(1)
			if copyNeeded {
				mu.Lock()
				res.Blobs = append(res.Blobs, blob)
				res.TotalBytes += blob.ContentLength
				mu.Unlock()
			}
			return nil
		}, group.Complete)
	}

	// 5. 扇入: 第 N 个检查完成时触发
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(res.Blobs, func(i, j int) bool { return res.Blobs[i].Name < res.Blobs[j].Name })

	e.log.Info("container compared",
		"container", container,
		"listed", res.Listed,
		"excluded", res.Excluded,
		"to_copy", len(res.Blobs),
		"bytes", res.TotalBytes,
	)
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, blob types.BlobMeta) (bool, error) {
	// 同一个 Blob 的检查已经发出过，不重复选中
	if !e.guard.TryAdmit(guard.ExistenceCheck, guard.BlobKey(blob.Container, blob.Name)) {
		return false, nil
	}

	dst, err := e.target.BlobExists(ctx, blob.Container, blob.Name)
	if err != nil {
		return false, fmt.Errorf("diff %s: check %s: %w", blob.Container, blob.Name, err)
	}

	mustCopy := Decide(blob, dst)
	if !mustCopy {
		e.log.Debug("blob up to date", "container", blob.Container, "blob", blob.Name)
	}
	return mustCopy, nil
}
