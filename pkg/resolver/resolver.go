package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"blobsync/pkg/fanin"
	"blobsync/pkg/guard"
	"blobsync/pkg/queue"
	"blobsync/pkg/storage"
	"blobsync/pkg/types"
)

// DefaultPattern 是项目容器的命名约定: proj-<ordinal>[-suffix]
const DefaultPattern = `^proj-(\d+)(?:-.*)?$`

// Options 控制哪些容器参与同步
type Options struct {
	// Pattern 第一个捕获组必须是序号
	Pattern string
	// Access 是新建目标容器的访问级别
	Access types.AccessPolicy
}

// Resolver 列出源端容器，筛选出需要同步的，并确保目标端存在同名容器
type Resolver struct {
	source  storage.Store
	target  storage.Store
	guard   *guard.Guard
	create  *queue.Queue
	pattern *regexp.Regexp
	access  types.AccessPolicy
	log     *slog.Logger
}

func New(source, target storage.Store, g *guard.Guard, create *queue.Queue, opts Options) (*Resolver, error) {
	if opts.Pattern == "" {
		opts.Pattern = DefaultPattern
	}
	re, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid container pattern %q: %w", opts.Pattern, err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("container pattern %q has no ordinal capture group", opts.Pattern)
	}
	if opts.Access == "" {
		opts.Access = types.AccessBlob
	}
	if !opts.Access.IsValid() {
		return nil, fmt.Errorf("invalid access policy %q", opts.Access)
	}

	return &Resolver{
		source:  source,
		target:  target,
		guard:   g,
		create:  create,
		pattern: re,
		access:  opts.Access,
		log:     slog.Default().With("stage", "resolve"),
	}, nil
}

// Ordinal 从容器名中取出序号，不符合命名约定返回 false
func (r *Resolver) Ordinal(name string) (int, bool) {
	m := r.pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Resolve 返回序号 >= startAt 的项目容器 (按序号排序)
// 每个容器的目标端创建都已发出并完成后才返回；没有匹配时返回空集合。
func (r *Resolver) Resolve(ctx context.Context, startAt int) ([]types.Container, error) {
	// 1. 列出源端所有容器
	all, err := r.source.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve: list source containers: %w", err)
	}

	// 2. 按命名约定和续传序号过滤
	type eligible struct {
		container types.Container
		ordinal   int
	}
	var kept []eligible
	for _, c := range all {
		n, ok := r.Ordinal(c.Name)
		if !ok || n < startAt {
			continue
		}
		kept = append(kept, eligible{container: c, ordinal: n})
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].ordinal != kept[j].ordinal {
			return kept[i].ordinal < kept[j].ordinal
		}
		return kept[i].container.Name < kept[j].container.Name
	})

	r.log.Info("containers resolved", "listed", len(all), "eligible", len(kept), "start_at", startAt)
	if len(kept) == 0 {
		return []types.Container{}, nil
	}

	// 3. 在创建队列上确保目标容器存在
	group, gctx := fanin.New(ctx, len(kept))
	out := make([]types.Container, 0, len(kept))
	for _, e := range kept {
		name := e.container.Name
		out = append(out, e.container)
		r.create.Submit(gctx, func(ctx context.Context) error {
			return r.ensure(ctx, name)
		}, group.Complete)
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureTarget 确保单个目标容器存在 (单容器模式使用)
func (r *Resolver) EnsureTarget(ctx context.Context, name string) error {
	return r.create.Do(ctx, func(ctx context.Context) error {
		return r.ensure(ctx, name)
	})
}

func (r *Resolver) ensure(ctx context.Context, name string) error {
	// 已经有人负责创建这个容器，视为成功
	if !r.guard.TryAdmit(guard.ContainerCreation, name) {
		return nil
	}

	created, err := r.target.CreateContainerIfAbsent(ctx, name, r.access)
	if err != nil {
		return fmt.Errorf("resolve: create target container %s: %w", name, err)
	}
	if created {
		r.log.Info("target container created", "container", name, "access", r.access)
	} else {
		r.log.Debug("target container exists", "container", name)
	}
	return nil
}
