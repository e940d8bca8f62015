// pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"

	"blobsync/pkg/config"
	"blobsync/pkg/copier"
	"blobsync/pkg/diff"
	"blobsync/pkg/guard"
	"blobsync/pkg/ignore"
	"blobsync/pkg/meta"
	"blobsync/pkg/pipeline"
	"blobsync/pkg/progress"
	"blobsync/pkg/queue"
	"blobsync/pkg/resolver"
	"blobsync/pkg/storage"
	"blobsync/pkg/storage/azure"
	"blobsync/pkg/storage/cache"
	"blobsync/pkg/storage/disk"
	"blobsync/pkg/storage/memory"
	"blobsync/pkg/storage/s3"
	"blobsync/pkg/types"

	"github.com/spf13/viper"
)

// Queues 是各阶段的并发上限
type Queues struct {
	Create int `json:"create"`
	Check  int `json:"check"`
	Stream int `json:"stream"`
	Sync   int `json:"sync"`
}

// App 是整个应用程序的依赖容器 (Dependency Container)
// 一个 App 对应一次运行：Guard 和队列都只在这次运行内有效。
type App struct {
	Pairing config.Pairing
	Source  storage.Store
	Target  storage.Store

	// Journal 为 nil 表示没有开启同步日志
	Journal *meta.Repository

	Copier *copier.Copier
	Driver *pipeline.Driver
	Queues Queues

	closers []func() error
}

// NewApp 是工厂函数，负责组装这一台机器
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func NewApp(ctx context.Context, pairingName string, reporter progress.Reporter) (*App, error) {
	// 1. 选择账号配对 (未知配对是致命的配置错误)
	pairing, err := config.LookupPairing(pairingName)
	if err != nil {
		return nil, err
	}
	a := &App{Pairing: pairing}

	// 2. 初始化两端存储 (Dependency Injection)
	if a.Source, err = initStore(ctx, pairing.Source); err != nil {
		return nil, fmt.Errorf("failed to init source storage: %w", err)
	}
	if a.Target, err = initStore(ctx, pairing.Target); err != nil {
		return nil, fmt.Errorf("failed to init target storage: %w", err)
	}

	// 3. 可选的 Redis 存在性缓存，只装饰目标端
	if url := viper.GetString("cache.redis_url"); url != "" {
		cached, err := cache.NewCachedStore(a.Target, cache.Config{
			RedisURL:  url,
			TTL:       viper.GetDuration("cache.ttl"),
			Namespace: pairing.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init cache: %w", err)
		}
		a.Target = cached
		a.closers = append(a.closers, cached.Close)
	}

	// 4. 同步日志 (打不开时照常同步，只是不留记录)
	repo, closeJournal, err := OpenJournal(ctx)
	if err != nil {
		slog.Warn("journal unavailable, continuing without it", "error", err)
	} else if repo != nil {
		a.Journal = repo
		a.closers = append(a.closers, closeJournal)
	}

	// 5. 组装流水线
	if err := a.wire(reporter); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// wire 按配置创建队列、Guard 和各个阶段
func (a *App) wire(reporter progress.Reporter) error {
	a.Queues = Queues{
		Create: viper.GetInt("queues.create"),
		Check:  viper.GetInt("queues.check"),
		Stream: viper.GetInt("queues.stream"),
		Sync:   viper.GetInt("queues.sync"),
	}

	exclude, err := ignore.NewMatcher(viper.GetStringSlice("sync.exclude"), viper.GetString("sync.exclude_file"))
	if err != nil {
		return err
	}

	g := guard.New()
	res, err := resolver.New(a.Source, a.Target, g, queue.New("create", a.Queues.Create), resolver.Options{
		Pattern: viper.GetString("sync.pattern"),
		Access:  types.AccessPolicy(viper.GetString("sync.access")),
	})
	if err != nil {
		return err
	}
	engine := diff.New(a.Source, a.Target, g, queue.New("check", a.Queues.Check), exclude, reporter)
	a.Copier = copier.New(a.Source, a.Target, g, queue.New("stream", a.Queues.Stream), reporter)
	a.Driver = pipeline.New(res, engine, a.Copier, queue.New("sync", a.Queues.Sync), reporter)
	return nil
}

// Close 释放缓存和数据库连接
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// initStore 根据配置创建一端的对象存储
func initStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Type {
	case "azure":
		store, err := azure.NewAdapter(azure.Config{
			Account:  cfg.Account,
			Key:      cfg.Key,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case "s3":
		if cfg.Endpoint == "" && cfg.Region == "" {
			return nil, fmt.Errorf("s3 endpoint or region is required")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1" // MinIO 不关心 region，但 SDK 需要
		}
		store, err := s3.NewAdapter(ctx, s3.Config{
			Endpoint:        cfg.Endpoint,
			Region:          region,
			BucketPrefix:    cfg.BucketPrefix,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case "disk":
		if cfg.Path == "" {
			return nil, fmt.Errorf("disk storage path is required")
		}
		store, err := disk.NewAdapter(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil

	case "memory":
		slog.Warn("using in-memory storage, nothing will persist")
		return memory.NewStore(), nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}

// OpenJournal 按 journal.* 配置打开同步日志
// journal.driver = "none" 时返回 nil Repository
func OpenJournal(ctx context.Context) (*meta.Repository, func() error, error) {
	driver := viper.GetString("journal.driver")
	if driver == "none" {
		return nil, func() error { return nil }, nil
	}

	db, err := meta.NewDB(ctx, meta.Config{
		Driver:   driver,
		Path:     viper.GetString("journal.path"),
		Host:     viper.GetString("journal.host"),
		Port:     viper.GetInt("journal.port"),
		User:     viper.GetString("journal.user"),
		Password: viper.GetString("journal.password"),
		DBName:   viper.GetString("journal.dbname"),
		SSLMode:  viper.GetString("journal.sslmode"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return meta.NewRepository(db), db.Close, nil
}
