package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blobsync/pkg/storage"
	"blobsync/pkg/types"

	"github.com/redis/go-redis/v9"
)

// CachedStore 是一个装饰器，它为目标端 storage.Store 的存在性检查添加 Redis 缓存层
// 值为 Blob 的 ContentHash，命中时完全不访问底层存储。
type CachedStore struct {
	storage.Store               // 被装饰的底层存储，未覆盖的方法直接透传
	client        *redis.Client // Redis 客户端
	ttl           time.Duration // 缓存过期时间 (例如 24h)
	namespace     string        // 区分不同账号，避免同名容器串味
}

type Config struct {
	RedisURL  string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL       time.Duration // 过期时间
	Namespace string
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	// 解析 URL
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		Store:     backend,
		client:    client,
		ttl:       cfg.TTL,
		namespace: cfg.Namespace,
	}, nil
}

// cacheKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedStore) cacheKey(container, blob string) string {
	return "bs:blob:" + s.namespace + ":" + container + "/" + blob
}

// BlobExists 优先查 Redis
// 命中时直接信任缓存值，不回源。绕过 blobsync 改动目标端的 Blob，
// 在 key 过期 (ttl) 之前都不会被看到。
func (s *CachedStore) BlobExists(ctx context.Context, container, blob string) (types.ExistsResult, error) {
	key := s.cacheKey(container, blob)

	// 1. 查 Redis
	val, err := s.client.Get(ctx, key).Result()
	switch {
	case err == nil && val != "":
		// Cache Hit
		return types.Present(types.ContentHash(val)), nil
	case err != nil && !errors.Is(err, redis.Nil):
		// 缓存故障降级为无缓存模式，直接查底层
		slog.Warn("redis unavailable, falling back to backend", "error", err)
	}

	// 2. 缓存未命中 (Cache Miss)，查底层存储
	res, err := s.Store.BlobExists(ctx, container, blob)
	if err != nil {
		return res, err
	}

	// 3. 缓存回填 (Cache Fill)
	// 没有哈希的 Blob 不缓存：它每次都要被复制，缓存值没有意义
	if res.HasHash() {
		s.fill(key, res.ContentHash)
	}
	return res, nil
}

// fill 使用 context.Background() 确保即使上层 ctx 取消，回填也能完成
func (s *CachedStore) fill(key string, hash types.ContentHash) {
	fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Set(fillCtx, key, hash.String(), s.ttl).Err(); err != nil {
		slog.Warn("redis cache fill failed", "key", key, "error", err)
	}
}

// OpenWriter 在写入成功提交后更新缓存 (Write-Through)
func (s *CachedStore) OpenWriter(ctx context.Context, container, blob string, settings types.ContentSettings) (storage.BlobWriter, error) {
	w, err := s.Store.OpenWriter(ctx, container, blob, settings)
	if err != nil {
		return nil, err
	}
	return &cachingWriter{BlobWriter: w, store: s, key: s.cacheKey(container, blob), hash: settings.ContentMD5}, nil
}

type cachingWriter struct {
	storage.BlobWriter
	store *CachedStore
	key   string
	hash  types.ContentHash
}

func (w *cachingWriter) Close() error {
	if err := w.BlobWriter.Close(); err != nil {
		return err
	}
	// 只有底层提交成功了，才写 Redis
	if w.hash.IsZero() {
		// 底层自己算出来的哈希我们不知道，删掉旧值让下次回源
		w.store.client.Del(context.Background(), w.key)
		return nil
	}
	w.store.fill(w.key, w.hash)
	return nil
}

// Close 释放 Redis 连接，不影响底层存储
func (s *CachedStore) Close() error {
	return s.client.Close()
}
