package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"blobsync/pkg/storage"
	"blobsync/pkg/types"
)

type object struct {
	data     []byte
	settings types.ContentSettings
}

type bucket struct {
	access  types.AccessPolicy
	objects map[string]object
}

// Store 是进程内的 storage.Store 实现
// 主要用于测试，也可以作为 "memory" 类型的后端做演练。
type Store struct {
	mu         sync.RWMutex
	containers map[string]*bucket
}

// NewStore 创建一个空的内存存储
func NewStore() *Store {
	return &Store{containers: make(map[string]*bucket)}
}

// PutBlob 直接写入一个 Blob (容器不存在则以 private 创建)
// settings.ContentMD5 为空时按内容自动计算。
func (s *Store) PutBlob(container, name string, data []byte, settings types.ContentSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensure(container, types.AccessPrivate)
	if settings.ContentMD5.IsZero() {
		settings.ContentMD5 = types.CalculateContentHash(data)
	}
	b.objects[name] = object{data: append([]byte(nil), data...), settings: settings}
}

// Data 返回 Blob 内容 (测试断言用)
func (s *Store) Data(container, name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.containers[container]
	if !ok {
		return nil, false
	}
	obj, ok := b.objects[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Access 返回容器的访问级别
func (s *Store) Access(container string) (types.AccessPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.containers[container]
	if !ok {
		return "", false
	}
	return b.access, true
}

// ensure 调用者必须持有写锁
func (s *Store) ensure(container string, access types.AccessPolicy) *bucket {
	b, ok := s.containers[container]
	if !ok {
		b = &bucket{access: access, objects: make(map[string]object)}
		s.containers[container] = b
	}
	return b
}

func (s *Store) ListContainers(ctx context.Context) ([]types.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Container, 0, len(s.containers))
	for name, b := range s.containers {
		out = append(out, types.Container{Name: name, Access: b.access})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListBlobs(ctx context.Context, container string) ([]types.BlobMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.containers[container]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrContainerNotFound, container)
	}

	out := make([]types.BlobMeta, 0, len(b.objects))
	for name, obj := range b.objects {
		out = append(out, meta(container, name, obj))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) BlobExists(ctx context.Context, container, blob string) (types.ExistsResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ExistsResult{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.containers[container]
	if !ok {
		return types.Absent(), nil
	}
	obj, ok := b.objects[blob]
	if !ok {
		return types.Absent(), nil
	}
	return types.Present(obj.settings.ContentMD5), nil
}

func (s *Store) GetBlobMetadata(ctx context.Context, container, blob string) (types.BlobMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.containers[container]
	if !ok {
		return types.BlobMeta{}, fmt.Errorf("%w: %s", storage.ErrContainerNotFound, container)
	}
	obj, ok := b.objects[blob]
	if !ok {
		return types.BlobMeta{}, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, container, blob)
	}
	return meta(container, blob, obj), nil
}

func (s *Store) CreateContainerIfAbsent(ctx context.Context, container string, access types.AccessPolicy) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[container]; ok {
		return false, nil
	}
	s.ensure(container, access)
	return true, nil
}

func (s *Store) OpenReader(ctx context.Context, container, blob string) (io.ReadCloser, error) {
	data, ok := s.Data(container, blob)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, container, blob)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) OpenWriter(ctx context.Context, container, blob string, settings types.ContentSettings) (storage.BlobWriter, error) {
	s.mu.RLock()
	_, ok := s.containers[container]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrContainerNotFound, container)
	}
	return &writer{store: s, container: container, blob: blob, settings: settings}, nil
}

func meta(container, name string, obj object) types.BlobMeta {
	return types.BlobMeta{
		Container:     container,
		Name:          name,
		ContentLength: int64(len(obj.data)),
		ContentHash:   obj.settings.ContentMD5,
		Settings:      obj.settings,
	}
}

// writer 在内存里缓冲，Close 时一次性提交
type writer struct {
	store     *Store
	container string
	blob      string
	settings  types.ContentSettings
	buf       bytes.Buffer
	closed    bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	settings := w.settings
	if settings.ContentMD5.IsZero() {
		settings.ContentMD5 = types.CalculateContentHash(w.buf.Bytes())
	}

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	b := w.store.ensure(w.container, types.AccessPrivate)
	b.objects[w.blob] = object{data: append([]byte(nil), w.buf.Bytes()...), settings: settings}
	return nil
}

func (w *writer) Abort(cause error) error {
	w.closed = true
	w.buf.Reset()
	return cause
}
