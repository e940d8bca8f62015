package storage

import (
	"context"
	"errors"
	"io"

	"blobsync/pkg/types"
)

var (
	ErrNotFound          = errors.New("blob not found")
	ErrContainerNotFound = errors.New("container not found")
)

// Store 是对象存储客户端的抽象
// 源端只读，目标端读写；实现必须可以被多个 goroutine 并发使用。
type Store interface {
	// ListContainers 列出所有容器
	ListContainers(ctx context.Context) ([]types.Container, error)

	// ListBlobs 列出容器内所有 Blob (含长度与 hash)
	ListBlobs(ctx context.Context, container string) ([]types.BlobMeta, error)

	// BlobExists 查询 Blob 是否存在；不存在不是错误
	BlobExists(ctx context.Context, container, blob string) (types.ExistsResult, error)

	// GetBlobMetadata 读取单个 Blob 的属性；不存在返回 ErrNotFound
	GetBlobMetadata(ctx context.Context, container, blob string) (types.BlobMeta, error)

	// CreateContainerIfAbsent 确保容器存在；已存在时不修改其访问级别
	// 返回 true 表示这次调用真正创建了容器
	CreateContainerIfAbsent(ctx context.Context, container string, access types.AccessPolicy) (bool, error)

	// OpenReader 打开源 Blob 的读取流
	OpenReader(ctx context.Context, container, blob string) (io.ReadCloser, error)

	// OpenWriter 打开目标 Blob 的写入流，Close 时提交
	OpenWriter(ctx context.Context, container, blob string, settings types.ContentSettings) (BlobWriter, error)
}

// BlobWriter 是目标端的写入流
// Close 提交写入并返回提交结果；Abort 放弃写入 (之后不能再 Close)
type BlobWriter interface {
	io.WriteCloser
	Abort(cause error) error
}
