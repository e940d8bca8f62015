package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"blobsync/pkg/storage"
	"blobsync/pkg/types"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

// 上传分块参数
const (
	uploadBlockSize   = 4 * 1024 * 1024
	uploadConcurrency = 4
)

// Config 用于初始化 Adapter
type Config struct {
	Account string
	Key     string
	// Endpoint 为空时使用 https://<account>.blob.core.windows.net/
	// Azurite: http://127.0.0.1:10000/devstoreaccount1/
	Endpoint string
}

// Adapter 实现了 storage.Store 接口，对接一个 Azure Blob 存储账号
type Adapter struct {
	client  *service.Client
	account string
	log     *slog.Logger
}

// NewAdapter 使用共享密钥创建账号级客户端
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Account == "" || cfg.Key == "" {
		return nil, fmt.Errorf("azure account and key are required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credential for %s: %w", cfg.Account, err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}

	client, err := service.NewClientWithSharedKeyCredential(endpoint, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &Adapter{
		client:  client,
		account: cfg.Account,
		log:     slog.Default().With("store", "azure", "account", cfg.Account),
	}, nil
}

func (s *Adapter) blobClient(containerName, blobName string) *blob.Client {
	return s.client.NewContainerClient(containerName).NewBlobClient(blobName)
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	// HEAD 请求没有响应体，某些情况下只能看状态码
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func toAccess(p *service.PublicAccessType) types.AccessPolicy {
	if p == nil {
		return types.AccessPrivate
	}
	return types.AccessPolicy(strings.ToLower(string(*p)))
}

func (s *Adapter) ListContainers(ctx context.Context) ([]types.Container, error) {
	var out []types.Container
	pager := s.client.NewListContainersPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list containers failed: %w", err)
		}
		for _, item := range resp.ContainerItems {
			if item.Name == nil {
				continue
			}
			c := types.Container{Name: *item.Name, Access: types.AccessPrivate}
			if item.Properties != nil {
				c.Access = toAccess(item.Properties.PublicAccess)
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Adapter) ListBlobs(ctx context.Context, containerName string) ([]types.BlobMeta, error) {
	var out []types.BlobMeta
	pager := s.client.NewContainerClient(containerName).NewListBlobsFlatPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("%w: %s", storage.ErrContainerNotFound, containerName)
			}
			return nil, fmt.Errorf("azure list blobs failed: %w", err)
		}
		if resp.Segment == nil {
			continue
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			meta := types.BlobMeta{Container: containerName, Name: *item.Name}
			if p := item.Properties; p != nil {
				meta.ContentLength = deref(p.ContentLength)
				meta.Settings = types.ContentSettings{
					ContentType:        deref(p.ContentType),
					ContentEncoding:    deref(p.ContentEncoding),
					ContentLanguage:    deref(p.ContentLanguage),
					ContentDisposition: deref(p.ContentDisposition),
					CacheControl:       deref(p.CacheControl),
					ContentMD5:         types.HashFromMD5(p.ContentMD5),
				}
				meta.ContentHash = meta.Settings.ContentMD5
			}
			out = append(out, meta)
		}
	}
	return out, nil
}

func (s *Adapter) BlobExists(ctx context.Context, containerName, blobName string) (types.ExistsResult, error) {
	props, err := s.blobClient(containerName, blobName).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return types.Absent(), nil
		}
		return types.ExistsResult{}, fmt.Errorf("azure get properties failed: %w", err)
	}
	return types.Present(types.HashFromMD5(props.ContentMD5)), nil
}

func (s *Adapter) GetBlobMetadata(ctx context.Context, containerName, blobName string) (types.BlobMeta, error) {
	props, err := s.blobClient(containerName, blobName).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return types.BlobMeta{}, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, containerName, blobName)
		}
		return types.BlobMeta{}, fmt.Errorf("azure get properties failed: %w", err)
	}

	settings := types.ContentSettings{
		ContentType:        deref(props.ContentType),
		ContentEncoding:    deref(props.ContentEncoding),
		ContentLanguage:    deref(props.ContentLanguage),
		ContentDisposition: deref(props.ContentDisposition),
		CacheControl:       deref(props.CacheControl),
		ContentMD5:         types.HashFromMD5(props.ContentMD5),
	}
	return types.BlobMeta{
		Container:     containerName,
		Name:          blobName,
		ContentLength: deref(props.ContentLength),
		ContentHash:   settings.ContentMD5,
		Settings:      settings,
	}, nil
}

func (s *Adapter) CreateContainerIfAbsent(ctx context.Context, containerName string, access types.AccessPolicy) (bool, error) {
	opts := &container.CreateOptions{}
	switch access {
	case types.AccessBlob:
		opts.Access = to.Ptr(container.PublicAccessTypeBlob)
	case types.AccessContainer:
		opts.Access = to.Ptr(container.PublicAccessTypeContainer)
	}

	_, err := s.client.NewContainerClient(containerName).Create(ctx, opts)
	if err == nil {
		s.log.Debug("container created", "container", containerName, "access", access)
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return false, nil
	}
	return false, fmt.Errorf("azure create container %s failed: %w", containerName, err)
}

func (s *Adapter) OpenReader(ctx context.Context, containerName, blobName string) (io.ReadCloser, error) {
	resp, err := s.blobClient(containerName, blobName).DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, containerName, blobName)
		}
		return nil, fmt.Errorf("azure download failed: %w", err)
	}
	return resp.Body, nil
}

// OpenWriter 用分块上传把写入端适配成流
// Content-MD5 原样写入 Blob 属性，下一轮比较时两端哈希一致
func (s *Adapter) OpenWriter(ctx context.Context, containerName, blobName string, settings types.ContentSettings) (storage.BlobWriter, error) {
	client := s.client.NewContainerClient(containerName).NewBlockBlobClient(blobName)

	headers := &blob.HTTPHeaders{
		BlobContentType:        nonEmpty(settings.ContentType),
		BlobContentEncoding:    nonEmpty(settings.ContentEncoding),
		BlobContentLanguage:    nonEmpty(settings.ContentLanguage),
		BlobContentDisposition: nonEmpty(settings.ContentDisposition),
		BlobCacheControl:       nonEmpty(settings.CacheControl),
		BlobContentMD5:         settings.ContentMD5.MD5(),
	}

	return storage.NewPipeWriter(ctx, func(ctx context.Context, r io.Reader) error {
		_, err := client.UploadStream(ctx, r, &blockblob.UploadStreamOptions{
			BlockSize:   uploadBlockSize,
			Concurrency: uploadConcurrency,
			HTTPHeaders: headers,
		})
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return fmt.Errorf("%w: %s", storage.ErrContainerNotFound, containerName)
			}
			return fmt.Errorf("azure upload %s/%s failed: %w", containerName, blobName, err)
		}
		return nil
	}), nil
}

func nonEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
