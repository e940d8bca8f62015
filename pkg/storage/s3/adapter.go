package s3

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"blobsync/pkg/storage"
	"blobsync/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// md5MetaKey 保存 base64 的 Content-MD5，S3 的 ETag 对分片上传不是 MD5
const md5MetaKey = "content-md5"

// Adapter 实现了 storage.Store 接口
// 每个容器对应一个 Bucket: BucketPrefix + 容器名
type Adapter struct {
	client *s3.Client
	prefix string
	log    *slog.Logger
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	BucketPrefix    string
	AccessKeyID     string
	SecretAccessKey string
}

// NewAdapter 初始化 S3 客户端 (适配 AWS SDK v2 最新规范)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	// 1. 加载基础配置 (仅包含 Region 和 Credentials)
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端时，注入特定于 S3 的配置
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 如果指定了 Endpoint (比如 MinIO 的 localhost:9000)，则覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须强制使用 Path Style
		o.UsePathStyle = true
	})

	return &Adapter{
		client: client,
		prefix: cfg.BucketPrefix,
		log:    slog.Default().With("store", "s3"),
	}, nil
}

func (s *Adapter) bucket(container string) *string {
	return aws.String(s.prefix + container)
}

// hashFromETag 单段上传的 ETag 就是十六进制 MD5；分片上传的 ETag 带 "-N"，不可比较
func hashFromETag(etag *string) types.ContentHash {
	if etag == nil {
		return ""
	}
	raw := strings.Trim(*etag, `"`)
	if len(raw) != 32 || strings.Contains(raw, "-") {
		return ""
	}
	sum, err := hex.DecodeString(raw)
	if err != nil {
		return ""
	}
	return types.HashFromMD5(sum)
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return true
	}
	// 兼容性：某些 S3 实现可能返回 generic 404 error string
	return strings.Contains(err.Error(), "StatusCode: 404")
}

func (s *Adapter) ListContainers(ctx context.Context) ([]types.Container, error) {
	resp, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("s3 list buckets failed: %w", err)
	}

	var out []types.Container
	for _, b := range resp.Buckets {
		name := aws.ToString(b.Name)
		if !strings.HasPrefix(name, s.prefix) {
			continue
		}
		out = append(out, types.Container{Name: strings.TrimPrefix(name, s.prefix), Access: types.AccessPrivate})
	}
	return out, nil
}

func (s *Adapter) ListBlobs(ctx context.Context, container string) ([]types.BlobMeta, error) {
	var out []types.BlobMeta
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: s.bucket(container)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("%w: %s", storage.ErrContainerNotFound, container)
			}
			return nil, fmt.Errorf("s3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			hash := hashFromETag(obj.ETag)
			out = append(out, types.BlobMeta{
				Container:     container,
				Name:          aws.ToString(obj.Key),
				ContentLength: aws.ToInt64(obj.Size),
				ContentHash:   hash,
				Settings:      types.ContentSettings{ContentMD5: hash},
			})
		}
	}
	return out, nil
}

func (s *Adapter) head(ctx context.Context, container, blob string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: s.bucket(container),
		Key:    aws.String(blob),
	})
}

func headHash(resp *s3.HeadObjectOutput) types.ContentHash {
	if v, ok := resp.Metadata[md5MetaKey]; ok && v != "" {
		return types.ContentHash(v)
	}
	return hashFromETag(resp.ETag)
}

func (s *Adapter) BlobExists(ctx context.Context, container, blob string) (types.ExistsResult, error) {
	resp, err := s.head(ctx, container, blob)
	if err == nil {
		return types.Present(headHash(resp)), nil
	}
	if isNotFound(err) {
		return types.Absent(), nil
	}
	return types.ExistsResult{}, fmt.Errorf("s3 head failed: %w", err)
}

func (s *Adapter) GetBlobMetadata(ctx context.Context, container, blob string) (types.BlobMeta, error) {
	resp, err := s.head(ctx, container, blob)
	if err != nil {
		if isNotFound(err) {
			return types.BlobMeta{}, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, container, blob)
		}
		return types.BlobMeta{}, fmt.Errorf("s3 head failed: %w", err)
	}

	hash := headHash(resp)
	return types.BlobMeta{
		Container:     container,
		Name:          blob,
		ContentLength: aws.ToInt64(resp.ContentLength),
		ContentHash:   hash,
		Settings: types.ContentSettings{
			ContentType:        aws.ToString(resp.ContentType),
			ContentEncoding:    aws.ToString(resp.ContentEncoding),
			ContentLanguage:    aws.ToString(resp.ContentLanguage),
			ContentDisposition: aws.ToString(resp.ContentDisposition),
			CacheControl:       aws.ToString(resp.CacheControl),
			ContentMD5:         hash,
		},
	}, nil
}

// CreateContainerIfAbsent 创建 Bucket
// S3 没有 Azure 的容器级公共访问，access 只记录在日志里；公开读需要 Bucket Policy
func (s *Adapter) CreateContainerIfAbsent(ctx context.Context, container string, access types.AccessPolicy) (bool, error) {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: s.bucket(container)})
	if err == nil {
		s.log.Debug("bucket created", "bucket", s.prefix+container, "access", access)
		return true, nil
	}

	var owned *s3types.BucketAlreadyOwnedByYou
	var exists *s3types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return false, nil
	}
	return false, fmt.Errorf("s3 create bucket failed: %w", err)
}

func (s *Adapter) OpenReader(ctx context.Context, container, blob string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: s.bucket(container),
		Key:    aws.String(blob),
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 错误映射为我们自己的 ErrNotFound
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, container, blob)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	return resp.Body, nil
}

// OpenWriter 先把数据落到临时文件
// PutObject 需要可 Seek 的 Body 才能签名，所以 Close 时再整体上传
func (s *Adapter) OpenWriter(ctx context.Context, container, blob string, settings types.ContentSettings) (storage.BlobWriter, error) {
	tmp, err := os.CreateTemp("", "blobsync-s3-*")
	if err != nil {
		return nil, err
	}
	return &spoolWriter{ctx: ctx, adapter: s, container: container, blob: blob, settings: settings, file: tmp}, nil
}

type spoolWriter struct {
	ctx       context.Context
	adapter   *Adapter
	container string
	blob      string
	settings  types.ContentSettings
	file      *os.File
	size      int64
	done      bool
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *spoolWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer func() {
		w.file.Close()
		os.Remove(w.file.Name())
	}()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        w.adapter.bucket(w.container),
		Key:           aws.String(w.blob),
		Body:          w.file,
		ContentLength: aws.Int64(w.size),
	}
	if v := w.settings.ContentType; v != "" {
		input.ContentType = aws.String(v)
	}
	if v := w.settings.ContentEncoding; v != "" {
		input.ContentEncoding = aws.String(v)
	}
	if v := w.settings.ContentLanguage; v != "" {
		input.ContentLanguage = aws.String(v)
	}
	if v := w.settings.ContentDisposition; v != "" {
		input.ContentDisposition = aws.String(v)
	}
	if v := w.settings.CacheControl; v != "" {
		input.CacheControl = aws.String(v)
	}
	if !w.settings.ContentMD5.IsZero() {
		input.Metadata = map[string]string{md5MetaKey: w.settings.ContentMD5.String()}
	}

	if _, err := w.adapter.client.PutObject(w.ctx, input); err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (w *spoolWriter) Abort(cause error) error {
	if !w.done {
		w.done = true
		w.file.Close()
		os.Remove(w.file.Name())
	}
	return cause
}
