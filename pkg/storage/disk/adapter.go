package disk

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"blobsync/pkg/storage"
	"blobsync/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

const (
	objectsDir = "containers"
	metaDir    = "meta"
	tempDir    = "tmp"
	metaSuffix = ".cbor"
)

// Adapter 实现了 storage.Store 接口，把一个本地目录当作对象存储
//
// 布局:
//
//	root/containers/<container>/<blob>         Blob 数据
//	root/meta/<container>/<blob>.cbor          Blob 内容属性 (CBOR)
//	root/meta/<container>.cbor                 容器属性 (CBOR)
//	root/tmp/                                  写入中的临时文件
type Adapter struct {
	rootPath string
}

// blobRecord 是 sidecar 文件里的内容
type blobRecord struct {
	ContentType        string `cbor:"ct,omitempty"`
	ContentEncoding    string `cbor:"ce,omitempty"`
	ContentLanguage    string `cbor:"cl,omitempty"`
	ContentDisposition string `cbor:"cd,omitempty"`
	CacheControl       string `cbor:"cc,omitempty"`
	ContentMD5         []byte `cbor:"md5,omitempty"`
}

type containerRecord struct {
	Access string `cbor:"access"`
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	for _, dir := range []string{objectsDir, metaDir, tempDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create root storage dir: %w", err)
		}
	}
	return &Adapter{rootPath: root}, nil
}

func (s *Adapter) containerPath(container string) (string, error) {
	if container == "" || strings.ContainsAny(container, `/\`) || !filepath.IsLocal(container) {
		return "", fmt.Errorf("invalid container name %q", container)
	}
	return filepath.Join(s.rootPath, objectsDir, container), nil
}

// layout 返回 Blob 数据和 sidecar 的物理路径
// Example: ("proj-1", "img/a.png") -> root/containers/proj-1/img/a.png, root/meta/proj-1/img/a.png.cbor
func (s *Adapter) layout(container, blob string) (string, string, error) {
	cpath, err := s.containerPath(container)
	if err != nil {
		return "", "", err
	}
	rel := filepath.FromSlash(blob)
	if blob == "" || !filepath.IsLocal(rel) {
		return "", "", fmt.Errorf("invalid blob name %q", blob)
	}
	dataPath := filepath.Join(cpath, rel)
	sidecar := filepath.Join(s.rootPath, metaDir, container, rel) + metaSuffix
	return dataPath, sidecar, nil
}

func (s *Adapter) ListContainers(ctx context.Context) ([]types.Container, error) {
	entries, err := os.ReadDir(filepath.Join(s.rootPath, objectsDir))
	if err != nil {
		return nil, err
	}

	out := make([]types.Container, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, types.Container{Name: e.Name(), Access: s.readAccess(e.Name())})
	}
	return out, nil
}

func (s *Adapter) readAccess(container string) types.AccessPolicy {
	var rec containerRecord
	data, err := os.ReadFile(filepath.Join(s.rootPath, metaDir, container+metaSuffix))
	if err != nil {
		return types.AccessPrivate
	}
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return types.AccessPrivate
	}
	return types.AccessPolicy(rec.Access)
}

func (s *Adapter) ListBlobs(ctx context.Context, container string) ([]types.BlobMeta, error) {
	cpath, err := s.containerPath(container)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cpath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrContainerNotFound, container)
	}

	var out []types.BlobMeta
	err = filepath.WalkDir(cpath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(cpath, path)
		if err != nil {
			return err
		}
		meta, err := s.GetBlobMetadata(ctx, container, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Adapter) BlobExists(ctx context.Context, container, blob string) (types.ExistsResult, error) {
	meta, err := s.GetBlobMetadata(ctx, container, blob)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrContainerNotFound) {
		return types.Absent(), nil
	}
	if err != nil {
		return types.ExistsResult{}, err
	}
	return types.Present(meta.ContentHash), nil
}

func (s *Adapter) GetBlobMetadata(ctx context.Context, container, blob string) (types.BlobMeta, error) {
	dataPath, sidecar, err := s.layout(container, blob)
	if err != nil {
		return types.BlobMeta{}, err
	}

	info, err := os.Stat(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return types.BlobMeta{}, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, container, blob)
	}
	if err != nil {
		return types.BlobMeta{}, err
	}
	if info.IsDir() {
		return types.BlobMeta{}, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, container, blob)
	}

	var rec blobRecord
	if data, err := os.ReadFile(sidecar); err == nil {
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return types.BlobMeta{}, fmt.Errorf("corrupt metadata for %s/%s: %w", container, blob, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return types.BlobMeta{}, err
	}

	// 手工放进目录的文件没有 sidecar，现算一次 MD5
	if len(rec.ContentMD5) == 0 {
		sum, err := fileMD5(dataPath)
		if err != nil {
			return types.BlobMeta{}, err
		}
		rec.ContentMD5 = sum
	}

	settings := types.ContentSettings{
		ContentType:        rec.ContentType,
		ContentEncoding:    rec.ContentEncoding,
		ContentLanguage:    rec.ContentLanguage,
		ContentDisposition: rec.ContentDisposition,
		CacheControl:       rec.CacheControl,
		ContentMD5:         types.HashFromMD5(rec.ContentMD5),
	}
	return types.BlobMeta{
		Container:     container,
		Name:          blob,
		ContentLength: info.Size(),
		ContentHash:   settings.ContentMD5,
		Settings:      settings,
	}, nil
}

func fileMD5(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func (s *Adapter) CreateContainerIfAbsent(ctx context.Context, container string, access types.AccessPolicy) (bool, error) {
	cpath, err := s.containerPath(container)
	if err != nil {
		return false, err
	}

	// Mkdir 本身就是原子的 "不存在才创建"
	if err := os.Mkdir(cpath, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}

	data, err := cbor.Marshal(containerRecord{Access: string(access)})
	if err != nil {
		return true, err
	}
	if err := os.WriteFile(filepath.Join(s.rootPath, metaDir, container+metaSuffix), data, 0644); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Adapter) OpenReader(ctx context.Context, container, blob string) (io.ReadCloser, error) {
	dataPath, _, err := s.layout(container, blob)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(dataPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, container, blob)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) OpenWriter(ctx context.Context, container, blob string, settings types.ContentSettings) (storage.BlobWriter, error) {
	dataPath, sidecar, err := s.layout(container, blob)
	if err != nil {
		return nil, err
	}
	cpath, _ := s.containerPath(container)
	if _, err := os.Stat(cpath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrContainerNotFound, container)
	}

	// 原子写入: 先写临时文件，Close 时再 Rename
	tempFile, err := os.CreateTemp(filepath.Join(s.rootPath, tempDir), "blob-*")
	if err != nil {
		return nil, err
	}

	return &fileWriter{
		file:     tempFile,
		hasher:   md5.New(),
		dataPath: dataPath,
		sidecar:  sidecar,
		settings: settings,
	}, nil
}

type fileWriter struct {
	file     *os.File
	hasher   hash.Hash
	dataPath string
	sidecar  string
	settings types.ContentSettings
	done     bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.hasher.Write(p[:n])
	return n, err
}

func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	// 确保临时文件会被清理（如果成功 Rename 了，这个删除是无害的）
	defer os.Remove(w.file.Name())

	if err := w.file.Close(); err != nil {
		return err
	}

	rec := blobRecord{
		ContentType:        w.settings.ContentType,
		ContentEncoding:    w.settings.ContentEncoding,
		ContentLanguage:    w.settings.ContentLanguage,
		ContentDisposition: w.settings.ContentDisposition,
		CacheControl:       w.settings.CacheControl,
		ContentMD5:         w.settings.ContentMD5.MD5(),
	}
	if len(rec.ContentMD5) == 0 {
		rec.ContentMD5 = w.hasher.Sum(nil)
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	for _, dir := range []string{filepath.Dir(w.dataPath), filepath.Dir(w.sidecar)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(w.sidecar, data, 0644); err != nil {
		return err
	}
	return os.Rename(w.file.Name(), w.dataPath)
}

func (w *fileWriter) Abort(cause error) error {
	if !w.done {
		w.done = true
		w.file.Close()
		os.Remove(w.file.Name())
	}
	return cause
}
