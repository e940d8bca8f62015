package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"blobsync/pkg/storage"
	"blobsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBlob(t *testing.T, store *Adapter, container, blob, content string, settings types.ContentSettings) {
	t.Helper()
	w, err := store.OpenWriter(context.Background(), container, blob, settings)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestDiskAdapter(t *testing.T) {
	// 1. 创建临时测试目录
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)
	ctx := context.Background()

	// 2. 创建容器
	created, err := store.CreateContainerIfAbsent(ctx, "proj-1", types.AccessBlob)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateContainerIfAbsent(ctx, "proj-1", types.AccessPrivate)
	require.NoError(t, err)
	assert.False(t, created, "second create should be a no-op")

	containers, err := store.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "proj-1", containers[0].Name)
	assert.Equal(t, types.AccessBlob, containers[0].Access, "existing access policy must not be downgraded")

	// 3. 写入 Blob (带内容属性)
	writeBlob(t, store, "proj-1", "img/a.png", "hello world", types.ContentSettings{ContentType: "image/png"})

	// 验证文件是否真的存在于物理磁盘
	_, err = os.Stat(filepath.Join(tmpDir, "containers", "proj-1", "img", "a.png"))
	assert.NoError(t, err)

	// 4. 元数据
	meta, err := store.GetBlobMetadata(ctx, "proj-1", "img/a.png")
	require.NoError(t, err)
	assert.Equal(t, int64(11), meta.ContentLength)
	assert.Equal(t, "image/png", meta.Settings.ContentType)
	assert.Equal(t, types.CalculateContentHash([]byte("hello world")), meta.ContentHash)

	// 5. 存在性
	res, err := store.BlobExists(ctx, "proj-1", "img/a.png")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, meta.ContentHash, res.ContentHash)

	res, err = store.BlobExists(ctx, "proj-1", "missing")
	require.NoError(t, err)
	assert.False(t, res.Exists)

	res, err = store.BlobExists(ctx, "proj-404", "a")
	require.NoError(t, err)
	assert.False(t, res.Exists)

	// 6. 读取
	reader, err := store.OpenReader(ctx, "proj-1", "img/a.png")
	require.NoError(t, err)
	defer reader.Close()
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	// 7. 列举
	writeBlob(t, store, "proj-1", "b.txt", "bb", types.ContentSettings{})
	blobs, err := store.ListBlobs(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "b.txt", blobs[0].Name)
	assert.Equal(t, "img/a.png", blobs[1].Name)
}

func TestDiskAdapter_PreservesGivenHash(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.CreateContainerIfAbsent(ctx, "proj-2", types.AccessBlob)
	require.NoError(t, err)

	// 同步时写入端收到的是源端的 MD5，它必须原样保存
	srcHash := types.CalculateContentHash([]byte("source bytes"))
	writeBlob(t, store, "proj-2", "a", "source bytes", types.ContentSettings{ContentMD5: srcHash})

	res, err := store.BlobExists(ctx, "proj-2", "a")
	require.NoError(t, err)
	assert.Equal(t, srcHash, res.ContentHash)
}

func TestDiskAdapter_HandPlacedFile(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)

	dir := filepath.Join(tmpDir, "containers", "proj-3")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.bin"), []byte("hello world"), 0644))

	meta, err := store.GetBlobMetadata(context.Background(), "proj-3", "raw.bin")
	require.NoError(t, err)
	assert.Equal(t, types.CalculateContentHash([]byte("hello world")), meta.ContentHash, "missing sidecar falls back to computed MD5")
}

func TestDiskAdapter_AbortLeavesNoBlob(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.CreateContainerIfAbsent(ctx, "proj-4", types.AccessBlob)
	require.NoError(t, err)

	w, err := store.OpenWriter(ctx, "proj-4", "half", types.ContentSettings{})
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	cause := errors.New("stream broke")
	assert.Equal(t, cause, w.Abort(cause))

	res, err := store.BlobExists(ctx, "proj-4", "half")
	require.NoError(t, err)
	assert.False(t, res.Exists)
}

func TestDiskAdapter_Errors(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"List missing container", func() error { _, err := store.ListBlobs(ctx, "nope"); return err }, storage.ErrContainerNotFound},
		{"Metadata missing blob", func() error { _, err := store.GetBlobMetadata(ctx, "nope", "x"); return err }, storage.ErrNotFound},
		{"Read missing blob", func() error { _, err := store.OpenReader(ctx, "nope", "x"); return err }, storage.ErrNotFound},
		{"Write into missing container", func() error {
			_, err := store.OpenWriter(ctx, "nope", "x", types.ContentSettings{})
			return err
		}, storage.ErrContainerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.want)
		})
	}

	_, err = store.OpenReader(ctx, "proj-1", "../../etc/passwd")
	assert.Error(t, err, "path traversal must be rejected")
}
