package meta

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_RunLifecycle(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	// 1. 开始
	run := mustStartRun(t, repo, "storage", "Failed to start run")
	assert.Len(t, run.ID, 36)
	assert.Equal(t, StatusRunning, run.Status)

	// 2. 复制记录
	require.NoError(t, repo.RecordTransfer(ctx, &BlobTransfer{RunID: run.ID, Container: "proj-5", Blob: "a", Bytes: 100}))
	require.NoError(t, repo.RecordTransfer(ctx, &BlobTransfer{RunID: run.ID, Container: "proj-5", Blob: "b", Error: "reset"}))

	// 3. 结束
	require.NoError(t, repo.FinishRun(ctx, run.ID, Totals{Containers: 1, Blobs: 1, Bytes: 100}, nil))

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
	assert.Equal(t, int64(100), stored.Bytes)
	require.NotNil(t, stored.FinishedAt)
	assert.JSONEq(t, `{"stream":5}`, string(stored.Options))

	transfers, err := repo.ListTransfers(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "a", transfers[0].Blob)
	assert.Equal(t, StatusSucceeded, transfers[0].Status)
	assert.Equal(t, StatusFailed, transfers[1].Status)
}

func TestRepository_FailedRun(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	run := mustStartRun(t, repo, "cdn")

	require.NoError(t, repo.FinishRun(ctx, run.ID, Totals{}, errors.New("diff proj-2: 403")))

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "diff proj-2: 403", stored.Error)
}

func TestRepository_NotFound(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = repo.FinishRun(ctx, "nope", Totals{}, nil)
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = repo.RecordTransfer(ctx, &BlobTransfer{Blob: "orphan"})
	assert.Error(t, err)
}

func TestRepository_ListRuns(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	// 手动控制时间戳以保证排序确定性
	var ids []string
	for i := 0; i < 3; i++ {
		run := mustStartRun(t, repo, "storage")
		started := time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		require.NoError(t, repo.db.GetConn().Model(&Run{}).Where("id = ?", run.ID).Update("started_at", started).Error)
		ids = append(ids, run.ID)
	}

	runs, err := repo.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID, "newest first")
	assert.Equal(t, ids[1], runs[1].ID)

	all, err := repo.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNewDB_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	db, err := NewDB(context.Background(), Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	run := mustStartRun(t, repo, "storage")
	_, err = repo.GetRun(context.Background(), run.ID)
	assert.NoError(t, err)
}

func TestNewDB_UnknownDriver(t *testing.T) {
	_, err := NewDB(context.Background(), Config{Driver: "mysql"})
	assert.Error(t, err)

	_, err = NewDB(context.Background(), Config{Driver: "sqlite"})
	assert.Error(t, err, "sqlite needs a path")
}
