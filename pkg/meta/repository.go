package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("sync run not found")

// RunSpec 描述一次即将开始的运行
type RunSpec struct {
	Pairing  string
	Mode     string
	Selector string
	StartAt  int
	Options  any
}

// Totals 是运行结束时的汇总
type Totals struct {
	Containers int
	Blobs      int
	Bytes      int64
}

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// StartRun 创建一条 running 状态的记录
func (r *Repository) StartRun(ctx context.Context, spec RunSpec) (*Run, error) {
	opts, err := json.Marshal(spec.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run options: %w", err)
	}

	run := Run{
		ID:        uuid.NewString(),
		Pairing:   spec.Pairing,
		Mode:      spec.Mode,
		Selector:  spec.Selector,
		StartAt:   spec.StartAt,
		Options:   datatypes.JSON(opts),
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := r.db.GetConn().WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return &run, nil
}

// RecordTransfer 追加一条复制记录
func (r *Repository) RecordTransfer(ctx context.Context, t *BlobTransfer) error {
	if t.RunID == "" {
		return fmt.Errorf("transfer without run id")
	}
	if t.Status == "" {
		t.Status = StatusSucceeded
		if t.Error != "" {
			t.Status = StatusFailed
		}
	}
	if err := r.db.GetConn().WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// FinishRun 写入汇总和最终状态，runErr 为 nil 表示成功
func (r *Repository) FinishRun(ctx context.Context, id string, totals Totals, runErr error) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      StatusSucceeded,
		"containers":  totals.Containers,
		"blobs":       totals.Blobs,
		"bytes":       totals.Bytes,
		"finished_at": &now,
	}
	if runErr != nil {
		updates["status"] = StatusFailed
		updates["error"] = runErr.Error()
	}

	result := r.db.GetConn().WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := r.db.GetConn().WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns 返回最近的运行，新的在前
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	q := r.db.GetConn().WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&runs).Error
	return runs, err
}

// ListTransfers 返回一次运行的全部复制记录 (按写入顺序)
func (r *Repository) ListTransfers(ctx context.Context, runID string) ([]BlobTransfer, error) {
	var transfers []BlobTransfer
	err := r.db.GetConn().WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&transfers).Error
	return transfers, err
}
