package meta

import (
	"time"

	"gorm.io/datatypes"
)

// 运行状态
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run 记录一次 sync 调用
type Run struct {
	// ID 是 UUID
	ID string `gorm:"primaryKey;type:varchar(36)"`

	Pairing  string `gorm:"index;type:varchar(64)"`
	Mode     string `gorm:"type:varchar(16)"` // "single" | "all"
	Selector string `gorm:"type:varchar(255)"`
	StartAt  int

	// Options: 队列上限、排除规则等运行参数的快照
	Options datatypes.JSON

	Status     string `gorm:"index;type:varchar(16)"`
	Containers int
	Blobs      int
	Bytes      int64
	Error      string `gorm:"type:text"`

	StartedAt  time.Time `gorm:"index"`
	FinishedAt *time.Time
}

// TableName 强制指定表名
func (Run) TableName() string {
	return "sync_runs"
}

// BlobTransfer 是一次 Blob 复制尝试
type BlobTransfer struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"index;type:varchar(36);not null"`

	Container  string `gorm:"index:idx_transfer_blob;type:varchar(255)"`
	Blob       string `gorm:"index:idx_transfer_blob;type:varchar(1024)"`
	Bytes      int64
	ContentMD5 string `gorm:"type:varchar(32)"`

	Status string `gorm:"type:varchar(16)"`
	Error  string `gorm:"type:text"`

	StartedAt  time.Time
	FinishedAt time.Time
}

func (BlobTransfer) TableName() string {
	return "blob_transfers"
}
