package meta

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// 注意：文件名必须以 _test.go 结尾，否则会被编译进生产代码！
// -----------------------------------------------------------------------------

// setupTestRepo 构建隔离的测试环境
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(&Run{}, &BlobTransfer{}))

	return NewRepository(metaDB)
}

// mustStartRun 创建运行记录，失败直接终止测试
func mustStartRun(t *testing.T, repo *Repository, pairing string, msgAndArgs ...any) *Run {
	t.Helper()
	run, err := repo.StartRun(context.Background(), RunSpec{
		Pairing:  pairing,
		Mode:     "all",
		Selector: "...5",
		StartAt:  5,
		Options:  map[string]int{"stream": 5},
	})
	require.NoError(t, err, msgAndArgs...)
	return run
}
