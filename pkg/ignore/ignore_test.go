package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Empty(t *testing.T) {
	matcher, err := NewMatcher(nil, "")
	require.NoError(t, err)
	assert.False(t, matcher.Matches("anything/at/all.bin"))

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Matches("a"))
}

func TestMatcher_Patterns(t *testing.T) {
	matcher, err := NewMatcher([]string{"*.tmp", "thumbs/", ".DS_Store"}, "")
	require.NoError(t, err)

	tests := []struct {
		blob     string
		shouldIg bool
	}{
		{"upload.tmp", true},
		{"img/upload.tmp", true}, // *.tmp 递归
		{"thumbs/a.png", true},
		{"img/.DS_Store", true},
		{"img/a.png", false},
		{"thumbsup.png", false},
	}

	for _, tt := range tests {
		t.Run(tt.blob, func(t *testing.T) {
			assert.Equal(t, tt.shouldIg, matcher.Matches(tt.blob), "Blob: %s", tt.blob)
		})
	}
}

func TestMatcher_WithFile(t *testing.T) {
	// 1. 创建规则文件
	file := filepath.Join(t.TempDir(), ".blobsyncignore")
	content := `
# 这是注释
*.log
!important.log
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	// 2. 文件规则 + 配置规则合并
	matcher, err := NewMatcher([]string{"cache/"}, file)
	require.NoError(t, err)

	tests := []struct {
		blob     string
		shouldIg bool
	}{
		{"app.log", true},
		{"logs/error.log", true},
		{"cache/x", true},
		{"important.log", false}, // 负向规则 (Whitelisting)
		{"index.html", false},
	}

	for _, tt := range tests {
		t.Run(tt.blob, func(t *testing.T) {
			assert.Equal(t, tt.shouldIg, matcher.Matches(tt.blob), "Blob: %s", tt.blob)
		})
	}
}

func TestMatcher_MissingFile(t *testing.T) {
	_, err := NewMatcher(nil, filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
