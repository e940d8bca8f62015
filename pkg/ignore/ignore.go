package ignore

import (
	"fmt"
	"os"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Matcher 判断一个 Blob 是否被排除在同步之外
// Blob 名按 "/" 分段，和 gitignore 的路径语义一致。
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 编译排除规则
// patterns: 配置里的 sync.exclude
// file: 可选的规则文件 (sync.exclude_file)，内容和 patterns 合并
func NewMatcher(patterns []string, file string) (*Matcher, error) {
	if file == "" {
		if len(patterns) == 0 {
			return &Matcher{}, nil
		}
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(patterns...)}, nil
	}

	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("exclude file %s: %w", file, err)
	}
	// 库函数 CompileIgnoreFileAndLines 会自动处理读取和解析
	ignorer, err := gitignore.CompileIgnoreFileAndLines(file, patterns...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches 返回 true 表示应该跳过 (Skip)
// nil Matcher 什么都不排除
func (m *Matcher) Matches(blob string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(blob)
}
