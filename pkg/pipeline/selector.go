package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ResumePrefix 标记 "从某个序号开始同步全部容器"
const ResumePrefix = "..."

var ErrInvalidSelector = errors.New("invalid container selector")

// Mode 是驱动的运行方式
type Mode int

const (
	// ModeAll 同步整个命名空间 (可以从某个序号续传)
	ModeAll Mode = iota
	// ModeSingle 只同步一个指定的容器
	ModeSingle
)

func (m Mode) String() string {
	if m == ModeSingle {
		return "single"
	}
	return "all"
}

// Selector 是命令行容器参数解析后的结果
type Selector struct {
	Mode      Mode
	Container string // ModeSingle
	StartAt   int    // ModeAll
	Raw       string
}

// ParseSelector 解析容器参数
//
//	""              -> 全部容器，从序号 0 开始
//	"...5"          -> 全部容器，从序号 5 开始
//	"...proj-5"     -> 同上
//	"...proj-5-web" -> 同上
//	"proj-5-web"    -> 只同步这一个容器
func ParseSelector(arg string) (Selector, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return Selector{Mode: ModeAll}, nil
	}
	if !strings.HasPrefix(arg, ResumePrefix) {
		return Selector{Mode: ModeSingle, Container: arg, Raw: arg}, nil
	}

	// 续传标记: 纯数字，或者像容器名一样取第一个 '-' 之后的数字
	rest := strings.TrimPrefix(arg, ResumePrefix)
	if _, after, ok := strings.Cut(rest, "-"); ok {
		rest, _, _ = strings.Cut(after, "-")
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return Selector{}, fmt.Errorf("%w: %q (expected %s<ordinal>)", ErrInvalidSelector, arg, ResumePrefix)
	}
	return Selector{Mode: ModeAll, StartAt: n, Raw: arg}, nil
}
