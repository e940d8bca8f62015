package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// Unit 决定计数的显示方式
type Unit int

const (
	Items Unit = iota
	Bytes
)

// Bar 是一个进度条，Add 可以并发调用
type Bar interface {
	Add(n int64)
	Done()
}

// Reporter 创建进度条；渲染方式和同步的正确性无关
type Reporter interface {
	NewBar(label string, total int64, unit Unit) Bar
}

// Nop 什么都不显示 (--no-progress 或非终端输出)
type Nop struct{}

func (Nop) NewBar(string, int64, Unit) Bar { return nopBar{} }

type nopBar struct{}

// ForFile 在终端上返回 Terminal，重定向到文件或管道时返回 Nop
func ForFile(f *os.File) Reporter {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return NewTerminal(f)
	}
	return Nop{}
}

func (nopBar) Add(int64) {}
func (nopBar) Done()     {}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	statStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// Terminal 在终端上原地刷新多条进度条
// 完成的进度条从活动区移除，并留下一行最终结果。
type Terminal struct {
	out      io.Writer
	interval time.Duration
	model    progress.Model

	mu    sync.Mutex
	bars  []*termBar
	drawn int // 上一次绘制的行数
	last  time.Time
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:      out,
		interval: 100 * time.Millisecond,
		model:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (t *Terminal) NewBar(label string, total int64, unit Unit) Bar {
	b := &termBar{term: t, label: label, total: total, unit: unit}
	t.mu.Lock()
	t.bars = append(t.bars, b)
	t.redrawLocked(true)
	t.mu.Unlock()
	return b
}

type termBar struct {
	term    *Terminal
	label   string
	total   int64
	unit    Unit
	current atomic.Int64
	done    atomic.Bool
}

func (b *termBar) Add(n int64) {
	b.current.Add(n)
	b.term.mu.Lock()
	b.term.redrawLocked(false)
	b.term.mu.Unlock()
}

func (b *termBar) Done() {
	if !b.done.CompareAndSwap(false, true) {
		return
	}
	t := b.term
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, other := range t.bars {
		if other == b {
			t.bars = append(t.bars[:i], t.bars[i+1:]...)
			break
		}
	}
	t.clearLocked()
	fmt.Fprintln(t.out, doneStyle.Render("✔ ")+b.line(t.model))
	t.redrawLocked(true)
}

func (b *termBar) percent() float64 {
	if b.total <= 0 {
		return 1
	}
	p := float64(b.current.Load()) / float64(b.total)
	if p > 1 {
		p = 1
	}
	return p
}

func (b *termBar) line(model progress.Model) string {
	cur := b.current.Load()
	var stat string
	switch b.unit {
	case Bytes:
		stat = fmt.Sprintf("%s / %s", humanize.Bytes(uint64(max(cur, 0))), humanize.Bytes(uint64(max(b.total, 0))))
	default:
		stat = fmt.Sprintf("%d/%d", cur, b.total)
	}
	return labelStyle.Render(b.label) + " " + model.ViewAs(b.percent()) + " " + statStyle.Render(stat)
}

// clearLocked 把光标移回活动区顶部并清掉旧内容
func (t *Terminal) clearLocked() {
	if t.drawn == 0 {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\x1b[%dA", t.drawn)
	for i := 0; i < t.drawn; i++ {
		sb.WriteString("\r\x1b[2K\n")
	}
	fmt.Fprintf(&sb, "\x1b[%dA", t.drawn)
	io.WriteString(t.out, sb.String())
	t.drawn = 0
}

func (t *Terminal) redrawLocked(force bool) {
	now := time.Now()
	if !force && now.Sub(t.last) < t.interval {
		return
	}
	t.last = now

	t.clearLocked()
	var sb strings.Builder
	for _, b := range t.bars {
		sb.WriteString(b.line(t.model))
		sb.WriteString("\n")
	}
	io.WriteString(t.out, sb.String())
	t.drawn = len(t.bars)
}
