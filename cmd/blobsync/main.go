package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blobsync/cmd/blobsync/commands"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

func main() {
	// 日志走 stderr，stdout 留给进度条和结果
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      commands.LogLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	// Ctrl-C 取消还没开始的任务，正在进行的写入会被放弃
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}
