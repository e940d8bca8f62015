package storage

import (
	"context"
	"errors"
	"io"
	"sync"
)

// UploadFunc 从 r 读取全部数据并上传，r 返回 EOF 表示数据结束
type UploadFunc func(ctx context.Context, r io.Reader) error

var errAborted = errors.New("upload aborted")

// PipeWriter 把 "给我一个 Reader" 风格的上传 API 适配成 BlobWriter
// 上传在后台 goroutine 中执行，Write 通过 io.Pipe 推送数据。
type PipeWriter struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// NewPipeWriter 启动上传 goroutine
func NewPipeWriter(ctx context.Context, upload UploadFunc) *PipeWriter {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w := &PipeWriter{
		pw:     pw,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		err := upload(ctx, pr)
		// 上传提前结束时让写端立刻拿到错误，而不是永远阻塞
		if err != nil {
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		w.err = err
	}()

	return w
}

func (w *PipeWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close 结束数据流并等待上传完成
func (w *PipeWriter) Close() error {
	w.once.Do(func() {
		w.pw.Close()
		<-w.done
		w.cancel()
	})
	return w.err
}

// Abort 取消上传，返回 cause
func (w *PipeWriter) Abort(cause error) error {
	if cause == nil {
		cause = errAborted
	}
	w.once.Do(func() {
		w.cancel()
		w.pw.CloseWithError(cause)
		<-w.done
	})
	return cause
}
