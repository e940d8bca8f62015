package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_CeilingNeverExceeded(t *testing.T) {
	const (
		limit = 3
		total = 40
	)
	q := New("test", limit)

	var running, peak int32
	var wg sync.WaitGroup
	wg.Add(total)

	for i := 0; i < total; i++ {
		delay := time.Duration(i%5) * time.Millisecond
		q.Submit(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(delay)
			atomic.AddInt32(&running, -1)
			return nil
		}, func(err error) {
			assert.NoError(t, err)
			wg.Done()
		})
	}

	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(limit))
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_FIFOAdmission(t *testing.T) {
	q := New("fifo", 1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// 先占住唯一的槽位，保证后面的任务全部进入等待队列
	release := make(chan struct{})
	wg.Add(1)
	q.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}, func(error) { wg.Done() })

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		q.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, func(error) { wg.Done() })
	}
	assert.Equal(t, 10, q.Pending())

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestQueue_FailureKeepsQueueInService(t *testing.T) {
	q := New("fail", 1)
	boom := errors.New("boom")

	err := q.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = q.Do(context.Background(), func(ctx context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// 槽位没有泄漏
	err = q.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestQueue_CancelledTasksAreSkipped(t *testing.T) {
	q := New("cancel", 1)
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("sibling failed")

	release := make(chan struct{})
	started := make(chan struct{})
	first := make(chan error, 1)
	q.Submit(ctx, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, func(err error) { first <- err })
	<-started

	var ran atomic.Bool
	second := make(chan error, 1)
	q.Submit(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, func(err error) { second <- err })

	cancel(cause)
	close(release)

	assert.NoError(t, <-first, "already running task finishes normally")
	assert.ErrorIs(t, <-second, cause)
	assert.False(t, ran.Load(), "queued task must not run after cancellation")
}

func TestQueue_NestedSubmit(t *testing.T) {
	q := New("nested", 1)

	done := make(chan error, 1)
	q.Submit(context.Background(), func(ctx context.Context) error { return nil }, func(err error) {
		// 在回调里继续提交，不能死锁
		q.Submit(context.Background(), func(ctx context.Context) error { return nil }, func(err error) {
			done <- err
		})
	})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested submit deadlocked")
	}
}

func TestNew_ClampsCeiling(t *testing.T) {
	q := New("zero", 0)
	assert.NoError(t, q.Do(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, "zero", q.Name())
}
