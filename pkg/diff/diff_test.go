package diff

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"blobsync/pkg/guard"
	"blobsync/pkg/ignore"
	"blobsync/pkg/progress"
	"blobsync/pkg/queue"
	"blobsync/pkg/storage/memory"
	"blobsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyTarget 统计存在性检查次数，并可以对某个 Blob 注入失败
type spyTarget struct {
	*memory.Store
	checks int32
	failOn string
	fail   error
}

func (s *spyTarget) BlobExists(ctx context.Context, container, blob string) (types.ExistsResult, error) {
	atomic.AddInt32(&s.checks, 1)
	if blob == s.failOn {
		return types.ExistsResult{}, s.fail
	}
	return s.Store.BlobExists(ctx, container, blob)
}

// slowTarget 给每次存在性检查加随机延迟，并记录同时在途的最大检查数
type slowTarget struct {
	*memory.Store
	checks   int32
	inFlight int32
	peak     int32
}

func (s *slowTarget) BlobExists(ctx context.Context, container, blob string) (types.ExistsResult, error) {
	atomic.AddInt32(&s.checks, 1)
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(time.Duration(rand.IntN(4000)) * time.Microsecond)
	return s.Store.BlobExists(ctx, container, blob)
}

// countingReporter 记录进度条推进的总量
type countingReporter struct {
	added int64
	done  int32
}

func (r *countingReporter) NewBar(string, int64, progress.Unit) progress.Bar { return r }
func (r *countingReporter) Add(n int64)                                      { atomic.AddInt64(&r.added, n) }
func (r *countingReporter) Done()                                            { atomic.AddInt32(&r.done, 1) }

func settings(hash types.ContentHash) types.ContentSettings {
	return types.ContentSettings{ContentMD5: hash}
}

func TestDecide(t *testing.T) {
	x := types.CalculateContentHash([]byte("x"))
	y := types.CalculateContentHash([]byte("y"))

	tests := []struct {
		name string
		src  types.BlobMeta
		dst  types.ExistsResult
		want bool
	}{
		{"Absent in target", types.BlobMeta{ContentHash: x}, types.Absent(), true},
		{"Same hash", types.BlobMeta{ContentHash: x}, types.Present(x), false},
		{"Different hash", types.BlobMeta{ContentHash: x}, types.Present(y), true},
		{"Target without hash", types.BlobMeta{ContentHash: x}, types.Present(""), true},
		{"Source without hash", types.BlobMeta{}, types.Present(x), true},
		{"Neither has hash", types.BlobMeta{}, types.Present(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.src, tt.dst))
		})
	}
}

func TestDiff_SelectsMissingBlobs(t *testing.T) {
	ctx := context.Background()
	x := types.CalculateContentHash([]byte("X"))
	y := types.CalculateContentHash([]byte("Y"))

	// 源端 proj-2: a (X, 100B), b (Y, 50B)；目标端只有 a (X)
	src := memory.NewStore()
	src.PutBlob("proj-2", "a", make([]byte, 100), settings(x))
	src.PutBlob("proj-2", "b", make([]byte, 50), settings(y))
	target := &spyTarget{Store: memory.NewStore()}
	target.PutBlob("proj-2", "a", make([]byte, 100), settings(x))

	reporter := &countingReporter{}
	engine := New(src, target, guard.New(), queue.New("check", 10), nil, reporter)

	res, err := engine.Diff(ctx, "proj-2")
	require.NoError(t, err)
	assert.Equal(t, KindReady, res.Kind)
	require.Len(t, res.Blobs, 1)
	assert.Equal(t, "b", res.Blobs[0].Name)
	assert.Equal(t, int64(50), res.TotalBytes)
	assert.Equal(t, int32(2), target.checks)
	assert.Equal(t, int64(2), reporter.added, "one tick per evaluated blob")
	assert.Equal(t, int32(1), reporter.done)
}

func TestDiff_StaleBlob(t *testing.T) {
	src := memory.NewStore()
	src.PutBlob("proj-1", "logo.png", []byte("new logo"), types.ContentSettings{})
	target := memory.NewStore()
	target.PutBlob("proj-1", "logo.png", []byte("old logo"), types.ContentSettings{})

	res, err := New(src, target, guard.New(), queue.New("check", 10), nil, nil).Diff(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, res.Blobs, 1)
	assert.Equal(t, int64(len("new logo")), res.TotalBytes)
}

func TestDiff_EmptyContainer(t *testing.T) {
	src := memory.NewStore()
	_, err := src.CreateContainerIfAbsent(context.Background(), "proj-3", types.AccessPrivate)
	require.NoError(t, err)
	target := &spyTarget{Store: memory.NewStore()}

	res, err := New(src, target, guard.New(), queue.New("check", 10), nil, nil).Diff(context.Background(), "proj-3")
	require.NoError(t, err)
	assert.Equal(t, KindEmpty, res.Kind)
	assert.Empty(t, res.Blobs)
	assert.Equal(t, int32(0), target.checks)
}

func TestDiff_ListingIsGuarded(t *testing.T) {
	src := memory.NewStore()
	src.PutBlob("proj-1", "a", []byte("a"), types.ContentSettings{})
	engine := New(src, memory.NewStore(), guard.New(), queue.New("check", 10), nil, nil)

	first, err := engine.Diff(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, KindReady, first.Kind)

	second, err := engine.Diff(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, KindEmpty, second.Kind, "a repeated listing request is a no-op")
}

func TestDiff_Exclusion(t *testing.T) {
	src := memory.NewStore()
	src.PutBlob("proj-1", "a.png", []byte("a"), types.ContentSettings{})
	src.PutBlob("proj-1", "upload.tmp", []byte("tmp"), types.ContentSettings{})
	target := &spyTarget{Store: memory.NewStore()}

	exclude, err := ignore.NewMatcher([]string{"*.tmp"}, "")
	require.NoError(t, err)

	res, err := New(src, target, guard.New(), queue.New("check", 10), exclude, nil).Diff(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, res.Blobs, 1)
	assert.Equal(t, "a.png", res.Blobs[0].Name)
	assert.Equal(t, 2, res.Listed)
	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, int32(1), target.checks, "excluded blobs are never checked")
}

func TestDiff_CheckFailure(t *testing.T) {
	src := memory.NewStore()
	for _, name := range []string{"a", "b", "c", "d"} {
		src.PutBlob("proj-1", name, []byte(name), types.ContentSettings{})
	}
	boom := errors.New("503 server busy")
	target := &spyTarget{Store: memory.NewStore(), failOn: "b", fail: boom}

	_, err := New(src, target, guard.New(), queue.New("check", 1), nil, nil).Diff(context.Background(), "proj-1")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "proj-1")
}

func TestDiff_ListFailure(t *testing.T) {
	_, err := New(memory.NewStore(), memory.NewStore(), guard.New(), queue.New("check", 1), nil, nil).Diff(context.Background(), "missing")
	assert.Error(t, err)
}

func TestDiff_FanInUnderConcurrency(t *testing.T) {
	const (
		limit = 3
		total = 40
	)
	src := memory.NewStore()
	target := &slowTarget{Store: memory.NewStore()}

	// 每 4 个 Blob 里有 1 个目标端已是最新
	var wantBytes int64
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("asset-%02d", i)
		data := []byte(name)
		h := types.CalculateContentHash(data)
		src.PutBlob("proj-7", name, data, settings(h))
		if i%4 == 0 {
			target.PutBlob("proj-7", name, data, settings(h))
			continue
		}
		wantBytes += int64(len(data))
	}

	reporter := &countingReporter{}
	engine := New(src, target, guard.New(), queue.New("check", limit), nil, reporter)

	res, err := engine.Diff(context.Background(), "proj-7")
	require.NoError(t, err)

	// 一个结果，且在所有检查完成之后才产生
	assert.Equal(t, KindReady, res.Kind)
	assert.Equal(t, total, res.Listed)
	assert.Equal(t, int32(total), atomic.LoadInt32(&target.checks), "every blob evaluated")
	assert.Equal(t, int32(0), atomic.LoadInt32(&target.inFlight), "no check outlives the result")
	assert.Equal(t, int64(total), atomic.LoadInt64(&reporter.added))
	assert.Equal(t, int32(1), atomic.LoadInt32(&reporter.done))

	require.Len(t, res.Blobs, total-total/4)
	assert.Equal(t, wantBytes, res.TotalBytes)
	for i := 1; i < len(res.Blobs); i++ {
		assert.Less(t, res.Blobs[i-1].Name, res.Blobs[i].Name)
	}

	peak := atomic.LoadInt32(&target.peak)
	assert.LessOrEqual(t, peak, int32(limit), "check queue ceiling")
	assert.GreaterOrEqual(t, peak, int32(1))
	t.Logf("✅ %d checks, peak concurrency %d/%d, %d to copy", total, peak, limit, len(res.Blobs))
}
