package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/segindex"
	"github.com/hupe1980/docshard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disableMerges(t *testing.T) {
	t.Helper()
	SetEnabled(false)
	t.Cleanup(func() { SetEnabled(true) })
}

// openIndex returns an index with n sealed segments of perSeg documents.
func openIndex(t *testing.T, n, perSeg int) *segindex.Index {
	t.Helper()
	x, err := segindex.Open(t.TempDir(), segindex.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })

	for s := 0; s < n; s++ {
		for d := 0; d < perSeg; d++ {
			id := fmt.Sprintf("%d-%d", s, d)
			require.NoError(t, x.Add(model.Document{UID: model.NewUID("t", id), Version: 1, Source: []byte(id)}))
		}
		_, err := x.Refresh()
		require.NoError(t, err)
	}
	return x
}

type fakeTarget struct {
	mu       sync.Mutex
	segs     []segindex.SegmentStats
	err      error
	calls    atomic.Int32
	block    chan struct{}
	started  chan struct{}
	startOne sync.Once
}

func (f *fakeTarget) Segments() []segindex.SegmentStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]segindex.SegmentStats(nil), f.segs...)
}

func (f *fakeTarget) Merge(ctx context.Context, ids []uint64) (segindex.MergeResult, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.startOne.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return segindex.MergeResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return segindex.MergeResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segs = []segindex.SegmentStats{{ID: 100, Docs: 1}}
	return segindex.MergeResult{Sources: ids, Target: 100, Docs: 1}, nil
}

func TestScheduler_BackgroundMerge(t *testing.T) {
	x := openIndex(t, 4, 5)
	stats := &Stats{}

	merged := make(chan segindex.MergeResult, 4)
	s := NewScheduler(x, stats,
		WithPolicy(&TieredPolicy{SegmentsPerTier: 4}),
		WithOnMerge(func(r segindex.MergeResult) { merged <- r }),
	)
	defer s.Close()

	s.Schedule()

	select {
	case res := <-merged:
		assert.Len(t, res.Sources, 4)
		assert.Equal(t, 20, res.Docs)
	case <-time.After(5 * time.Second):
		t.Fatal("merge did not run")
	}

	assert.Len(t, x.Segments(), 1)
	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.Total)
	assert.Equal(t, int64(0), snap.Current)
	assert.Equal(t, int64(20), snap.Docs)
}

func TestScheduler_DisabledDropsRequests(t *testing.T) {
	disableMerges(t)

	target := &fakeTarget{segs: []segindex.SegmentStats{seg(1, 1, 0), seg(2, 1, 0)}}
	s := NewScheduler(target, nil, WithPolicy(&TieredPolicy{SegmentsPerTier: 2}))
	defer s.Close()

	s.Schedule()
	assert.Len(t, s.triggerCh, 0)

	require.NoError(t, s.Optimize(context.Background(), 1))
	assert.Equal(t, int32(0), target.calls.Load())

	// Re-enabling does not replay the dropped request.
	SetEnabled(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), target.calls.Load())
}

func TestScheduler_FlagCheckedBeforeMerge(t *testing.T) {
	target := &fakeTarget{segs: []segindex.SegmentStats{seg(1, 1, 0), seg(2, 1, 0)}}
	s := NewScheduler(target, nil)
	defer s.Close()

	disableMerges(t)
	done, err := s.mergeOnce(context.Background(), []uint64{1, 2})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int32(0), target.calls.Load())
}

func TestScheduler_DisableKeepsInFlightMerge(t *testing.T) {
	target := &fakeTarget{
		segs:    []segindex.SegmentStats{seg(1, 1, 0), seg(2, 1, 0)},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	stats := &Stats{}
	s := NewScheduler(target, stats, WithPolicy(&TieredPolicy{SegmentsPerTier: 2}))
	defer s.Close()

	s.Schedule()
	<-target.started
	assert.Equal(t, int64(1), stats.Snapshot().Current)

	disableMerges(t)
	close(target.block)

	require.Eventually(t, func() bool { return stats.Snapshot().Total == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), stats.Snapshot().Failed)
}

func TestScheduler_ClosedIndexIsBenign(t *testing.T) {
	x := openIndex(t, 2, 3)
	require.NoError(t, x.Close())

	s := NewScheduler(x, nil)
	defer s.Close()

	require.NoError(t, s.Optimize(context.Background(), 1))
	assert.Equal(t, int64(0), s.Stats().Snapshot().Failed)
}

func TestScheduler_FailedMergeCounted(t *testing.T) {
	target := &fakeTarget{
		segs: []segindex.SegmentStats{seg(1, 1, 0), seg(2, 1, 0)},
		err:  errors.New("disk full"),
	}
	s := NewScheduler(target, nil)
	defer s.Close()

	err := s.Optimize(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, int64(1), s.Stats().Snapshot().Failed)
}

func TestScheduler_Optimize(t *testing.T) {
	x := openIndex(t, 5, 4)
	found, err := x.Delete(model.NewUID("t", "0-0"))
	require.NoError(t, err)
	require.True(t, found)

	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 2})
	s := NewScheduler(x, nil, WithResourceController(rc))
	defer s.Close()

	require.NoError(t, s.Optimize(context.Background(), 1))

	segs := x.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, 19, segs[0].Docs)
	assert.Equal(t, 0, segs[0].Deleted)
	assert.Equal(t, int64(0), rc.Stats().ActiveWorkers)
}

func TestScheduler_SharedStats(t *testing.T) {
	stats := &Stats{}
	for i := 0; i < 2; i++ {
		x := openIndex(t, 2, 2)
		s := NewScheduler(x, stats)
		require.NoError(t, s.Optimize(context.Background(), 1))
		require.NoError(t, s.Close())
	}
	snap := stats.Snapshot()
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(8), snap.Docs)
}

func TestScheduler_CloseCancelsMerge(t *testing.T) {
	target := &fakeTarget{
		segs:    []segindex.SegmentStats{seg(1, 1, 0), seg(2, 1, 0)},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	s := NewScheduler(target, nil, WithPolicy(&TieredPolicy{SegmentsPerTier: 2}))
	s.Schedule()
	<-target.started

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Optimize(context.Background(), 1), ErrClosed)
	s.Schedule()
}
