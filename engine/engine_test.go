package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/docshard/internal/commitpin"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/merge"
	"github.com/hupe1980/docshard/internal/segindex"
	"github.com/hupe1980/docshard/internal/translog"
	"github.com/hupe1980/docshard/model"
	"github.com/hupe1980/docshard/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func hasValue(v string) func(model.Document) bool {
	return func(doc model.Document) bool {
		return strings.Contains(string(doc.Source), `"value":"`+v+`"`)
	}
}

func assertHits(t *testing.T, e *Engine, total int, value string, hits int) {
	t.Helper()
	s, err := e.Searcher()
	require.NoError(t, err)
	defer s.Release()
	assert.Equal(t, total, s.Count())
	if value != "" {
		assert.Equal(t, hits, s.CountMatching(hasValue(value)))
	}
}

func indexWithValue(id, value string) model.Operation {
	return model.NewIndex(testutil.UID(id), testutil.Source(value))
}

func TestEngine_SimpleOperations(t *testing.T) {
	e := openEngine(t)

	assertHits(t, e, 0, "", 0)

	_, err := e.Create(testutil.CreateOp("test"))
	require.NoError(t, err)
	assertHits(t, e, 0, "test", 0)

	require.NoError(t, e.Refresh())
	assertHits(t, e, 1, "test", 1)

	_, err = e.Index(indexWithValue("test", "test1"))
	require.NoError(t, err)
	assertHits(t, e, 1, "test1", 0)

	require.NoError(t, e.Refresh())
	assertHits(t, e, 1, "test", 0)
	assertHits(t, e, 1, "test1", 1)

	_, err = e.Delete(testutil.DeleteOp("test"))
	require.NoError(t, err)
	assertHits(t, e, 1, "test1", 1)

	require.NoError(t, e.Refresh())
	assertHits(t, e, 0, "test1", 0)

	// add it back
	_, err = e.Create(testutil.CreateOp("test"))
	require.NoError(t, err)
	assertHits(t, e, 0, "test", 0)
	require.NoError(t, e.Refresh())
	assertHits(t, e, 1, "test", 1)

	require.NoError(t, e.Flush())

	// still usable after a flush
	_, err = e.Index(indexWithValue("test", "test1"))
	require.NoError(t, err)
	assertHits(t, e, 1, "test", 1)
	require.NoError(t, e.Refresh())
	assertHits(t, e, 1, "test", 0)
	assertHits(t, e, 1, "test1", 1)
}

func TestEngine_SearcherRelease(t *testing.T) {
	e := openEngine(t)

	_, err := e.Create(testutil.CreateOp("1"))
	require.NoError(t, err)
	require.NoError(t, e.Refresh())

	held, err := e.Searcher()
	require.NoError(t, err)
	assert.Equal(t, 1, held.Count())

	_, err = e.Delete(testutil.DeleteOp("1"))
	require.NoError(t, err)
	require.NoError(t, e.Refresh())
	assertHits(t, e, 0, "", 0)

	// the held searcher keeps its view
	assert.Equal(t, 1, held.Count())
	_, ok := held.Get(testutil.UID("1"))
	assert.True(t, ok)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.OpenSearchers)
	held.Release()
	held.Release()
	stats, err = e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.OpenSearchers)
}

func TestEngine_SimpleSnapshot(t *testing.T) {
	e := openEngine(t)

	_, err := e.Create(testutil.CreateOp("1"))
	require.NoError(t, err)

	err = e.Snapshot(func(commit1 *commitpin.Handle, snap1 *translog.Snapshot) error {
		ops, err := testutil.Drain(snap1)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, testutil.Source("1"), ops[0].Source)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Flush())
			_, err := e.Create(testutil.CreateOp("2"))
			assert.NoError(t, err)
			assert.NoError(t, e.Flush())
			_, err = e.Create(testutil.CreateOp("3"))
			assert.NoError(t, err)
		}()
		wg.Wait()

		assertCommitExists(t, e, commit1)

		return e.Snapshot(func(commit2 *commitpin.Handle, snap2 *translog.Snapshot) error {
			assertCommitExists(t, e, commit1)
			assertCommitExists(t, e, commit2)
			assert.NotEqual(t, commit1.Commit().SegmentsFileName(), commit2.Commit().SegmentsFileName())

			ops, err := testutil.Drain(snap2)
			require.NoError(t, err)
			require.Len(t, ops, 1)
			assert.Equal(t, testutil.Source("3"), ops[0].Source)
			return nil
		})
	})
	require.NoError(t, err)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Empty(t, stats.PinnedCommits)
}

func assertCommitExists(t *testing.T, e *Engine, h *commitpin.Handle) {
	t.Helper()
	for _, name := range h.Commit().FileNames() {
		_, err := os.Stat(filepath.Join(e.IndexDir(), name))
		assert.NoError(t, err, "file %s of commit %d", name, h.Generation())
	}
	_, err := segindex.ReadCommit(e.FileSystem(), e.IndexDir(), h.Commit())
	assert.NoError(t, err)
}

func TestEngine_PinSurvivesFlushesAndMerges(t *testing.T) {
	e := openEngine(t)

	for i := 0; i < 3; i++ {
		_, err := e.Index(testutil.IndexOp(string(rune('a' + i))))
		require.NoError(t, err)
		require.NoError(t, e.Flush())
	}

	var pinned *commitpin.Handle
	done := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = e.Snapshot(func(h *commitpin.Handle, _ *translog.Snapshot) error {
			pinned = h
			close(done)
			<-release
			return nil
		})
	}()
	<-done

	for i := 0; i < 3; i++ {
		_, err := e.Delete(testutil.DeleteOp(string(rune('a' + i))))
		require.NoError(t, err)
		require.NoError(t, e.Flush())
	}
	require.NoError(t, e.Optimize(context.Background(), 1))
	require.NoError(t, e.Flush())

	assertCommitExists(t, e, pinned)
	r, err := segindex.ReadCommit(e.FileSystem(), e.IndexDir(), pinned.Commit())
	require.NoError(t, err)
	assert.Equal(t, 3, r.NumDocs())

	segmentsFile := filepath.Join(e.IndexDir(), pinned.Commit().SegmentsFileName())
	close(release)
	require.Eventually(t, func() bool {
		_, err := os.Stat(segmentsFile)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_TranslogFailureRollsBack(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	e, err := Open(t.TempDir(), WithFileSystem(faulty))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	res, err := e.Index(testutil.IndexOp("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)

	faulty.SetFault("translog-", fs.Fault{FailAfterBytes: 0})
	_, err = e.Index(testutil.IndexOp("1"))
	require.ErrorIs(t, err, ErrTranslogFailure)
	var tlErr *TranslogError
	require.ErrorAs(t, err, &tlErr)
	assert.Equal(t, testutil.UID("1"), tlErr.UID)

	v, exists, ok := e.GetVersion(testutil.UID("1"))
	assert.True(t, ok)
	assert.True(t, exists)
	assert.Equal(t, uint64(1), v)

	_, err = e.Index(testutil.IndexOp("2"))
	require.ErrorIs(t, err, ErrEngineFailed)
	_, _, ok = e.GetVersion(testutil.UID("2"))
	assert.False(t, ok)
	assert.ErrorIs(t, e.Failure(), fs.ErrInjected)
	assert.ErrorIs(t, e.Flush(), ErrEngineFailed)

	require.NoError(t, e.Refresh())
	assertHits(t, e, 1, "", 0)
}

func TestEngine_FailedTranslogSyncIsNotReplayed(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	e, err := Open(dir, WithFileSystem(faulty))
	require.NoError(t, err)

	_, err = e.Index(testutil.IndexOp("1"))
	require.NoError(t, err)

	faulty.SetFault("translog-", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	_, err = e.Index(testutil.IndexOp("2"))
	require.ErrorIs(t, err, ErrTranslogFailure)
	_, _, ok := e.GetVersion(testutil.UID("2"))
	require.False(t, ok)
	require.NoError(t, e.Close())

	e, err = Open(dir)
	require.NoError(t, err)
	defer e.Close()

	_, _, ok = e.GetVersion(testutil.UID("2"))
	assert.False(t, ok)
	v, exists, ok := e.GetVersion(testutil.UID("1"))
	assert.True(t, ok)
	assert.True(t, exists)
	assert.Equal(t, uint64(1), v)
	assertHits(t, e, 1, "", 0)
}

func TestEngine_FailedCommitFailsEngine(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	e := openEngine(t, WithFileSystem(faulty))

	_, err := e.Index(testutil.IndexOp("1"))
	require.NoError(t, err)

	faulty.SetFault("segments_", fs.Fault{FailAfterBytes: 0})
	require.ErrorIs(t, e.Flush(), fs.ErrInjected)
	assert.ErrorIs(t, e.Failure(), fs.ErrInjected)

	_, err = e.Index(testutil.IndexOp("2"))
	assert.ErrorIs(t, err, ErrEngineFailed)
	assert.ErrorIs(t, e.Flush(), ErrEngineFailed)
}

func TestEngine_ReopenReplaysTranslog(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)

	_, err = e.Index(testutil.IndexOp("1"))
	require.NoError(t, err)
	_, err = e.Index(testutil.IndexOp("2"))
	require.NoError(t, err)
	require.NoError(t, e.Flush())

	_, err = e.Index(testutil.IndexOp("1"))
	require.NoError(t, err)
	_, err = e.Delete(testutil.DeleteOp("2"))
	require.NoError(t, err)
	_, err = e.Create(testutil.CreateOp("3"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = Open(dir)
	require.NoError(t, err)
	defer e.Close()

	assertHits(t, e, 2, "", 0)
	s, err := e.Searcher()
	require.NoError(t, err)
	defer s.Release()
	doc, ok := s.Get(testutil.UID("1"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), doc.Version)
	_, ok = s.Get(testutil.UID("2"))
	assert.False(t, ok)

	v, exists, ok := e.GetVersion(testutil.UID("2"))
	require.True(t, ok)
	assert.False(t, exists)
	assert.Equal(t, uint64(2), v)

	// stale writes are still rejected after the replay
	_, err = e.Index(testutil.IndexOp("1").WithVersion(1))
	assert.ErrorIs(t, err, ErrVersionConflict)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Translog.Operations)
}

func TestEngine_FlushTrimsTranslog(t *testing.T) {
	e := openEngine(t)

	for i := 0; i < 10; i++ {
		_, err := e.Index(testutil.IndexOp("1"))
		require.NoError(t, err)
	}
	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Translog.Operations)

	require.NoError(t, e.Flush())
	stats, err = e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Translog.Operations)
	assert.Equal(t, 1, stats.Translog.Generations)
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestEngine_AutoFlush(t *testing.T) {
	e := openEngine(t, WithFlushThreshold(5, 0))

	for i := 0; i < 6; i++ {
		_, err := e.Index(testutil.IndexOp("1"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		stats, err := e.Stats()
		return err == nil && stats.Flushes > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_RefreshInterval(t *testing.T) {
	e := openEngine(t, WithRefreshInterval(10*time.Millisecond))

	_, err := e.Index(testutil.IndexOp("1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := e.Searcher()
		if err != nil {
			return false
		}
		defer s.Release()
		return s.Count() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_Optimize(t *testing.T) {
	e := openEngine(t)

	for i := 0; i < 4; i++ {
		_, err := e.Index(testutil.IndexOp(string(rune('a' + i))))
		require.NoError(t, err)
		require.NoError(t, e.Refresh())
	}
	_, err := e.Delete(testutil.DeleteOp("a"))
	require.NoError(t, err)

	require.NoError(t, e.Optimize(context.Background(), 1))
	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Segments)
	assert.Equal(t, 3, stats.Docs)
	assert.GreaterOrEqual(t, stats.Merge.Total, int64(1))
}

func TestEngine_OptimizeDisabled(t *testing.T) {
	merge.SetEnabled(false)
	t.Cleanup(func() { merge.SetEnabled(true) })

	e := openEngine(t)
	for i := 0; i < 3; i++ {
		_, err := e.Index(testutil.IndexOp(string(rune('a' + i))))
		require.NoError(t, err)
		require.NoError(t, e.Refresh())
	}

	require.NoError(t, e.Optimize(context.Background(), 1))
	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Segments)
	assert.Equal(t, int64(0), stats.Merge.Total)
}

func TestEngine_Closed(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), ErrEngineClosed)

	_, err = e.Index(testutil.IndexOp("1"))
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Refresh(), ErrEngineClosed)
	assert.ErrorIs(t, e.Flush(), ErrEngineClosed)
	assert.ErrorIs(t, e.Optimize(context.Background(), 1), ErrEngineClosed)
	_, err = e.Searcher()
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Snapshot(func(*commitpin.Handle, *translog.Snapshot) error { return nil }), ErrEngineClosed)
	_, err = e.Recover(context.Background(), &testutil.RecordingHandler{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_InvalidOperation(t *testing.T) {
	e := openEngine(t)
	_, err := e.Index(model.Operation{})
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = e.Apply(model.Operation{UID: testutil.UID("1")})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEngine_Apply(t *testing.T) {
	e := openEngine(t)

	res, err := e.Apply(testutil.CreateOp("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	res, err = e.Apply(testutil.IndexOp("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	res, err = e.Apply(testutil.DeleteOp("1"))
	require.NoError(t, err)
	assert.True(t, res.Found)

	v, exists, ok := e.GetVersion(testutil.UID("1"))
	assert.True(t, ok)
	assert.False(t, exists)
	assert.Equal(t, uint64(3), v)
}

func TestEngine_ConcurrentWriters(t *testing.T) {
	e := openEngine(t, WithTranslogOptions(translog.Options{Durability: translog.DurabilityAsync}))
	rng := testutil.NewRNG(42)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := string(rune('a' + rng.Intn(10)))
				_, err := e.Index(model.NewIndex(testutil.UID(id), rng.Source(32)))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			assert.NoError(t, e.Flush())
			assert.NoError(t, e.Refresh())
		}
	}()
	wg.Wait()

	require.NoError(t, e.Refresh())
	s, err := e.Searcher()
	require.NoError(t, err)
	defer s.Release()

	var total uint64
	for i := 0; i < 10; i++ {
		v, _, ok := e.GetVersion(testutil.UID(string(rune('a' + i))))
		if ok {
			total += v
			doc, found := s.Get(testutil.UID(string(rune('a' + i))))
			require.True(t, found)
			assert.Equal(t, v, doc.Version)
		}
	}
	assert.Equal(t, uint64(400), total)
}
