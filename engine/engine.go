package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/docshard/internal/commitpin"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/merge"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/segindex"
	"github.com/hupe1980/docshard/internal/translog"
	"github.com/hupe1980/docshard/internal/version"
	"github.com/hupe1980/docshard/model"
)

const (
	indexDir    = "index"
	translogDir = "translog"

	// UserDataTranslogGeneration is the commit user data key holding the
	// first translog generation the commit does not cover.
	UserDataTranslogGeneration = "translog_generation"
)

// Engine is a single shard.
type Engine struct {
	// Writers hold mu shared; Flush holds it exclusively so a commit and
	// the translog roll see the same set of operations.
	mu  sync.RWMutex
	dir string
	fs  fs.FileSystem

	versions *version.Controller
	tlog     *translog.Translog
	index    *segindex.Index
	pins     *commitpin.Policy
	merger   *merge.Scheduler

	tlogOpts        translog.Options
	mergePolicy     merge.Policy
	mergeStats      *merge.Stats
	rc              *resource.Controller
	stripes         int
	flushOps        int
	flushBytes      int64
	refreshInterval time.Duration

	recovering atomic.Bool
	failure    atomic.Pointer[error]
	searchers  atomic.Int64
	flushes    atomic.Int64
	refreshes  atomic.Int64

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Open opens the shard in dir, creating it if needed. Operations in the
// translog that the last commit does not cover are replayed.
func Open(dir string, opts ...Option) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dir:        dir,
		fs:         fs.Default,
		tlogOpts:   translog.DefaultOptions(),
		mergeStats: &merge.Stats{},
		flushCh:    make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("shard", filepath.Base(dir))

	if err := e.open(); err != nil {
		cancel()
		return nil, err
	}

	e.merger = merge.NewScheduler(e.index, e.mergeStats,
		merge.WithPolicy(e.mergePolicy),
		merge.WithLogger(e.logger),
		merge.WithResourceController(e.rc),
	)

	e.goSafe(e.runFlushLoop)
	if e.refreshInterval > 0 {
		e.goSafe(e.runRefreshLoop)
	}
	return e, nil
}

func (e *Engine) open() error {
	e.pins = commitpin.New(segindex.KeepOnlyLastCommit{})
	idx, err := segindex.Open(filepath.Join(e.dir, indexDir), segindex.Options{
		FS:             e.fs,
		DeletionPolicy: e.pins,
		Logger:         e.logger,
	})
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	e.index = idx
	e.pins.SetReleaseHook(func() {
		if err := idx.Revisit(); err != nil && !errors.Is(err, segindex.ErrClosed) {
			e.logger.Warn("failed to release pinned commit", "error", err)
		}
	})

	e.versions = version.New(e.stripes)
	idx.Reader().ForEach(func(doc model.Document) bool {
		e.versions.Set(doc.UID, version.Record{Version: doc.Version, Exists: true})
		return true
	})

	last := idx.LastCommit()
	gen, err := committedGeneration(last)
	if err != nil {
		_ = idx.Close()
		return err
	}

	tlogOpts := e.tlogOpts
	if tlogOpts.Logger == nil {
		tlogOpts.Logger = e.logger
	}
	if tlogOpts.MinGeneration < gen {
		tlogOpts.MinGeneration = gen
	}
	tl, err := translog.Open(e.fs, filepath.Join(e.dir, translogDir), tlogOpts)
	if err != nil {
		_ = idx.Close()
		return fmt.Errorf("open translog: %w", err)
	}
	e.tlog = tl
	tl.MarkCommitted(gen)

	replayed, err := e.replay()
	if err != nil {
		_ = tl.Close()
		_ = idx.Close()
		return fmt.Errorf("replay translog: %w", err)
	}
	if _, err := idx.Refresh(); err != nil {
		_ = tl.Close()
		_ = idx.Close()
		return err
	}

	e.logger.Info("shard opened", "commit", last.Generation(), "translog_generation", tl.Generation(), "replayed", replayed, "docs", idx.Reader().NumDocs())
	return nil
}

func committedGeneration(c segindex.Commit) (uint64, error) {
	v, ok := c.UserData()[UserDataTranslogGeneration]
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("commit %d: bad %s %q: %w", c.Generation(), UserDataTranslogGeneration, v, err)
	}
	return gen, nil
}

// replay applies the uncommitted translog operations to the index and the
// version map.
func (e *Engine) replay() (int, error) {
	snap, err := e.tlog.Snapshot()
	if err != nil {
		return 0, err
	}
	defer snap.Release()

	n := 0
	for snap.HasNext() {
		op, err := snap.Next()
		if err != nil {
			return n, err
		}
		rec := version.Record{Version: op.Version, Exists: op.Type != model.OpDelete}
		if cur, ok := e.versions.Get(op.UID); ok && cur.Version >= op.Version {
			continue
		}
		e.versions.Set(op.UID, rec)
		if err := e.applyToIndex(op, true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Create adds a document. It fails with *DocumentAlreadyExistsError when a
// live document has the same uid.
func (e *Engine) Create(op model.Operation) (WriteResult, error) {
	op.Type = model.OpCreate
	return e.write(op)
}

// Index creates or replaces a document.
func (e *Engine) Index(op model.Operation) (WriteResult, error) {
	op.Type = model.OpIndex
	return e.write(op)
}

// Delete removes a document. Its version is kept so stale writes are still
// rejected.
func (e *Engine) Delete(op model.Operation) (WriteResult, error) {
	op.Type = model.OpDelete
	op.Source = nil
	return e.write(op)
}

// Apply runs op as the write its type names. Recovery targets and restores
// use it to replay translog operations.
func (e *Engine) Apply(op model.Operation) (WriteResult, error) {
	switch op.Type {
	case model.OpCreate:
		return e.Create(op)
	case model.OpIndex:
		return e.Index(op)
	case model.OpDelete:
		return e.Delete(op)
	default:
		return WriteResult{}, fmt.Errorf("%w: operation type %d", ErrInvalidOperation, op.Type)
	}
}

// WriteResult describes an accepted write.
type WriteResult struct {
	Version  uint64
	Found    bool // a live document existed before
	Location translog.Location
}

func (e *Engine) write(op model.Operation) (WriteResult, error) {
	if op.UID == "" {
		return WriteResult{}, fmt.Errorf("%w: empty uid", ErrInvalidOperation)
	}
	if err := e.writable(); err != nil {
		return WriteResult{}, err
	}

	e.mu.RLock()
	res, err := e.writeLocked(op)
	e.mu.RUnlock()
	if err != nil {
		return WriteResult{}, err
	}

	e.maybeFlush()
	return res, nil
}

func (e *Engine) writeLocked(op model.Operation) (WriteResult, error) {
	if e.closed.Load() {
		return WriteResult{}, ErrEngineClosed
	}

	ticket, err := e.versions.CheckAndAssign(op)
	if err != nil {
		return WriteResult{}, err
	}
	prev := ticket.Previous()
	op.Version = ticket.Version()

	loc, err := e.tlog.Add(op)
	if err != nil {
		ticket.Abort()
		e.fail(err)
		return WriteResult{}, &TranslogError{Op: op.Type, UID: op.UID, Err: err}
	}

	// The operation is durable from here on, so the version is published
	// even if the index refuses it.
	err = e.applyToIndex(op, ticket.Found() && prev.Exists)
	ticket.Commit()
	if err != nil {
		return WriteResult{}, fmt.Errorf("apply %s [%s]: %w", op.Type, op.UID, err)
	}

	return WriteResult{Version: op.Version, Found: ticket.Found() && prev.Exists, Location: loc}, nil
}

// applyToIndex mirrors op into the segment index. live tells whether the
// uid may have a document to replace.
func (e *Engine) applyToIndex(op model.Operation, live bool) error {
	switch op.Type {
	case model.OpCreate, model.OpIndex:
		doc := model.Document{UID: op.UID, Version: op.Version, Source: op.Source}
		if op.Type == model.OpCreate && !live && op.Origin == model.OriginPrimary {
			return e.index.Add(doc)
		}
		return e.index.Update(doc)
	case model.OpDelete:
		_, err := e.index.Delete(op.UID)
		return err
	default:
		return fmt.Errorf("%w: type %s", ErrInvalidOperation, op.Type)
	}
}

func (e *Engine) writable() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if cause := e.failure.Load(); cause != nil {
		return fmt.Errorf("%w: %w", ErrEngineFailed, *cause)
	}
	return nil
}

// fail marks the engine failed. Only the first cause is kept.
func (e *Engine) fail(err error) {
	if e.failure.CompareAndSwap(nil, &err) {
		e.logger.Error("engine failed", "error", err)
	}
}

// Failure returns the error that failed the engine, or nil.
func (e *Engine) Failure() error {
	if cause := e.failure.Load(); cause != nil {
		return *cause
	}
	return nil
}

func (e *Engine) maybeFlush() {
	if e.flushOps <= 0 && e.flushBytes <= 0 {
		return
	}
	if (e.flushOps > 0 && e.tlog.Size() > e.flushOps) ||
		(e.flushBytes > 0 && e.tlog.EstimatedSize() > e.flushBytes) {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Refresh makes every accepted write visible to new searchers.
func (e *Engine) Refresh() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if _, err := e.index.Refresh(); err != nil {
		if errors.Is(err, segindex.ErrClosed) {
			return ErrEngineClosed
		}
		return err
	}
	e.refreshes.Add(1)
	e.merger.Schedule()
	return nil
}

// Flush commits the index and rolls the translog. It fails immediately
// with ErrFlushNotAllowed while a recovery runs.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.recovering.Load() {
		return ErrFlushNotAllowed
	}
	if err := e.writable(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	// A recovery may have pinned its commit while we waited for the lock.
	if e.recovering.Load() {
		return ErrFlushNotAllowed
	}

	start := time.Now()
	gen, err := e.tlog.NewGeneration()
	if err != nil {
		e.fail(err)
		return &TranslogError{Err: err}
	}
	c, err := e.index.Commit(map[string]string{
		UserDataTranslogGeneration: strconv.FormatUint(gen, 10),
	})
	if err != nil {
		err = fmt.Errorf("commit index: %w", err)
		e.fail(err)
		return err
	}
	e.tlog.MarkCommitted(gen)
	e.flushes.Add(1)

	e.logger.Info("shard flushed", "commit", c.Generation(), "translog_generation", gen, "duration", time.Since(start))
	e.merger.Schedule()
	return nil
}

// Optimize merges the index down to at most maxSegments segments and
// refreshes. It returns immediately when merging is disabled.
func (e *Engine) Optimize(ctx context.Context, maxSegments int) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !merge.Enabled() {
		return nil
	}
	if _, err := e.index.Refresh(); err != nil {
		return err
	}
	if err := e.merger.Optimize(ctx, maxSegments); err != nil {
		if errors.Is(err, merge.ErrClosed) {
			return ErrEngineClosed
		}
		return err
	}
	return e.Refresh()
}

// SnapshotHandler receives a pinned commit and a translog snapshot. Both
// stay valid until it returns.
type SnapshotHandler func(commit *commitpin.Handle, tlog *translog.Snapshot) error

// Snapshot pins the current commit, captures the uncommitted translog
// operations and hands both to fn. Writers are not blocked while fn runs;
// flushes may proceed and a nested Snapshot sees the newer state.
func (e *Engine) Snapshot(fn SnapshotHandler) error {
	handle, snap, err := e.acquireSnapshot()
	if err != nil {
		return err
	}
	defer handle.Release()
	defer snap.Release()

	return fn(handle, snap)
}

// acquireSnapshot pins a commit and takes the translog snapshot that
// continues it, excluding a concurrent flush.
func (e *Engine) acquireSnapshot() (*commitpin.Handle, *translog.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return nil, nil, ErrEngineClosed
	}

	handle, err := e.pins.Pin()
	if err != nil {
		return nil, nil, err
	}
	snap, err := e.tlog.Snapshot()
	if err != nil {
		handle.Release()
		return nil, nil, &TranslogError{Err: err}
	}
	return handle, snap, nil
}

// Close stops background work, aborts a running recovery and closes the
// shard without flushing. Unflushed operations are replayed by the next
// Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}

	e.cancel()
	close(e.closeCh)
	e.wg.Wait()

	var errs error
	if err := e.merger.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	// Wait for in-flight writes and recovery phase 3.
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.tlog.Close(); err != nil && !errors.Is(err, translog.ErrClosed) {
		errs = multierror.Append(errs, fmt.Errorf("close translog: %w", err))
	}
	if err := e.index.Close(); err != nil && !errors.Is(err, segindex.ErrClosed) {
		errs = multierror.Append(errs, fmt.Errorf("close index: %w", err))
	}

	e.logger.Info("shard closed")
	return errs
}

func (e *Engine) runFlushLoop() {
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.flushCh:
			err := e.Flush()
			switch {
			case err == nil:
			case errors.Is(err, ErrFlushNotAllowed), errors.Is(err, ErrEngineClosed):
				// Retried by the next write past the threshold.
			default:
				e.logger.Error("background flush failed", "error", err)
			}
		}
	}
}

func (e *Engine) runRefreshLoop() {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			if err := e.Refresh(); err != nil && !errors.Is(err, ErrEngineClosed) {
				e.logger.Error("background refresh failed", "error", err)
			}
		}
	}
}

// IndexPath returns the index directory of the shard in dir.
func IndexPath(dir string) string { return filepath.Join(dir, indexDir) }

// TranslogPath returns the translog directory of the shard in dir.
func TranslogPath(dir string) string { return filepath.Join(dir, translogDir) }

// Dir returns the shard directory.
func (e *Engine) Dir() string { return e.dir }

// IndexDir returns the directory holding the index files.
func (e *Engine) IndexDir() string { return IndexPath(e.dir) }

// FileSystem returns the file system the shard lives on.
func (e *Engine) FileSystem() fs.FileSystem { return e.fs }

// GetVersion returns the version record of uid.
func (e *Engine) GetVersion(uid model.UID) (uint64, bool, bool) {
	rec, ok := e.versions.Get(uid)
	return rec.Version, rec.Exists, ok
}
