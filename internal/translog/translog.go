package translog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/model"
)

var (
	ErrClosed         = errors.New("translog closed")
	ErrGenerationGone = errors.New("translog generation no longer available")
)

// Location is where an operation was written.
type Location struct {
	Generation uint64
	Offset     int64
	Size       int32
}

func (l Location) String() string {
	return fmt.Sprintf("tlog(%d:%d+%d)", l.Generation, l.Offset, l.Size)
}

// Position is a point in the log: the end of the Op-th operation of a
// generation. Snapshots report where they end so a later snapshot can
// continue exactly from there.
type Position struct {
	Generation uint64
	Offset     int64
	Op         int
}

// Translog is the append-only operation log of a shard.
type Translog struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	dir    string
	opts   Options
	logger *slog.Logger

	gens      []*generation // ascending, last one is current
	file      fs.File       // writer for the current generation
	committed uint64        // generations below are covered by an index commit

	// Group commit state. Offsets are logical: bytes written across all
	// generations since open.
	written   int64
	synced    int64
	syncedOps int // operations of the current generation covered by synced
	syncing  bool
	syncCond *sync.Cond
	doneCond *sync.Cond
	closed   bool
	lastErr  error // terminal write or sync failure

	stopc chan struct{}
	wg    sync.WaitGroup
}

// Open opens the translog in dir. Existing generations are kept read-only
// and writes go to a new generation.
func Open(fsys fs.FileSystem, dir string, opts Options) (*Translog, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	t := &Translog{
		fs:     fsys,
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.With("component", "translog"),
		stopc:  make(chan struct{}),
	}
	t.syncCond = sync.NewCond(&t.mu)
	t.doneCond = sync.NewCond(&t.mu)

	ids, err := listGenerations(fsys, dir)
	if err != nil {
		return nil, err
	}
	next := uint64(1)
	for _, id := range ids {
		path := filepath.Join(dir, FileName(id))
		res, err := scanFile(fsys, path, nil)
		if err != nil {
			return nil, err
		}
		if res.gen != id {
			return nil, fmt.Errorf("%w: %s holds generation %d", ErrInvalidHeader, path, res.gen)
		}
		if res.torn {
			t.logger.Warn("ignoring torn translog tail", "generation", id, "valid_bytes", res.end)
		}
		if res.cut {
			t.logger.Warn("ignoring translog operations past checkpoint", "generation", id, "valid_bytes", res.end)
		}
		t.gens = append(t.gens, &generation{id: id, path: path, size: res.end, ops: res.ops})
		next = id + 1
	}
	if next < opts.MinGeneration {
		next = opts.MinGeneration
	}

	if err := t.openGeneration(next); err != nil {
		return nil, err
	}
	t.synced = t.written

	if opts.Durability == DurabilitySync {
		t.wg.Add(1)
		go t.runSyncer()
	} else if opts.SyncInterval > 0 {
		t.wg.Add(1)
		go t.runIntervalSync(opts.SyncInterval)
	}

	t.logger.Debug("translog opened", "dir", dir, "generation", next, "retained", len(ids))
	return t, nil
}

// openGeneration creates the file for gen and makes it current. Called with
// t.mu held or before the translog is shared.
func (t *Translog) openGeneration(gen uint64) error {
	path := filepath.Join(t.dir, FileName(gen))
	f, err := t.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := writeHeader(f, gen); err != nil {
		f.Close()
		_ = t.fs.Remove(path)
		return err
	}
	if err := fs.Datasync(f); err != nil {
		f.Close()
		_ = t.fs.Remove(path)
		return err
	}
	if err := t.fs.SyncDir(t.dir); err != nil {
		f.Close()
		_ = t.fs.Remove(path)
		return err
	}
	t.file = f
	t.gens = append(t.gens, &generation{id: gen, path: path, size: fileHeaderSize})
	t.written += fileHeaderSize
	return nil
}

func (t *Translog) current() *generation {
	return t.gens[len(t.gens)-1]
}

// Generation returns the id of the generation currently written.
func (t *Translog) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current().id
}

// Add appends op. In sync mode it returns once op is durable. An error
// means op must be treated as not written; the translog refuses further
// appends after a write or sync failure.
func (t *Translog) Add(op model.Operation) (Location, error) {
	frame, err := encodeFrame(op, t.opts.Compression, t.opts.MinCompressSize)
	if err != nil {
		return Location{}, err
	}
	loc, end, err := t.append(frame)
	if err != nil {
		return Location{}, err
	}
	if t.opts.Durability == DurabilitySync {
		if err := t.waitFor(end); err != nil {
			return Location{}, err
		}
	}
	return loc, nil
}

func (t *Translog) append(frame []byte) (Location, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Location{}, 0, ErrClosed
	}
	if t.lastErr != nil {
		return Location{}, 0, t.lastErr
	}

	g := t.current()
	if _, err := t.file.Write(frame); err != nil {
		t.failLocked(fmt.Errorf("translog append to generation %d failed: %w", g.id, err))
		return Location{}, 0, t.lastErr
	}
	loc := Location{Generation: g.id, Offset: g.size, Size: int32(len(frame))}
	g.size += int64(len(frame))
	g.ops++
	t.written += int64(len(frame))

	if t.opts.Durability == DurabilitySync {
		t.syncCond.Signal()
	}
	return loc, t.written, nil
}

func (t *Translog) runSyncer() {
	defer t.wg.Done()
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		for t.written <= t.synced && !t.closed && t.lastErr == nil {
			t.syncCond.Wait()
		}
		if t.lastErr != nil || (t.closed && t.written <= t.synced) {
			return
		}

		target, targetOps := t.written, t.current().ops
		f := t.file
		t.syncing = true
		t.mu.Unlock()
		err := fs.Datasync(f)
		t.mu.Lock()
		t.syncing = false

		if err != nil {
			if t.lastErr == nil {
				t.failLocked(fmt.Errorf("translog sync failed: %w", err))
			}
			t.doneCond.Broadcast()
			return
		}
		if target > t.synced {
			t.synced, t.syncedOps = target, targetOps
		}
		t.doneCond.Broadcast()
	}
}

// failLocked makes err terminal and cuts the current generation back to the
// last operation a caller was told is written. Called with t.mu held.
func (t *Translog) failLocked(err error) {
	t.lastErr = err
	for t.syncing {
		t.doneCond.Wait()
	}
	t.discardUnackedLocked()
	t.doneCond.Broadcast()
	t.syncCond.Broadcast()
}

// discardUnackedLocked drops the frames of failed writes from the current
// generation. In sync mode these are all frames past the last sync, in
// async mode only bytes of the failed append. When the file cannot be
// truncated, a checkpoint records where the acknowledged frames end.
func (t *Translog) discardUnackedLocked() {
	g := t.current()
	keep, ops := g.size, g.ops
	if t.opts.Durability == DurabilitySync {
		keep, ops = g.size-(t.written-t.synced), t.syncedOps
	}
	if keep < fileHeaderSize {
		keep = fileHeaderSize
	}
	if dropped := g.ops - ops; dropped > 0 {
		t.logger.Warn("discarding unacknowledged translog operations", "generation", g.id, "operations", dropped)
	}
	t.written -= g.size - keep
	g.size, g.ops = keep, ops

	if err := t.file.Truncate(keep); err != nil {
		t.logger.Error("failed to truncate translog generation", "generation", g.id, "size", keep, "error", err)
		if err := writeCheckpoint(t.fs, g.path, keep); err != nil {
			t.logger.Error("failed to write translog checkpoint", "generation", g.id, "error", err)
		}
	}
}

func (t *Translog) runIntervalSync(d time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopc:
			return
		case <-ticker.C:
			if err := t.Sync(); err != nil && !errors.Is(err, ErrClosed) {
				t.logger.Error("periodic translog sync failed", "error", err)
				return
			}
		}
	}
}

func (t *Translog) waitFor(offset int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A sync in flight may still cover offset after another writer failed.
	for t.synced < offset && !t.closed && (t.lastErr == nil || t.syncing) {
		t.doneCond.Wait()
	}
	if t.synced >= offset {
		return nil
	}
	if t.lastErr != nil {
		return t.lastErr
	}
	return ErrClosed
}

// Sync makes every appended operation durable.
func (t *Translog) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.lastErr != nil {
		return t.lastErr
	}

	if t.opts.Durability == DurabilityAsync {
		target, targetOps := t.written, t.current().ops
		if err := fs.Datasync(t.file); err != nil {
			t.failLocked(fmt.Errorf("translog sync failed: %w", err))
			return t.lastErr
		}
		t.synced, t.syncedOps = target, targetOps
		return nil
	}

	target := t.written
	t.syncCond.Signal()
	for t.synced < target && !t.closed && t.lastErr == nil {
		t.doneCond.Wait()
	}
	return t.lastErr
}

// NewGeneration rolls writes over to a fresh generation and returns its id.
// The previous generation is synced and closed. It stays on disk until
// MarkCommitted passes it and no snapshot references it.
func (t *Translog) NewGeneration() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if t.lastErr != nil {
		return 0, t.lastErr
	}
	for t.syncing {
		t.doneCond.Wait()
	}

	prev := t.current()
	prevFile := t.file
	if err := fs.Datasync(prevFile); err != nil {
		t.failLocked(fmt.Errorf("translog seal of generation %d failed: %w", prev.id, err))
		return 0, t.lastErr
	}
	t.synced, t.syncedOps = t.written, prev.ops
	t.doneCond.Broadcast()

	if err := t.openGeneration(prev.id + 1); err != nil {
		return 0, fmt.Errorf("create translog generation %d: %w", prev.id+1, err)
	}
	t.synced, t.syncedOps = t.written, 0
	if err := prevFile.Close(); err != nil {
		t.logger.Warn("failed to close sealed translog generation", "generation", prev.id, "error", err)
	}

	t.logger.Debug("translog generation rolled", "sealed", prev.id, "ops", prev.ops, "generation", prev.id+1)
	return prev.id + 1, nil
}

// MarkCommitted records that an index commit covers every generation below
// gen. Those generations are deleted once no snapshot holds them.
func (t *Translog) MarkCommitted(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen > t.committed {
		t.committed = gen
	}
	t.trimLocked()
}

// Committed returns the first generation not covered by an index commit.
func (t *Translog) Committed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Translog) trimLocked() {
	kept := t.gens[:0]
	for i, g := range t.gens {
		last := i == len(t.gens)-1
		if last || g.id >= t.committed || g.refs > 0 {
			kept = append(kept, g)
			continue
		}
		if err := t.fs.Remove(g.path); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("failed to delete translog generation", "generation", g.id, "error", err)
			kept = append(kept, g)
			continue
		}
		if err := t.fs.Remove(checkpointPath(g.path)); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("failed to delete translog checkpoint", "generation", g.id, "error", err)
		}
		t.logger.Debug("translog generation deleted", "generation", g.id)
	}
	for i := len(kept); i < len(t.gens); i++ {
		t.gens[i] = nil
	}
	t.gens = kept
}

// Size returns the number of operations not covered by an index commit.
func (t *Translog) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, g := range t.gens {
		if g.id >= t.committed {
			n += g.ops
		}
	}
	return n
}

// EstimatedSize returns the bytes of operations not covered by an index
// commit.
func (t *Translog) EstimatedSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, g := range t.gens {
		if g.id >= t.committed {
			n += g.bytes()
		}
	}
	return n
}

// Stats describes the translog.
type Stats struct {
	Generation     uint64
	Committed      uint64
	Operations     int
	SizeBytes      int64
	Generations    int // files on disk
	HeldBySnapshot int
}

// Stats returns a point-in-time description of the translog.
func (t *Translog) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Generation:  t.current().id,
		Committed:   t.committed,
		Generations: len(t.gens),
	}
	for _, g := range t.gens {
		if g.id >= t.committed {
			s.Operations += g.ops
			s.SizeBytes += g.bytes()
		}
		if g.refs > 0 {
			s.HeldBySnapshot++
		}
	}
	return s
}

// Close syncs and closes the translog. Outstanding snapshots remain
// readable until released.
func (t *Translog) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}

	var errs error
	if t.lastErr == nil && t.written > t.synced && !t.syncing {
		if err := fs.Datasync(t.file); err != nil {
			errs = multierror.Append(errs, err)
			t.failLocked(fmt.Errorf("translog sync failed: %w", err))
		} else {
			t.synced, t.syncedOps = t.written, t.current().ops
		}
	}
	t.closed = true
	close(t.stopc)
	t.syncCond.Broadcast()
	t.doneCond.Broadcast()
	t.mu.Unlock()

	t.wg.Wait()

	if err := t.file.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}
