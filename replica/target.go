package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docshard/engine"
	"github.com/hupe1980/docshard/internal/commitpin"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/segindex"
	"github.com/hupe1980/docshard/internal/translog"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

var (
	// ErrTargetNotEmpty is returned when the target directory already
	// holds a shard.
	ErrTargetNotEmpty = errors.New("replica: target is not empty")
	// ErrChecksumMismatch is returned when a copied file differs from the
	// commit's record of it.
	ErrChecksumMismatch = errors.New("replica: checksum mismatch")
	// ErrNotOpened is returned when operations arrive before phase 1
	// opened the target.
	ErrNotOpened = errors.New("replica: target not opened")
)

// Stats summarizes what a Target received.
type Stats struct {
	FilesCopied int
	BytesCopied int64
	Replayed    int
	Skipped     int // operations the target already had
}

// Target receives a shard in dir.
type Target struct {
	srcFS  fs.FileSystem
	srcDir string
	dir    string

	fs          fs.FileSystem
	rc          *resource.Controller
	concurrency int
	engineOpts  []engine.Option
	logger      *slog.Logger

	mu      sync.Mutex
	engine  *engine.Engine
	created bool // dir holds files this target wrote

	files    atomic.Int64
	bytes    atomic.Int64
	replayed atomic.Int64
	skipped  atomic.Int64
}

// Option configures a Target.
type Option func(*Target)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Target) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithFileSystem sets the file system the target is written to.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(t *Target) {
		if fsys != nil {
			t.fs = fsys
		}
	}
}

// WithResourceController throttles file copies through rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(t *Target) { t.rc = rc }
}

// WithConcurrency sets how many files are copied in parallel.
func WithConcurrency(n int) Option {
	return func(t *Target) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithEngineOptions sets the options the target shard is opened with.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(t *Target) { t.engineOpts = append(t.engineOpts, opts...) }
}

// NewTarget creates a target that copies index files from srcDir on srcFS
// into the shard directory dir.
func NewTarget(srcFS fs.FileSystem, srcDir, dir string, opts ...Option) *Target {
	t := &Target{
		srcFS:       srcFS,
		srcDir:      srcDir,
		dir:         dir,
		fs:          fs.Default,
		concurrency: 4,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "replica", "target", dir)
	return t
}

// Engine returns the target shard, or nil before phase 1 completed.
func (t *Target) Engine() *engine.Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine
}

// Stats returns the transfer counters.
func (t *Target) Stats() Stats {
	return Stats{
		FilesCopied: int(t.files.Load()),
		BytesCopied: t.bytes.Load(),
		Replayed:    int(t.replayed.Load()),
		Skipped:     int(t.skipped.Load()),
	}
}

// Phase1 copies the pinned commit and opens the target on it.
func (t *Target) Phase1(ctx context.Context, commit *commitpin.Handle) error {
	indexDir := engine.IndexPath(t.dir)
	entries, err := t.fs.ReadDir(indexDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrTargetNotEmpty, indexDir)
	}
	t.mu.Lock()
	t.created = true
	t.mu.Unlock()
	if err := t.fs.MkdirAll(indexDir, 0o755); err != nil {
		return err
	}

	var data, commits []segindex.FileInfo
	for _, fi := range commit.Files() {
		if fi.Name == commit.Commit().SegmentsFileName() {
			commits = append(commits, fi)
			continue
		}
		data = append(data, fi)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, fi := range data {
		g.Go(func() error { return t.copyFile(gctx, indexDir, fi) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// The commit point goes last so the copy is only usable once complete.
	for _, fi := range commits {
		if err := t.copyFile(ctx, indexDir, fi); err != nil {
			return err
		}
	}
	if err := t.fs.SyncDir(indexDir); err != nil {
		return err
	}

	e, err := engine.Open(t.dir, append([]engine.Option{engine.WithFileSystem(t.fs)}, t.engineOpts...)...)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	t.mu.Lock()
	t.engine = e
	t.mu.Unlock()

	t.logger.Debug("commit copied", "commit", commit.Generation(), "files", t.files.Load(), "bytes", t.bytes.Load())
	return nil
}

func (t *Target) copyFile(ctx context.Context, dir string, fi segindex.FileInfo) error {
	in, err := t.srcFS.OpenFile(filepath.Join(t.srcDir, fi.Name), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	target := filepath.Join(dir, fi.Name)
	tmp := target + ".tmp"
	out, err := t.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	discard := func(err error) error {
		out.Close()
		_ = t.fs.Remove(tmp)
		return fmt.Errorf("copy %s: %w", fi.Name, err)
	}

	h := blake3.New(32, nil)
	src := resource.NewRateLimitedReader(ctx, io.NewSectionReader(in, 0, fi.Size), t.rc)
	n, err := io.Copy(io.MultiWriter(out, h), src)
	if err != nil {
		return discard(err)
	}
	if n != fi.Size || fmt.Sprintf("%x", h.Sum(nil)) != fi.Checksum {
		return discard(ErrChecksumMismatch)
	}
	if err := fs.Datasync(out); err != nil {
		return discard(err)
	}
	if err := out.Close(); err != nil {
		_ = t.fs.Remove(tmp)
		return err
	}
	if err := t.fs.Rename(tmp, target); err != nil {
		return err
	}
	t.files.Add(1)
	t.bytes.Add(n)
	return nil
}

// Phase2 replays the operations accepted until phase 1 finished.
func (t *Target) Phase2(ctx context.Context, snap *translog.Snapshot) error {
	return t.replay(ctx, snap)
}

// Phase3 replays the operations accepted during phase 2.
func (t *Target) Phase3(ctx context.Context, snap *translog.Snapshot) error {
	return t.replay(ctx, snap)
}

func (t *Target) replay(ctx context.Context, snap *translog.Snapshot) error {
	e := t.Engine()
	if e == nil {
		return ErrNotOpened
	}
	for snap.HasNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		op, err := snap.Next()
		if err != nil {
			return err
		}
		if _, err := e.Apply(op.AsReplica(op.Version)); err != nil {
			if errors.Is(err, engine.ErrVersionConflict) {
				t.skipped.Add(1)
				continue
			}
			return fmt.Errorf("replay %s: %w", op, err)
		}
		t.replayed.Add(1)
	}
	return nil
}

// Discard closes the target shard, if open, and removes the directory
// if this target populated it.
func (t *Target) Discard() error {
	t.mu.Lock()
	e, created := t.engine, t.created
	t.engine, t.created = nil, false
	t.mu.Unlock()

	var err error
	if e != nil {
		if cerr := e.Close(); cerr != nil && !errors.Is(cerr, engine.ErrEngineClosed) {
			err = cerr
		}
	}
	if created {
		if rerr := fs.RemoveAll(t.fs, t.dir); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

var _ engine.RecoveryHandler = (*Target)(nil)

// Recover recovers primary into a new shard in dir and returns the
// opened replica. On failure the partial replica is discarded.
func Recover(ctx context.Context, primary *engine.Engine, dir string, opts ...Option) (*engine.Engine, *engine.RecoverySession, error) {
	t := NewTarget(primary.FileSystem(), primary.IndexDir(), dir, opts...)
	s, err := primary.Recover(ctx, t)
	if err != nil {
		if derr := t.Discard(); derr != nil {
			t.logger.Warn("failed to discard partial replica", "error", derr)
		}
		return nil, s, err
	}
	e := t.Engine()
	if err := e.Refresh(); err != nil {
		_ = t.Discard()
		return nil, s, err
	}

	st := t.Stats()
	t.logger.Info("replica recovered", "recovery", s.ID, "files", st.FilesCopied, "bytes", st.BytesCopied,
		"replayed", st.Replayed, "skipped", st.Skipped)
	return e, s, nil
}
