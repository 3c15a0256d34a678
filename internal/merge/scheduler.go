package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/segindex"
)

// ErrClosed is returned by Optimize after Close.
var ErrClosed = errors.New("merge: scheduler closed")

var enabled atomic.Bool

func init() { enabled.Store(true) }

// SetEnabled turns merging on or off for the whole process. Disabling does
// not interrupt merges that are already running.
func SetEnabled(v bool) { enabled.Store(v) }

// Enabled reports whether merging is currently allowed.
func Enabled() bool { return enabled.Load() }

// Target is the index a scheduler merges.
type Target interface {
	Segments() []segindex.SegmentStats
	Merge(ctx context.Context, ids []uint64) (segindex.MergeResult, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy sets the merge policy. Default: DefaultPolicy().
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithResourceController bounds merge concurrency and IO.
func WithResourceController(rc *resource.Controller) Option {
	return func(s *Scheduler) { s.rc = rc }
}

// WithOnMerge registers a callback run after each successful merge.
func WithOnMerge(fn func(segindex.MergeResult)) Option {
	return func(s *Scheduler) { s.onMerge = fn }
}

// Scheduler runs merges for one index on a background goroutine.
type Scheduler struct {
	target  Target
	stats   *Stats
	policy  Policy
	logger  *slog.Logger
	rc      *resource.Controller
	onMerge func(segindex.MergeResult)

	// Serializes merge rounds between the loop and Optimize.
	mergeMu sync.Mutex

	triggerCh chan struct{}
	closeCh   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// NewScheduler starts a scheduler for target. stats may be shared with
// other schedulers of the same shard; nil allocates a private one.
func NewScheduler(target Target, stats *Stats, opts ...Option) *Scheduler {
	if stats == nil {
		stats = &Stats{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		target:    target,
		stats:     stats,
		policy:    DefaultPolicy(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		triggerCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.loop()
	return s
}

// Stats returns the shared counters.
func (s *Scheduler) Stats() *Stats { return s.stats }

// Schedule asks the scheduler to look for merges. It never blocks. The
// request is dropped when merging is disabled or one is already pending.
func (s *Scheduler) Schedule() {
	if s.closed.Load() || !Enabled() {
		return
	}
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case <-s.triggerCh:
			s.safeRun(func() { s.mergePending() })
		}
	}
}

func (s *Scheduler) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("merge panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// mergePending merges until the policy has nothing left to pick.
func (s *Scheduler) mergePending() {
	for {
		ids := s.pick(func(segs []segindex.SegmentStats) []uint64 { return s.policy.Pick(segs) })
		if len(ids) == 0 {
			return
		}
		done, err := s.mergeOnce(s.ctx, ids)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("merge failed", "segments", ids, "error", err)
			}
			return
		}
		if !done {
			return
		}
	}
}

func (s *Scheduler) pick(fn func([]segindex.SegmentStats) []uint64) []uint64 {
	all := s.target.Segments()
	idle := all[:0:0]
	for _, seg := range all {
		if !seg.Merging {
			idle = append(idle, seg)
		}
	}
	return fn(idle)
}

// mergeOnce runs a single merge. It reports false without an error when
// the merge was skipped because merging is disabled or the index closed.
func (s *Scheduler) mergeOnce(ctx context.Context, ids []uint64) (bool, error) {
	if err := s.rc.AcquireBackground(ctx); err != nil {
		return false, err
	}
	defer s.rc.ReleaseBackground()

	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	if !Enabled() {
		s.logger.Debug("merge skipped, merging disabled", "segments", ids)
		return false, nil
	}

	if err := s.rc.AcquireIO(ctx, int(s.bytesOf(ids))); err != nil {
		return false, err
	}

	start := s.stats.begin()
	res, err := s.target.Merge(ctx, ids)
	if errors.Is(err, segindex.ErrClosed) {
		s.stats.end(start, 0, 0, nil)
		s.logger.Debug("merge skipped, index closed")
		return false, nil
	}
	if errors.Is(err, segindex.ErrSegmentMerging) || errors.Is(err, segindex.ErrUnknownSegment) {
		// Raced with another merge; the next round sees the new layout.
		s.stats.end(start, 0, 0, nil)
		return true, nil
	}
	s.stats.end(start, res.Docs, res.Dropped, err)
	if err != nil {
		return false, err
	}

	s.logger.Info("merged segments", "sources", res.Sources, "target", res.Target, "docs", res.Docs, "dropped", res.Dropped)
	if s.onMerge != nil {
		s.onMerge(res)
	}
	return true, nil
}

func (s *Scheduler) bytesOf(ids []uint64) int64 {
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var n int64
	for _, seg := range s.target.Segments() {
		if _, ok := want[seg.ID]; ok {
			n += seg.Size
		}
	}
	return n
}

// Optimize merges synchronously until at most maxSegments remain and no
// segment carries deletions. It returns immediately when merging is
// disabled.
func (s *Scheduler) Optimize(ctx context.Context, maxSegments int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for {
		if !Enabled() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ids := s.pick(func(segs []segindex.SegmentStats) []uint64 { return pickForced(segs, maxSegments) })
		if len(ids) == 0 {
			return nil
		}
		done, err := s.mergeOnce(ctx, ids)
		if err != nil {
			return fmt.Errorf("optimize: %w", err)
		}
		if !done {
			return nil
		}
	}
}

// Close stops the loop and cancels a running merge.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	close(s.closeCh)
	s.wg.Wait()
	return nil
}
