package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/docshard/internal/commitpin"
	"github.com/hupe1980/docshard/internal/translog"
)

// Phase is a step of a peer recovery.
type Phase int

const (
	PhaseInit Phase = iota
	Phase1          // copy the files of the pinned commit
	Phase2          // replay operations accepted until phase 1 finished
	Phase3          // replay operations accepted during phase 2
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case Phase1:
		return "phase1"
	case Phase2:
		return "phase2"
	case Phase3:
		return "phase3"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// RecoveryHandler moves a shard to a recovery target. Phases run in order
// on the goroutine that called Recover. An error aborts the recovery; the
// target's partial state is the handler's to discard.
//
// Phase3 runs with writes on the source engine blocked. It must not write
// to the source engine.
type RecoveryHandler interface {
	Phase1(ctx context.Context, commit *commitpin.Handle) error
	Phase2(ctx context.Context, snap *translog.Snapshot) error
	Phase3(ctx context.Context, snap *translog.Snapshot) error
}

// RecoverySession describes a recovery run.
type RecoverySession struct {
	ID string

	mu         sync.Mutex
	phase      Phase
	commitGen  uint64
	phase2Ops  int
	phase3Ops  int
	started    time.Time
	finished   time.Time
	failureErr error
}

func newRecoverySession() *RecoverySession {
	return &RecoverySession{ID: uuid.NewString(), started: time.Now()}
}

func (s *RecoverySession) enter(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *RecoverySession) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = time.Now()
	if err != nil {
		s.phase = PhaseFailed
		s.failureErr = err
		return
	}
	s.phase = PhaseDone
}

// Phase returns the current phase.
func (s *RecoverySession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RecoveryStats summarizes a session.
type RecoveryStats struct {
	ID               string
	Phase            Phase
	CommitGeneration uint64
	Phase2Ops        int
	Phase3Ops        int
	Duration         time.Duration
	Err              error
}

// Stats returns a summary of the session.
func (s *RecoverySession) Stats() RecoveryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.finished
	if end.IsZero() {
		end = time.Now()
	}
	return RecoveryStats{
		ID:               s.ID,
		Phase:            s.phase,
		CommitGeneration: s.commitGen,
		Phase2Ops:        s.phase2Ops,
		Phase3Ops:        s.phase3Ops,
		Duration:         end.Sub(s.started),
		Err:              s.failureErr,
	}
}

// Recover runs the three recovery phases against h. Flush is refused from
// the start of phase 1 until Recover returns, whatever the outcome. Closing
// the engine or cancelling ctx aborts the recovery between phases and
// cancels the context passed to the handler.
func (e *Engine) Recover(ctx context.Context, h RecoveryHandler) (*RecoverySession, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if !e.recovering.CompareAndSwap(false, true) {
		return nil, &RecoveryError{Phase: PhaseInit, Err: ErrRecoveryInProgress}
	}
	defer e.recovering.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	s := newRecoverySession()
	logger := e.logger.With("recovery", s.ID)
	logger.Info("recovery started")

	err := e.recover(ctx, s, h, logger)
	s.finish(err)
	if err != nil {
		logger.Warn("recovery failed", "error", err)
		return s, err
	}

	st := s.Stats()
	logger.Info("recovery finished", "commit", st.CommitGeneration, "phase2_ops", st.Phase2Ops, "phase3_ops", st.Phase3Ops, "duration", st.Duration)
	return s, nil
}

func (e *Engine) recover(ctx context.Context, s *RecoverySession, h RecoveryHandler, logger *slog.Logger) error {
	abort := func(p Phase, err error) error {
		if e.closed.Load() && !errors.Is(err, ErrEngineClosed) {
			err = fmt.Errorf("%w: %w", ErrEngineClosed, err)
		}
		return &RecoveryError{Phase: p, Err: err}
	}

	// Phase 1: pin the commit. Writers keep going.
	s.enter(Phase1)
	handle, err := e.pinCommit()
	if err != nil {
		return abort(Phase1, err)
	}
	defer handle.Release()
	s.mu.Lock()
	s.commitGen = handle.Generation()
	s.mu.Unlock()

	logger.Debug("recovery phase1", "commit", handle.Generation(), "files", len(handle.Files()))
	if err := h.Phase1(ctx, handle); err != nil {
		return abort(Phase1, err)
	}
	if err := ctx.Err(); err != nil {
		return abort(Phase1, err)
	}

	// Phase 2: everything accepted up to now. With flush refused, the
	// snapshot starts right where the pinned commit ends.
	s.enter(Phase2)
	snap2, err := e.tlog.Snapshot()
	if err != nil {
		return abort(Phase2, &TranslogError{Err: err})
	}
	defer snap2.Release()
	s.mu.Lock()
	s.phase2Ops = snap2.Len()
	s.mu.Unlock()

	logger.Debug("recovery phase2", "ops", snap2.Len())
	if err := h.Phase2(ctx, snap2); err != nil {
		return abort(Phase2, err)
	}
	if err := ctx.Err(); err != nil {
		return abort(Phase2, err)
	}

	// Phase 3: what arrived during phase 2, with writers held off so
	// nothing slips in behind the snapshot.
	s.enter(Phase3)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return abort(Phase3, ErrEngineClosed)
	}

	snap3, err := e.tlog.SnapshotAfter(snap2.End())
	if err != nil {
		return abort(Phase3, &TranslogError{Err: err})
	}
	defer snap3.Release()
	s.mu.Lock()
	s.phase3Ops = snap3.Len()
	s.mu.Unlock()

	logger.Debug("recovery phase3", "ops", snap3.Len())
	if err := h.Phase3(ctx, snap3); err != nil {
		return abort(Phase3, err)
	}
	return nil
}

func (e *Engine) pinCommit() (*commitpin.Handle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.pins.Pin()
}

// Recovering reports whether a recovery is running.
func (e *Engine) Recovering() bool { return e.recovering.Load() }
