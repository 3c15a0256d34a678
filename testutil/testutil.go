package testutil

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/hupe1980/docshard/internal/commitpin"
	"github.com/hupe1980/docshard/internal/translog"
	"github.com/hupe1980/docshard/model"
)

// DefaultType is the document type used by the builders.
const DefaultType = "test"

// UID returns the uid of document id of DefaultType.
func UID(id string) model.UID { return model.NewUID(DefaultType, id) }

// Source returns a small JSON source for id.
func Source(id string) []byte { return []byte(`{"value":"` + id + `"}`) }

// CreateOp returns a primary create for id.
func CreateOp(id string) model.Operation { return model.NewCreate(UID(id), Source(id)) }

// IndexOp returns a primary index for id.
func IndexOp(id string) model.Operation { return model.NewIndex(UID(id), Source(id)) }

// DeleteOp returns a primary delete for id.
func DeleteOp(id string) model.Operation { return model.NewDelete(UID(id)) }

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a random int in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Source returns a JSON source with a random hex body of about n bytes.
func (r *RNG) Source(n int) []byte {
	buf := make([]byte, (n+1)/2)
	r.mu.Lock()
	_, _ = r.rand.Read(buf)
	r.mu.Unlock()
	return []byte(`{"body":"` + hex.EncodeToString(buf) + `"}`)
}

// IndexOps returns n index operations with ids "0".."n-1" and random
// sources of size bytes.
func (r *RNG) IndexOps(n, size int) []model.Operation {
	ops := make([]model.Operation, n)
	for i := range ops {
		ops[i] = model.NewIndex(UID(fmt.Sprint(i)), r.Source(size))
	}
	return ops
}

// Drain reads every remaining operation of snap.
func Drain(snap *translog.Snapshot) ([]model.Operation, error) {
	var ops []model.Operation
	for snap.HasNext() {
		op, err := snap.Next()
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	if _, err := snap.Next(); err != io.EOF {
		return ops, fmt.Errorf("snapshot not exhausted: %v", err)
	}
	return ops, nil
}

// RecordingHandler records what each recovery phase received. The On
// hooks, when set, run before the phase's snapshot is drained and their
// error aborts the phase.
type RecordingHandler struct {
	OnPhase1 func(ctx context.Context, commit *commitpin.Handle) error
	OnPhase2 func(ctx context.Context, snap *translog.Snapshot) error
	OnPhase3 func(ctx context.Context, snap *translog.Snapshot) error

	mu         sync.Mutex
	CommitGen  uint64
	Files      []string
	Phase2Ops  []model.Operation
	Phase3Ops  []model.Operation
	PhasesSeen []int
}

func (h *RecordingHandler) Phase1(ctx context.Context, commit *commitpin.Handle) error {
	h.mu.Lock()
	h.PhasesSeen = append(h.PhasesSeen, 1)
	h.CommitGen = commit.Generation()
	for _, f := range commit.Files() {
		h.Files = append(h.Files, f.Name)
	}
	h.mu.Unlock()
	if h.OnPhase1 != nil {
		return h.OnPhase1(ctx, commit)
	}
	return nil
}

func (h *RecordingHandler) Phase2(ctx context.Context, snap *translog.Snapshot) error {
	h.mu.Lock()
	h.PhasesSeen = append(h.PhasesSeen, 2)
	h.mu.Unlock()
	if h.OnPhase2 != nil {
		if err := h.OnPhase2(ctx, snap); err != nil {
			return err
		}
	}
	ops, err := Drain(snap)
	h.mu.Lock()
	h.Phase2Ops = append(h.Phase2Ops, ops...)
	h.mu.Unlock()
	return err
}

func (h *RecordingHandler) Phase3(ctx context.Context, snap *translog.Snapshot) error {
	h.mu.Lock()
	h.PhasesSeen = append(h.PhasesSeen, 3)
	h.mu.Unlock()
	if h.OnPhase3 != nil {
		if err := h.OnPhase3(ctx, snap); err != nil {
			return err
		}
	}
	ops, err := Drain(snap)
	h.mu.Lock()
	h.Phase3Ops = append(h.Phase3Ops, ops...)
	h.mu.Unlock()
	return err
}

// UIDs returns the uids of ops in order.
func UIDs(ops []model.Operation) []model.UID {
	out := make([]model.UID, len(ops))
	for i, op := range ops {
		out[i] = op.UID
	}
	return out
}
