// Package commitpin keeps index commits alive while something reads them.
//
// Policy wraps the index's regular deletion policy. Commits with an
// outstanding Handle are hidden from that policy's Delete calls, so a
// backup or a recovery can read the files of a commit while the engine
// keeps committing and merging. A released commit becomes deletable the
// next time the index consults its policy.
package commitpin

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docshard/internal/segindex"
)

// ErrNoCommit is returned by Pin before the index made its first commit.
var ErrNoCommit = errors.New("no commit to pin")

// Policy is a segindex.DeletionPolicy that honors pins.
type Policy struct {
	mu        sync.Mutex
	primary   segindex.DeletionPolicy
	last      segindex.Commit
	pins      map[uint64]int
	onRelease func()
}

var _ segindex.DeletionPolicy = (*Policy)(nil)

// New wraps primary. A nil primary keeps only the newest commit.
func New(primary segindex.DeletionPolicy) *Policy {
	if primary == nil {
		primary = segindex.KeepOnlyLastCommit{}
	}
	return &Policy{primary: primary, pins: make(map[uint64]int)}
}

// SetReleaseHook installs fn to run after the last handle of a commit is
// released. It typically asks the index to revisit its commits.
func (p *Policy) SetReleaseHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRelease = fn
}

func (p *Policy) OnInit(commits []segindex.Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary.OnInit(p.wrapLocked(commits))
}

func (p *Policy) OnCommit(commits []segindex.Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary.OnCommit(p.wrapLocked(commits))
}

func (p *Policy) wrapLocked(commits []segindex.Commit) []segindex.Commit {
	if len(commits) > 0 {
		p.last = commits[len(commits)-1]
	}
	out := make([]segindex.Commit, len(commits))
	for i, c := range commits {
		out[i] = &guardedCommit{Commit: c, p: p}
	}
	return out
}

// guardedCommit ignores Delete while pinned. Delete is only called from
// inside OnInit/OnCommit, which hold p.mu.
type guardedCommit struct {
	segindex.Commit
	p *Policy
}

func (c *guardedCommit) Delete() {
	if c.p.pins[c.Generation()] > 0 {
		return
	}
	c.Commit.Delete()
}

// Pin takes a handle on the newest commit.
func (p *Policy) Pin() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil, ErrNoCommit
	}
	p.pins[p.last.Generation()]++
	return &Handle{p: p, commit: p.last}, nil
}

func (p *Policy) release(gen uint64) {
	p.mu.Lock()
	p.pins[gen]--
	last := p.pins[gen] <= 0
	if last {
		delete(p.pins, gen)
	}
	hook := p.onRelease
	p.mu.Unlock()

	if last && hook != nil {
		hook()
	}
}

// Pinned returns the pinned generations with their handle counts.
func (p *Policy) Pinned() map[uint64]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint64]int, len(p.pins))
	for gen, n := range p.pins {
		out[gen] = n
	}
	return out
}

// PinnedGenerations returns the pinned generations, ascending.
func (p *Policy) PinnedGenerations() []uint64 {
	pins := p.Pinned()
	gens := make([]uint64, 0, len(pins))
	for gen := range pins {
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens
}

// Handle is a reference to a pinned commit. Release must be called exactly
// once; further calls are no-ops.
type Handle struct {
	p        *Policy
	commit   segindex.Commit
	released atomic.Bool
}

// Commit returns the pinned commit.
func (h *Handle) Commit() segindex.Commit { return h.commit }

// Generation returns the generation of the pinned commit.
func (h *Handle) Generation() uint64 { return h.commit.Generation() }

// Files lists the files of the pinned commit.
func (h *Handle) Files() []segindex.FileInfo { return h.commit.Files() }

// Release drops the pin.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.p.release(h.commit.Generation())
	}
}
