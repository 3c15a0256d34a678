package engine

import (
	"github.com/hupe1980/docshard/internal/merge"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/translog"
)

// Stats is a point-in-time description of the shard.
type Stats struct {
	Docs             int // live documents as of the last refresh
	Segments         int
	TrackedVersions  int
	CommitGeneration uint64
	PinnedCommits    []uint64
	OpenSearchers    int64
	Flushes          int64
	Refreshes        int64
	Recovering       bool
	Failed           bool

	Translog translog.Stats
	Merge    merge.StatsSnapshot
	Resource resource.Stats
}

// Stats returns shard statistics. It does not block writers.
func (e *Engine) Stats() (Stats, error) {
	if e.closed.Load() {
		return Stats{}, ErrEngineClosed
	}
	r := e.index.Reader()
	return Stats{
		Docs:             r.NumDocs(),
		Segments:         len(e.index.Segments()),
		TrackedVersions:  e.versions.Len(),
		CommitGeneration: e.index.LastCommit().Generation(),
		PinnedCommits:    e.pins.PinnedGenerations(),
		OpenSearchers:    e.searchers.Load(),
		Flushes:          e.flushes.Load(),
		Refreshes:        e.refreshes.Load(),
		Recovering:       e.recovering.Load(),
		Failed:           e.failure.Load() != nil,
		Translog:         e.tlog.Stats(),
		Merge:            e.mergeStats.Snapshot(),
		Resource:         e.rc.Stats(),
	}, nil
}
