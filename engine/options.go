package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/merge"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/translog"
)

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFileSystem sets the file system the shard lives on.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		if fsys != nil {
			e.fs = fsys
		}
	}
}

// WithTranslogOptions sets the translog durability and compression.
func WithTranslogOptions(opts translog.Options) Option {
	return func(e *Engine) {
		e.tlogOpts = opts
	}
}

// WithResourceController shares background worker and IO limits with
// other shards.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.rc = rc
	}
}

// WithMergePolicy sets the background merge policy.
func WithMergePolicy(p merge.Policy) Option {
	return func(e *Engine) {
		e.mergePolicy = p
	}
}

// WithMergeStats makes the engine report merges into stats. Pass the same
// value to every engine opened for a shard to keep counters across reopens.
func WithMergeStats(stats *merge.Stats) Option {
	return func(e *Engine) {
		if stats != nil {
			e.mergeStats = stats
		}
	}
}

// WithFlushThreshold flushes in the background once the translog holds
// more than ops operations or bytes bytes. Zero disables a bound.
func WithFlushThreshold(ops int, bytes int64) Option {
	return func(e *Engine) {
		e.flushOps = ops
		e.flushBytes = bytes
	}
}

// WithRefreshInterval refreshes in the background every d.
func WithRefreshInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.refreshInterval = d
	}
}

// WithVersionStripes sets the number of version map lock stripes.
func WithVersionStripes(n int) Option {
	return func(e *Engine) {
		e.stripes = n
	}
}
