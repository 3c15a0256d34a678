package docshard

import (
	"log/slog"
	"time"

	"github.com/hupe1980/docshard/engine"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/translog"
)

// Durability controls when an acknowledged write reaches stable storage.
type Durability = translog.Durability

const (
	// DurabilitySync fsyncs the translog before a write is acknowledged.
	DurabilitySync = translog.DurabilitySync
	// DurabilityAsync leaves the fsync to a background interval.
	DurabilityAsync = translog.DurabilityAsync
)

// Compression selects the codec for large translog payloads.
type Compression = translog.Compression

const (
	CompressionNone = translog.CompressionNone
	CompressionLZ4  = translog.CompressionLZ4
	CompressionZSTD = translog.CompressionZSTD
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	translog         translog.Options
	flushOps         int
	flushBytes       int64
	refreshInterval  time.Duration
	resources        *resource.Config
	engineOpts       []engine.Option
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging for the shard and its
// background tasks.
//
// Example with JSON logging:
//
//	logger := docshard.NewJSONLogger(slog.LevelInfo)
//	s, _ := docshard.Open("./data", docshard.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
//	metrics := &docshard.BasicMetricsCollector{}
//	s, _ := docshard.Open("./data", docshard.WithMetricsCollector(metrics))
//	fmt.Println(metrics.GetStats().VersionConflicts)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithDurability sets the translog durability. In async mode interval
// bounds how long an acknowledged write may stay unsynced.
func WithDurability(d Durability, interval time.Duration) Option {
	return func(o *options) {
		o.translog.Durability = d
		o.translog.SyncInterval = interval
	}
}

// WithTranslogCompression compresses translog payloads of at least
// minSize bytes.
func WithTranslogCompression(c Compression, minSize int) Option {
	return func(o *options) {
		o.translog.Compression = c
		o.translog.MinCompressSize = minSize
	}
}

// WithFlushThreshold flushes in the background once the translog holds
// more than ops operations or bytes bytes.
func WithFlushThreshold(ops int, bytes int64) Option {
	return func(o *options) {
		o.flushOps = ops
		o.flushBytes = bytes
	}
}

// WithRefreshInterval refreshes searchers in the background every d.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) {
		o.refreshInterval = d
	}
}

// WithResourceLimits bounds background merges and throttles copy IO.
func WithResourceLimits(maxBackgroundWorkers, ioBytesPerSec int64) Option {
	return func(o *options) {
		o.resources = &resource.Config{
			MaxBackgroundWorkers: maxBackgroundWorkers,
			IOLimitBytesPerSec:   ioBytesPerSec,
		}
	}
}

// WithEngineOptions passes options through to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		translog:         translog.DefaultOptions(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o options) engineOptions(logger *Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(logger.Logger),
		engine.WithTranslogOptions(o.translog),
		engine.WithFlushThreshold(o.flushOps, o.flushBytes),
		engine.WithRefreshInterval(o.refreshInterval),
	}
	if o.resources != nil {
		opts = append(opts, engine.WithResourceController(resource.NewController(*o.resources)))
	}
	return append(opts, o.engineOpts...)
}
