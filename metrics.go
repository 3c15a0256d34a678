package docshard

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/hupe1980/docshard/model"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    writes    *prometheus.CounterVec
//	    conflicts prometheus.Counter
//	}
//
//	func (p *PrometheusCollector) RecordWrite(op model.OpType, d time.Duration, err error) {
//	    p.writes.WithLabelValues(op.String()).Inc()
//	}
type MetricsCollector interface {
	// RecordWrite is called after each create, index or delete.
	// err is nil if the operation was accepted.
	RecordWrite(op model.OpType, duration time.Duration, err error)

	// RecordGet is called after each realtime get.
	RecordGet(found bool, duration time.Duration)

	// RecordFlush is called after each explicit flush.
	RecordFlush(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordWrite(model.OpType, time.Duration, error) {}
func (NoopMetricsCollector) RecordGet(bool, time.Duration)                  {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)               {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CreateCount      atomic.Int64
	IndexCount       atomic.Int64
	DeleteCount      atomic.Int64
	WriteErrors      atomic.Int64
	VersionConflicts atomic.Int64
	WriteTotalNanos  atomic.Int64
	GetCount         atomic.Int64
	GetMisses        atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushTotalNanos  atomic.Int64
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(op model.OpType, duration time.Duration, err error) {
	switch op {
	case model.OpCreate:
		b.CreateCount.Add(1)
	case model.OpIndex:
		b.IndexCount.Add(1)
	case model.OpDelete:
		b.DeleteCount.Add(1)
	}
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDocumentAlreadyExists) {
			b.VersionConflicts.Add(1)
		}
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(found bool, _ time.Duration) {
	b.GetCount.Add(1)
	if !found {
		b.GetMisses.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(duration time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	writes := b.CreateCount.Load() + b.IndexCount.Load() + b.DeleteCount.Load()
	return BasicMetricsStats{
		CreateCount:      b.CreateCount.Load(),
		IndexCount:       b.IndexCount.Load(),
		DeleteCount:      b.DeleteCount.Load(),
		WriteErrors:      b.WriteErrors.Load(),
		VersionConflicts: b.VersionConflicts.Load(),
		WriteAvgNanos:    avg(b.WriteTotalNanos.Load(), writes),
		GetCount:         b.GetCount.Load(),
		GetMisses:        b.GetMisses.Load(),
		FlushCount:       b.FlushCount.Load(),
		FlushErrors:      b.FlushErrors.Load(),
		FlushAvgNanos:    avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CreateCount      int64
	IndexCount       int64
	DeleteCount      int64
	WriteErrors      int64
	VersionConflicts int64
	WriteAvgNanos    int64
	GetCount         int64
	GetMisses        int64
	FlushCount       int64
	FlushErrors      int64
	FlushAvgNanos    int64
}
