package resource

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxBackgroundWorkers is the maximum number of concurrent background
	// jobs. If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum throughput of throttled copies.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages shared limits for background work.
type Controller struct {
	cfg Config

	bgSem    *semaphore.Weighted
	bgActive atomic.Int64

	ioLimiter *rate.Limiter // nil if unlimited
	ioBytes   atomic.Int64
	ioWait    atomic.Int64 // nanoseconds spent throttled
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// AcquireBackground reserves a background worker slot, blocking until one
// is free or ctx is done.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.bgSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.bgActive.Add(1)
	return nil
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgActive.Add(-1)
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows n bytes. Requests larger than
// one second of budget are split.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || n <= 0 {
		return nil
	}
	c.ioBytes.Add(int64(n))
	if c.ioLimiter == nil {
		return nil
	}

	start := time.Now()
	defer func() { c.ioWait.Add(int64(time.Since(start))) }()

	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Stats is a snapshot of controller usage.
type Stats struct {
	ActiveWorkers int64
	MaxWorkers    int64
	IOBytes       int64
	IOThrottled   time.Duration
}

// Stats returns current usage.
func (c *Controller) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		ActiveWorkers: c.bgActive.Load(),
		MaxWorkers:    c.cfg.MaxBackgroundWorkers,
		IOBytes:       c.ioBytes.Load(),
		IOThrottled:   time.Duration(c.ioWait.Load()),
	}
}
