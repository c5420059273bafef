// Package resource bounds the concurrency and IO throughput of background
// work (parallel file indexing, chunk fetching).
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxConcurrentReads is the maximum number of files indexed or chunks
	// fetched at the same time. If 0, defaults to 8.
	MaxConcurrentReads int64

	// IOLimitBytesPerSec is the maximum read throughput for background
	// work. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller enforces the configured limits. A nil Controller enforces
// nothing, so callers never need to nil-check.
type Controller struct {
	readSem   *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentReads <= 0 {
		cfg.MaxConcurrentReads = 8
	}
	c := &Controller{
		readSem: semaphore.NewWeighted(cfg.MaxConcurrentReads),
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// AcquireRead reserves one read slot, blocking until one is available or ctx
// is canceled. Release with ReleaseRead.
func (c *Controller) AcquireRead(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.readSem.Acquire(ctx, 1)
}

// ReleaseRead returns a read slot.
func (c *Controller) ReleaseRead() {
	if c == nil {
		return
	}
	c.readSem.Release(1)
}

// WaitIO blocks until the IO budget admits reading n bytes.
func (c *Controller) WaitIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil || n <= 0 {
		return nil
	}
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
