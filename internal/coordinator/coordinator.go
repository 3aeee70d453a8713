// Package coordinator bounds how many expensive external-process
// operations (fetches, transcodes) may run at once (spec §4.3, §5).
package coordinator

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"relaypod/internal/apperr"
)

// Coordinator gates concurrent access to a fixed number of permits.
type Coordinator struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
	waiting  atomic.Int64
	disposed atomic.Bool
}

// New creates a Coordinator with the given number of concurrent permits.
// capacity is floored at 1.
func New(capacity int) *Coordinator {
	if capacity < 1 {
		capacity = 1
	}
	return &Coordinator{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a permit is available, ctx is cancelled, or the
// coordinator has been disposed. The returned release func must be
// called exactly once to give the permit back.
func (c *Coordinator) Acquire(ctx context.Context) (release func(), err error) {
	if c.disposed.Load() {
		return nil, apperr.ErrDisposed
	}
	c.waiting.Add(1)
	err = c.sem.Acquire(ctx, 1)
	c.waiting.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.ErrCancelled
		}
		return nil, err
	}
	if c.disposed.Load() {
		c.sem.Release(1)
		return nil, apperr.ErrDisposed
	}
	c.inUse.Add(1)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		c.inUse.Add(-1)
		c.sem.Release(1)
	}, nil
}

// Execute runs fn while holding a permit, releasing it when fn returns
// regardless of outcome.
func (c *Coordinator) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Dispose prevents any further Acquire calls from succeeding; permits
// already held are unaffected until released. Used during graceful
// shutdown (spec §9 "cancellation propagates").
func (c *Coordinator) Dispose() {
	c.disposed.Store(true)
}

// InUse reports how many permits are currently held.
func (c *Coordinator) InUse() int64 { return c.inUse.Load() }

// Waiting reports how many Acquire calls are currently blocked.
func (c *Coordinator) Waiting() int64 { return c.waiting.Load() }

// Capacity reports the total number of permits.
func (c *Coordinator) Capacity() int64 { return c.capacity }
