package archive

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many entry operations (source fetches on the zip
// path, destination writers on the unzip path) run at once. Waiters
// are admitted in FIFO order. A limiter belongs to a single job run;
// nothing is shared across jobs.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter creates a limiter admitting at most n concurrent holders.
func NewLimiter(n int) *Limiter {
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks until a slot is free or ctx is canceled. The caller
// must Release the slot only after its operation has fully resolved.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release frees a slot acquired with Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Run executes fn under a slot. A failing fn still frees its slot;
// canceling the job on failure is the caller's responsibility.
func (l *Limiter) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}
