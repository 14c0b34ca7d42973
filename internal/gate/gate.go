// Package gate implements the admission gate: a single-permit, fair
// (FIFO) semaphore used to serialize upstream calls against model
// servers that cannot process requests in parallel.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate serializes access to a single resource.
type Gate struct {
	enabled bool
	sem     *semaphore.Weighted
}

// New creates an enabled Gate: Acquire blocks until the single permit is
// free. golang.org/x/sync/semaphore.Weighted serves blocked Acquire
// callers in FIFO order, which is what gives the admission gate its
// fairness guarantee.
func New() *Gate {
	return &Gate{enabled: true, sem: semaphore.NewWeighted(1)}
}

// Disabled creates a Gate that never blocks, used when the model server
// accepts parallel requests (allow_parallel_requests == true).
func Disabled() *Gate {
	return &Gate{enabled: false}
}

// Acquire blocks until the permit is available or ctx is cancelled.
// Acquisition is cancellable: if ctx is cancelled while waiting, Acquire
// returns ctx.Err() without holding the permit.
func (g *Gate) Acquire(ctx context.Context) error {
	if !g.enabled {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

// Release returns the permit. Safe to call on a Disabled gate (no-op).
// Callers must call Release exactly once per successful Acquire; the
// Request Lifecycle Engine guarantees that with defer so a cancelled
// Forward still frees the permit for the next waiter.
func (g *Gate) Release() {
	if !g.enabled {
		return
	}
	g.sem.Release(1)
}
