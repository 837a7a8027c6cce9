// Package gate provides a counting gate with a quiescence signal.
//
// A Gate is a semaphore of fixed capacity that additionally tracks how many
// acquisitions are outstanding, so a coordinator can wait for all in-flight
// holders to finish (Join) without knowing how many there were. The network
// scanner uses one Gate to cap concurrent probe sockets and to detect the
// end of a sweep.
package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting gate of fixed capacity with a quiescence signal.
//
// Acquire and Release must be paired. Join completes when the outstanding
// count reaches zero; it observes quiescence at that instant, not the
// absence of future Acquires. All methods are safe for concurrent use.
type Gate struct {
	sem *semaphore.Weighted

	mu          sync.Mutex
	outstanding int
	idle        chan struct{} // closed while outstanding == 0
}

// New creates a Gate with the given capacity. Capacity values below one
// are treated as one.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &Gate{
		sem:  semaphore.NewWeighted(int64(capacity)),
		idle: idle,
	}
}

// Acquire blocks until one of the capacity permits is free, then increments
// the outstanding count. Returns ctx.Err() without acquiring if the context
// is cancelled first.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	g.mu.Lock()
	g.outstanding++
	if g.outstanding == 1 {
		g.idle = make(chan struct{})
	}
	g.mu.Unlock()

	return nil
}

// Release returns a permit and decrements the outstanding count. When the
// count reaches zero, any waiter in Join is unblocked. Release without a
// matching Acquire panics.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.outstanding == 0 {
		g.mu.Unlock()
		panic("gate: Release without matching Acquire")
	}
	g.outstanding--
	if g.outstanding == 0 {
		close(g.idle)
	}
	g.mu.Unlock()

	g.sem.Release(1)
}

// Join blocks until the outstanding count is zero or ctx is cancelled.
func (g *Gate) Join(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outstanding returns the current outstanding count.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}
