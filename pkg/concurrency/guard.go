package concurrency

import (
	"context"
	"sync/atomic"
)

// Guard is a mutual-exclusion primitive whose contention can be inspected
// without blocking. Callers waiting in Acquire are served in arrival order.
//
// Guards are not reentrant. When two guards nest, the outer one must always be
// acquired first.
type Guard struct {
	name    string
	sem     chan struct{}
	waiting atomic.Int32
	locked  atomic.Bool
}

// NewGuard creates an unlocked guard
func NewGuard(name string) *Guard {
	return &Guard{
		name: name,
		sem:  make(chan struct{}, 1),
	}
}

// Name returns the guard name
func (g *Guard) Name() string {
	return g.name
}

// Acquire runs fn while holding the guard. It blocks until the guard is free
// or ctx is done; in the latter case fn is not run.
func (g *Guard) Acquire(ctx context.Context, fn func(ctx context.Context) error) error {
	g.waiting.Add(1)
	select {
	case g.sem <- struct{}{}:
		g.waiting.Add(-1)
	case <-ctx.Done():
		g.waiting.Add(-1)
		return ctx.Err()
	}
	return g.run(ctx, fn)
}

// TryAcquire runs fn only if the guard is free right now
func (g *Guard) TryAcquire(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	select {
	case g.sem <- struct{}{}:
	default:
		return false, nil
	}
	return true, g.run(ctx, fn)
}

func (g *Guard) run(ctx context.Context, fn func(ctx context.Context) error) error {
	g.locked.Store(true)
	defer func() {
		g.locked.Store(false)
		<-g.sem
	}()
	return fn(ctx)
}

// IsLocked reports whether a caller currently holds the guard
func (g *Guard) IsLocked() bool {
	return g.locked.Load()
}

// QueueLength is the number of callers blocked in Acquire
func (g *Guard) QueueLength() int {
	return int(g.waiting.Load())
}
