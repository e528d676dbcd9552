package supervisor

import (
	"context"
	"sync"
)

// Lock is a non-reentrant mutex that admits waiters in arrival order.
// Ownership is handed directly to the head of the queue on Release, so a
// late arrival can never barge ahead of a queued caller.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Acquire blocks until the lock is held by the caller or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	l.waiters = append(l.waiters, turn)
	l.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == turn {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Ownership was handed over concurrently with cancellation.
		l.Release()
		return ctx.Err()
	}
}

// Release passes the lock to the next waiter, or unlocks it.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		panic("supervisor: Release of unlocked Lock")
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.held = false
}

// Do runs fn while holding the lock. The lock is released on every return
// path, including a panic in fn.
func (l *Lock) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Waiting reports how many callers are queued.
func (l *Lock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
