// Package replay rejects reuse of time-step counters that were already
// accepted for a principal.
package replay

import (
	"context"
	"sync"
)

// Guard accepts a matched counter at most once per principal. Accept returns
// false when counter is not strictly greater than the last accepted counter;
// otherwise it records counter atomically and returns true.
type Guard interface {
	Accept(ctx context.Context, principalID string, counter int64) (bool, error)
}

// Forgetter is implemented by guards that keep their own state and must drop
// it when a principal's enrollment is removed
type Forgetter interface {
	Forget(ctx context.Context, principalID string) error
}

// CounterStore is the slice of the secret store the StoreGuard needs.
// UpdateLastConsumedCounter must behave as a compare-and-swap: it advances the
// stored counter only when the new value is greater, and reports whether it did.
type CounterStore interface {
	UpdateLastConsumedCounter(ctx context.Context, principalID string, counter int64) (bool, error)
}

// StoreGuard persists the last consumed counter alongside the secret
type StoreGuard struct {
	store CounterStore
}

// NewStoreGuard creates a guard backed by the secret store
func NewStoreGuard(store CounterStore) *StoreGuard {
	return &StoreGuard{store: store}
}

// Accept advances the stored counter if counter is newer
func (g *StoreGuard) Accept(ctx context.Context, principalID string, counter int64) (bool, error) {
	return g.store.UpdateLastConsumedCounter(ctx, principalID, counter)
}

// MemoryGuard keeps counters in process memory. Suitable for a single
// instance; state is lost on restart.
type MemoryGuard struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewMemoryGuard creates an empty in-memory guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{last: make(map[string]int64)}
}

// Accept records counter if it is newer than the last accepted one
func (g *MemoryGuard) Accept(_ context.Context, principalID string, counter int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[principalID]; ok && counter <= last {
		return false, nil
	}
	g.last[principalID] = counter
	return true, nil
}

// Forget drops the principal's state, used when two-factor is disabled
func (g *MemoryGuard) Forget(_ context.Context, principalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, principalID)
	return nil
}
