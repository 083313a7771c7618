package clicktracker

import (
	"context"
	"sync"
)

// WriteBuffer absorbs click increments before they reach the counter store.
// Entries are ephemeral; losing one on eviction means a bounded under-count,
// never an over-count.
type WriteBuffer interface {
	// Increment atomically adds 1 to the pending delta for key, creating the
	// entry if absent. Safe under unbounded concurrent callers.
	Increment(ctx context.Context, key LogicalKey) error
	// Add atomically adds delta to the pending delta for key. Used to credit
	// a consumed delta back when it cannot be placed anywhere durable.
	Add(ctx context.Context, key LogicalKey, delta int64) error
	// TakeDelta atomically reads the pending delta for key and decrements the
	// stored value by exactly that amount, so increments racing with a take
	// are preserved for the next flush. Returns 0 for absent entries.
	TakeDelta(ctx context.Context, key LogicalKey) (int64, error)
}

// MemoryBuffer is an in-process WriteBuffer for tests and single-node
// deployments with the flush interval doing all the load smoothing.
type MemoryBuffer struct {
	mu     sync.Mutex
	deltas map[LogicalKey]int64
}

// NewMemoryBuffer creates an empty in-process write buffer.
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{deltas: map[LogicalKey]int64{}}
}

func (b *MemoryBuffer) Increment(ctx context.Context, key LogicalKey) error {
	return b.Add(ctx, key, 1)
}

func (b *MemoryBuffer) Add(_ context.Context, key LogicalKey, delta int64) error {
	if delta <= 0 {
		return nil
	}
	b.mu.Lock()
	b.deltas[key] += delta
	b.mu.Unlock()
	return nil
}

func (b *MemoryBuffer) TakeDelta(_ context.Context, key LogicalKey) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delta := b.deltas[key]
	if delta <= 0 {
		return 0, nil
	}
	delete(b.deltas, key)
	return delta, nil
}
