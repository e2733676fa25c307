// Package stream provides the stream-level policies applied between a
// backend's event source and the presentation layer: byte-budget
// buffering, duplicate-reasoning suppression and fan-out.
//
// ringbuffer.go - Byte-budget ring buffer
//
// The ring buffer is the backpressure mechanism that bounds memory for
// an unboundedly long run: the head is evicted until the estimated
// total fits the budget, and single oversized items are shrunk by an
// optional reducer rather than corrupting the budget.

package stream

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MinBudget is the smallest byte budget a ring buffer will honor.
const MinBudget = 1024

// evictTargetPercent is the share of the budget eviction drains to, so
// a buffer sitting exactly at the limit does not thrash on every push.
const evictTargetPercent = 90

// Estimator reports the approximate serialized size of an item.
type Estimator[T any] func(T) int

// Reducer shrinks an oversized item so it can fit the budget.
type Reducer[T any] func(T) T

// RingBuffer is an append-only buffer that enforces a maximum total
// estimated size by evicting whole items from the head. Push never
// blocks and never fails; items that cannot be made to fit are
// dropped. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	sizes    []int
	total    int
	budget   int
	estimate Estimator[T]
	reduce   Reducer[T]

	evicted int64
	dropped int64
}

// NewRingBuffer creates a buffer with the given byte budget. Budgets
// below MinBudget are raised to MinBudget. If estimate is nil a
// default JSON-size estimator is used. reduce may be nil.
func NewRingBuffer[T any](budget int, estimate Estimator[T], reduce Reducer[T]) *RingBuffer[T] {
	if budget < MinBudget {
		budget = MinBudget
	}
	if estimate == nil {
		estimate = DefaultEstimator[T]
	}
	return &RingBuffer[T]{
		budget:   budget,
		estimate: estimate,
		reduce:   reduce,
	}
}

// Push appends item, evicting from the head as needed to keep the
// total at or under the budget.
func (b *RingBuffer[T]) Push(item T) {
	size := b.estimate(item)

	if size > b.budget && b.reduce != nil {
		item = b.reduce(item)
		size = b.estimate(item)
	}
	if size > b.budget {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, item)
	b.sizes = append(b.sizes, size)
	b.total += size

	if b.total > b.budget {
		target := b.budget * evictTargetPercent / 100
		var n int
		for b.total > target && n < len(b.items)-1 {
			b.total -= b.sizes[n]
			n++
		}
		if n > 0 {
			b.items = append(b.items[:0:0], b.items[n:]...)
			b.sizes = append(b.sizes[:0:0], b.sizes[n:]...)
			b.evicted += int64(n)
		}
	}
}

// ToArray returns a snapshot of the retained items in order.
func (b *RingBuffer[T]) ToArray() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Bytes returns the current estimated occupancy in bytes.
func (b *RingBuffer[T]) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Size returns the number of retained items.
func (b *RingBuffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Evicted returns the number of items evicted from the head so far.
func (b *RingBuffer[T]) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Dropped returns the number of items dropped because they could not
// be made to fit the budget.
func (b *RingBuffer[T]) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// DefaultEstimator approximates an item's serialized size. Strings and
// byte slices are measured directly; everything else is measured by
// JSON encoding, with a small fixed floor for items that fail to
// encode.
func DefaultEstimator[T any](item T) int {
	switch v := any(item).(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	case fmt.Stringer:
		return len(v.String())
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return 64
		}
		return len(data)
	}
}
