// Package stream provides the stream-level policies applied between a
// backend's event source and the presentation layer.
//
// emitter.go - Typed fan-out to presentation subscribers
//
// Emitter delivers values to every subscriber in publish order.
// Delivery to a subscriber whose channel is full drops the value for
// that subscriber rather than blocking the pipeline; a slow consumer
// can never stall the producer.

package stream

import "sync"

// Emitter fans values out to subscribers. Safe for concurrent use.
type Emitter[T any] struct {
	mu      sync.RWMutex
	subs    map[int]chan T
	nextID  int
	bufSize int
	closed  bool
}

// NewEmitter creates an emitter whose subscriber channels buffer
// bufSize values.
func NewEmitter[T any](bufSize int) *Emitter[T] {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Emitter[T]{
		subs:    make(map[int]chan T),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or when
// the emitter closes.
func (e *Emitter[T]) Subscribe() (<-chan T, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan T, e.bufSize)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber without blocking.
func (e *Emitter[T]) Publish(v T) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes every subscriber channel. Publish after Close is a
// no-op. Safe to call multiple times.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
