// Package execution provides the backend abstraction layer.
//
// handle.go - Live handle to one run attempt
package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/HyphaGroup/palisade/internal/protocol"
)

// NewRunID returns a sortable unique run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Handle is the live handle to one running backend attempt. It is
// created by a service's Execute and resolves exactly once, whether
// through backend completion, failure, or Stop.
type Handle struct {
	id string

	done       chan struct{}
	finishOnce sync.Once
	stopOnce   sync.Once
	active     atomic.Bool

	mu     sync.RWMutex
	result Result

	stopFn      func()
	sendText    func(string) error
	sendCommand func(protocol.Command) error
}

// NewHandle creates a handle in the active state. The callbacks are
// owned by the adapter: stop requests termination, sendText and
// sendCommand write to the backend's stdin.
func NewHandle(id string, stop func(), sendText func(string) error, sendCommand func(protocol.Command) error) *Handle {
	if id == "" {
		id = NewRunID()
	}
	h := &Handle{
		id:          id,
		done:        make(chan struct{}),
		stopFn:      stop,
		sendText:    sendText,
		sendCommand: sendCommand,
	}
	h.active.Store(true)
	return h
}

// ID returns the run attempt identifier.
func (h *Handle) ID() string { return h.id }

// IsActive reports whether the run is still in flight.
func (h *Handle) IsActive() bool { return h.active.Load() }

// Done returns a channel closed when the run resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run resolves or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal result; valid once Done is closed.
func (h *Handle) Result() Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.result
}

// Stop requests termination. Safe to call from any state and
// idempotent; IsActive is false once Stop returns.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.active.Store(false)
		if h.stopFn != nil {
			h.stopFn()
		}
	})
}

// SendText writes a plain text line to the backend's stdin.
func (h *Handle) SendText(text string) error {
	if !h.IsActive() {
		return fmt.Errorf("run %s is not active", h.id)
	}
	if h.sendText == nil {
		return fmt.Errorf("backend does not accept input")
	}
	return h.sendText(text)
}

// SendCommand writes a structured command envelope to the backend's
// stdin.
func (h *Handle) SendCommand(cmd protocol.Command) error {
	if !h.IsActive() {
		return fmt.Errorf("run %s is not active", h.id)
	}
	if h.sendCommand == nil {
		return fmt.Errorf("backend does not accept commands")
	}
	return h.sendCommand(cmd)
}

// Finish resolves the handle with res. Called by the owning adapter
// exactly once; later calls are ignored.
func (h *Handle) Finish(res Result) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		h.result = res
		h.mu.Unlock()
		h.active.Store(false)
		close(h.done)
	})
}
