// Package execution provides the backend abstraction layer.
//
// notifier.go - Notification stream shared by the adapters
package execution

import (
	"io"
	"sync"

	"github.com/HyphaGroup/palisade/internal/protocol"
)

// Notifier owns one service's notification channel. The stream is
// single-producer per publishing site and is never closed; consumers
// stop on a terminal notification (completed, stopped or error) or on
// their own context. Publishes after Close are discarded.
type Notifier struct {
	ch        chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

// NewNotifier creates a notifier with a buffered channel.
func NewNotifier() *Notifier {
	return &Notifier{
		ch:   make(chan Notification, 256),
		done: make(chan struct{}),
	}
}

// Channel returns the receive side of the stream.
func (n *Notifier) Channel() <-chan Notification {
	return n.ch
}

func (n *Notifier) publish(note Notification) {
	select {
	case <-n.done:
	case n.ch <- note:
	}
}

// Started reports that the backend signaled readiness.
func (n *Notifier) Started() {
	n.publish(Notification{Kind: NotifyStarted})
}

// Event publishes one canonical event.
func (n *Notifier) Event(ev *protocol.Event) {
	n.publish(Notification{Kind: NotifyEvent, Event: ev})
}

// Completed publishes the terminal result.
func (n *Notifier) Completed(res Result) {
	n.publish(Notification{Kind: NotifyCompleted, Result: &res})
}

// Stopped reports termination by Stop.
func (n *Notifier) Stopped(res Result) {
	n.publish(Notification{Kind: NotifyStopped, Result: &res})
}

// Error reports a spawn or runtime failure.
func (n *Notifier) Error(err error) {
	n.publish(Notification{Kind: NotifyError, Err: err})
}

// Close unblocks pending publishes and discards future ones. Safe to
// call multiple times.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
}

// PumpStream reads raw backend output until EOF, demultiplexes it
// through the codec and publishes every canonical event. The raw
// bytes are also offered to the responder for prompt detection.
// Returns the read error, if any, once the stream ends.
func PumpStream(r io.Reader, codec *protocol.Codec, notifier *Notifier, responder *Responder) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if responder != nil {
				responder.Observe(string(buf[:n]))
			}
			for _, ev := range codec.Consume(buf[:n]) {
				notifier.Event(ev)
			}
		}
		if err != nil {
			for _, ev := range codec.Flush() {
				notifier.Event(ev)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
