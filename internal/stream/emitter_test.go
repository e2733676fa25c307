package stream

import (
	"testing"
)

func TestEmitter_DeliversInOrder(t *testing.T) {
	e := NewEmitter[int](8)
	ch, cancel := e.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		e.Publish(i)
	}
	for i := 0; i < 5; i++ {
		if got := <-ch; got != i {
			t.Errorf("received %d, want %d", got, i)
		}
	}
}

func TestEmitter_SlowSubscriberDoesNotBlock(t *testing.T) {
	e := NewEmitter[int](2)
	ch, cancel := e.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			e.Publish(i)
		}
	}()
	<-done

	// The first two values fit the buffer; the rest were dropped for
	// this subscriber instead of stalling the publisher.
	if got := <-ch; got != 0 {
		t.Errorf("first buffered value = %d, want 0", got)
	}
}

func TestEmitter_UnsubscribeClosesChannel(t *testing.T) {
	e := NewEmitter[int](4)
	ch, cancel := e.Subscribe()

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	e.Publish(1) // must not panic
}

func TestEmitter_CloseClosesAllSubscribers(t *testing.T) {
	e := NewEmitter[int](4)
	a, _ := e.Subscribe()
	b, _ := e.Subscribe()

	e.Close()
	e.Close() // idempotent

	if _, ok := <-a; ok {
		t.Error("subscriber a still open after Close")
	}
	if _, ok := <-b; ok {
		t.Error("subscriber b still open after Close")
	}

	ch, _ := e.Subscribe()
	if _, ok := <-ch; ok {
		t.Error("Subscribe after Close must return a closed channel")
	}
}
