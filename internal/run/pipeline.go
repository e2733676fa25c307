// Package run assembles one run's event path: backend notifications in,
// deduplicated and budget-bounded events out to subscribers, with the
// outcome recorded in the run ledger.
//
// pipeline.go - Per-run stream assembly
package run

import (
	"sync/atomic"

	"github.com/HyphaGroup/palisade/internal/metrics"
	"github.com/HyphaGroup/palisade/internal/protocol"
	"github.com/HyphaGroup/palisade/internal/stream"
)

// truncatedSuffix marks event content cut by the oversized reducer.
const truncatedSuffix = "\n...[output truncated]"

// Pipeline is the per-run event path: reasoning deduplication, the
// byte-budget history buffer, and fan-out to subscribers. Safe for
// concurrent use.
type Pipeline struct {
	runID   string
	dedup   *stream.ReasoningDedup
	buffer  *stream.RingBuffer[*protocol.Event]
	emitter *stream.Emitter[*protocol.Event]

	evictedSeen atomic.Int64
}

// NewPipeline creates a pipeline for one run with the given history
// byte budget.
func NewPipeline(runID string, budgetBytes int) *Pipeline {
	return &Pipeline{
		runID:   runID,
		dedup:   stream.NewReasoningDedup(),
		buffer:  stream.NewRingBuffer[*protocol.Event](budgetBytes, EventSize, TruncateEvent(budgetBytes)),
		emitter: stream.NewEmitter[*protocol.Event](256),
	}
}

// Offer runs ev through the stream policies. Returns false when the
// event was suppressed as a duplicate.
func (p *Pipeline) Offer(ev *protocol.Event) bool {
	if !p.dedup.ShouldEmit(ev) {
		return false
	}
	p.buffer.Push(ev)
	metrics.BufferBytes.WithLabelValues(p.runID).Set(float64(p.buffer.Bytes()))
	if evicted := p.buffer.Evicted(); evicted > 0 {
		if delta := evicted - p.evictedSeen.Swap(evicted); delta > 0 {
			metrics.BufferEvictions.WithLabelValues(p.runID).Add(float64(delta))
		}
	}
	p.emitter.Publish(ev)
	return true
}

// Subscribe registers a live subscriber; see stream.Emitter.
func (p *Pipeline) Subscribe() (<-chan *protocol.Event, func()) {
	return p.emitter.Subscribe()
}

// Snapshot returns the retained event history in order.
func (p *Pipeline) Snapshot() []*protocol.Event {
	return p.buffer.ToArray()
}

// Stats reports the history buffer occupancy and loss counters.
func (p *Pipeline) Stats() (bytes int, evicted, dropped int64) {
	return p.buffer.Bytes(), p.buffer.Evicted(), p.buffer.Dropped()
}

// Close ends fan-out and releases the run's buffer gauge.
func (p *Pipeline) Close() {
	p.emitter.Close()
	metrics.BufferBytes.DeleteLabelValues(p.runID)
	metrics.BufferEvictions.DeleteLabelValues(p.runID)
}

// EventSize estimates an event's share of the history budget by its
// content plus a fixed envelope overhead.
func EventSize(ev *protocol.Event) int {
	if ev == nil {
		return 0
	}
	return len(ev.Content) + 128
}

// TruncateEvent returns a reducer that cuts an oversized event's
// content down to half the budget, keeping the head of the output.
func TruncateEvent(budgetBytes int) stream.Reducer[*protocol.Event] {
	limit := budgetBytes / 2
	if limit < stream.MinBudget/2 {
		limit = stream.MinBudget / 2
	}
	return func(ev *protocol.Event) *protocol.Event {
		if ev == nil || len(ev.Content) <= limit {
			return ev
		}
		clone := ev.Clone()
		clone.Content = clone.Content[:limit] + truncatedSuffix
		if clone.Metadata == nil {
			clone.Metadata = make(map[string]any)
		}
		clone.Metadata["truncated"] = true
		return clone
	}
}
