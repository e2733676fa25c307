// Package stream provides the stream-level policies applied between a
// backend's event source and the presentation layer.
//
// dedup.go - Swarm reasoning deduplication
//
// Multi-agent runs replay shared context at step boundaries, which
// makes backends re-emit the same reasoning text verbatim. The
// deduplicator suppresses repeats of the same (agent, content) pair
// for the lifetime of one run.

package stream

import (
	"strings"
	"sync"

	"github.com/HyphaGroup/palisade/internal/metrics"
	"github.com/HyphaGroup/palisade/internal/protocol"
)

// ReasoningDedup tracks reasoning content already emitted per logical
// agent within the current run. Safe for concurrent use.
type ReasoningDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewReasoningDedup returns a deduplicator with an empty seen set.
func NewReasoningDedup() *ReasoningDedup {
	return &ReasoningDedup{seen: make(map[string]struct{})}
}

// ShouldEmit reports whether ev should be forwarded downstream. Only
// reasoning and reasoning_start events are candidates for
// suppression; every other event passes through.
func (d *ReasoningDedup) ShouldEmit(ev *protocol.Event) bool {
	if ev.Type != protocol.EventReasoning && ev.Type != protocol.EventReasoningStart {
		return true
	}
	if ev.Content == "" {
		return true
	}

	key := dedupKey(ev.Agent, ev.Content)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[key]; dup {
		metrics.ReasoningSuppressed.Inc()
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Reset clears the seen set. Called at run start so suppression never
// leaks across runs.
func (d *ReasoningDedup) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}

// dedupKey collapses whitespace so cosmetic reflowing of the same
// paragraph still matches.
func dedupKey(agent, content string) string {
	return agent + "\x00" + strings.Join(strings.Fields(content), " ")
}
