// Package protocol implements the wire-level event protocol between
// palisade and its execution backends.
//
// events.go - Canonical event types
//
// This file contains:
// - EventType constants for the normalized event stream
// - Event, the canonical shape all backends are normalized into
// - Command, the structured stdin envelope for out-of-band feedback
//
// Event is the one shape every downstream consumer (buffering, dedup,
// presentation) relies on, regardless of which backend produced it or
// which legacy field names appeared on the wire.

package protocol

// EventType identifies the kind of a canonical event.
type EventType string

const (
	EventToolStart      EventType = "tool_start"
	EventToolOutput     EventType = "tool_output"
	EventOutput         EventType = "output"
	EventToolEnd        EventType = "tool_end"
	EventReasoning      EventType = "reasoning"
	EventReasoningStart EventType = "reasoning_start"
	EventReasoningDelta EventType = "reasoning_delta"
	EventStepHeader     EventType = "step_header"
	EventSwarmStart     EventType = "swarm_start"
	EventMetricsUpdate  EventType = "metrics_update"
	EventTermination    EventType = "termination_reason"
	EventCommand        EventType = "command"
	EventError          EventType = "error"
)

// Event is a single normalized event in a run's stream.
// Once produced by the codec an Event is never mutated; downstream
// stages only filter it or annotate copies via Metadata.
type Event struct {
	Type EventType `json:"type"`

	// Tool invocation fields. ToolID correlates tool_start,
	// tool_output/output and tool_end for one invocation.
	ToolID string         `json:"tool_id,omitempty"`
	Tool   string         `json:"tool_name,omitempty"`
	Input  map[string]any `json:"tool_input,omitempty"`

	// Content carries text for output, reasoning, command and
	// termination events.
	Content string `json:"content,omitempty"`

	// Agent is the logical agent identifier for swarm runs.
	Agent string `json:"agent,omitempty"`

	// Step is the step ordinal for step_header events.
	Step int `json:"step,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	// Raw preserves the decoded frame for backend-specific fields.
	Raw map[string]any `json:"-"`
}

// Clone returns a copy of the event with its own Metadata map.
func (e *Event) Clone() *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// IsChunked reports whether the event is one fragment of a larger
// logical payload.
func (e *Event) IsChunked() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata["chunked"].(bool)
	return ok && v
}

// Command types accepted by backends over the stdin envelope.
const (
	CommandSubmitFeedback        = "submit_feedback"
	CommandConfirmInterpretation = "confirm_interpretation"
	CommandManualIntervention    = "request_manual_intervention"
)

// Command is the structured out-of-band envelope written to a
// backend's stdin, framed as __HITL_COMMAND__<json>__HITL_COMMAND_END__.
type Command struct {
	Type    string         `json:"type"`
	Content string         `json:"content,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}
