// Package protocol implements the wire-level event protocol between
// palisade and its execution backends.
//
// normalize.go - Canonical event normalization
//
// This file contains:
// - Normalizer, which converts one decoded frame into a canonical Event
// - Field alias resolution (tool_name over tool, tool_input over args)
// - Shell command stringification for every legacy command shape
// - Deterministic tool-invocation id derivation when the wire omits one
//
// Unrecognized event types pass through with their original type tag
// and fields preserved, to be handled by a generic fallback downstream.

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Normalizer converts raw decoded frames into canonical events. It
// keeps per-tool ordinals so invocation ids derived for id-less
// payloads are stable across equivalent streams. Not safe for
// concurrent use; each stream owns one normalizer.
type Normalizer struct {
	ordinals map[string]int
	lastID   map[string]string
}

// NewNormalizer returns a normalizer with empty ordinal state.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		ordinals: make(map[string]int),
		lastID:   make(map[string]string),
	}
}

// Normalize converts one raw frame into a canonical Event. It never
// returns nil: frames with no recognizable type become output events.
func (n *Normalizer) Normalize(raw map[string]any) *Event {
	typ, _ := raw["type"].(string)

	ev := &Event{
		Type:      EventType(typ),
		Raw:       raw,
		Timestamp: eventTimestamp(raw),
	}
	if md, ok := raw["metadata"].(map[string]any); ok {
		ev.Metadata = md
	}
	ev.Agent = stringField(raw, "agent", "agent_id", "agent_name")

	switch EventType(typ) {
	case EventToolStart:
		ev.Tool = stringField(raw, "tool_name", "tool")
		ev.Input = inputMap(firstField(raw, "tool_input", "args"))
		ev.ToolID = stringField(raw, "tool_id", "tool_use_id", "id")
		if ev.ToolID == "" {
			ev.ToolID = n.deriveToolID(ev.Tool)
		}
		n.lastID[ev.Tool] = ev.ToolID
		if cmd, ok := ev.Input["command"]; ok {
			// Rewrite a copy; Raw must keep the wire shape of
			// tool_input untouched.
			in := make(map[string]any, len(ev.Input))
			for k, v := range ev.Input {
				in[k] = v
			}
			in["command"] = CommandPreview(cmd)
			ev.Input = in
			ev.Content, _ = in["command"].(string)
		}

	case EventToolOutput, EventOutput:
		ev.Tool = stringField(raw, "tool_name", "tool")
		ev.ToolID = n.resolveToolID(raw, ev.Tool)
		ev.Content = stringify(firstField(raw, "content", "output"))

	case EventToolEnd:
		ev.Tool = stringField(raw, "tool_name", "tool")
		ev.ToolID = n.resolveToolID(raw, ev.Tool)
		ev.Content = stringify(firstField(raw, "content", "result"))

	case EventCommand:
		ev.Content = unwrapCommand(stringify(raw["content"]))

	case EventReasoning, EventReasoningStart, EventReasoningDelta:
		ev.Content = stringify(raw["content"])

	case EventStepHeader:
		if f, ok := raw["step"].(float64); ok {
			ev.Step = int(f)
		}
		ev.Content = stringify(raw["content"])

	case EventSwarmStart, EventMetricsUpdate, EventTermination, EventError:
		ev.Content = stringify(raw["content"])

	default:
		// Unknown type: preserve the tag verbatim, or fall back to a
		// plain output event when the frame carries no type at all.
		if typ == "" {
			ev.Type = EventOutput
		}
		ev.Content = stringify(raw["content"])
	}

	return ev
}

// deriveToolID produces a stable id from the tool name and its
// invocation ordinal within this stream.
func (n *Normalizer) deriveToolID(tool string) string {
	if tool == "" {
		tool = "tool"
	}
	n.ordinals[tool]++
	return fmt.Sprintf("%s-%d", strings.ReplaceAll(tool, " ", "_"), n.ordinals[tool])
}

// resolveToolID finds the invocation id for a follow-up event,
// falling back to the most recent id recorded for the same tool.
func (n *Normalizer) resolveToolID(raw map[string]any, tool string) string {
	if id := stringField(raw, "tool_id", "tool_use_id", "id"); id != "" {
		return id
	}
	if id, ok := n.lastID[tool]; ok {
		return id
	}
	if tool == "" {
		return ""
	}
	id := n.deriveToolID(tool)
	n.lastID[tool] = id
	return id
}

// CommandPreview renders any legacy shape of a shell command field as
// one displayable string. Shapes seen on the wire: a plain string, a
// JSON-string-encoded object or array, and an array mixing strings
// with {command, timeout} objects.
func CommandPreview(v any) string {
	switch cmd := v.(type) {
	case string:
		trimmed := strings.TrimSpace(cmd)
		if len(trimmed) > 1 && (trimmed[0] == '{' || trimmed[0] == '[') {
			var decoded any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return CommandPreview(decoded)
			}
		}
		return cmd
	case []any:
		parts := make([]string, 0, len(cmd))
		for _, item := range cmd {
			parts = append(parts, CommandPreview(item))
		}
		return strings.Join(parts, " && ")
	case map[string]any:
		if inner, ok := cmd["command"].(string); ok {
			if timeout, ok := cmd["timeout"].(float64); ok {
				return fmt.Sprintf("%s (timeout %gs)", inner, timeout)
			}
			return inner
		}
		// No command key: compact JSON is still displayable, unlike a
		// generic object placeholder.
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Sprintf("%v", cmd)
		}
		return string(data)
	case nil:
		return ""
	default:
		return fmt.Sprint(cmd)
	}
}

// unwrapCommand extracts the inner command string when content is
// itself JSON carrying a command field.
func unwrapCommand(content string) string {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return content
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return content
	}
	if inner, ok := decoded["command"].(string); ok {
		return inner
	}
	return content
}

// stringField returns the first non-empty string among the named
// fields, in priority order.
func stringField(raw map[string]any, names ...string) string {
	for _, name := range names {
		if s, ok := raw[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstField returns the first present field among names.
func firstField(raw map[string]any, names ...string) any {
	for _, name := range names {
		if v, ok := raw[name]; ok && v != nil {
			return v
		}
	}
	return nil
}

// inputMap coerces a tool input of any legacy shape into a map.
func inputMap(v any) map[string]any {
	switch in := v.(type) {
	case map[string]any:
		return in
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(in), &decoded); err == nil {
			return decoded
		}
		return map[string]any{"value": in}
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"value": v}
	}
}

// stringify renders an arbitrary field value as display text.
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func eventTimestamp(raw map[string]any) int64 {
	if f, ok := raw["timestamp"].(float64); ok {
		return int64(f)
	}
	return time.Now().UnixMilli()
}
