package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// FrameEvent wraps a JSON event payload in the wire sentinels.
func FrameEvent(t *testing.T, payload map[string]any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal frame payload: %v", err)
	}
	return "__CYBER_EVENT__" + string(data) + "__CYBER_EVENT_END__"
}

// WriteFixture writes lines to a transcript file in a temp dir and
// returns its path.
func WriteFixture(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer func() { _ = f.Close() }()
	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return path
}

// SampleTranscript returns a small realistic backend transcript: a
// banner line, one tool invocation with output, and a reasoning event.
func SampleTranscript(t *testing.T) []string {
	t.Helper()
	return []string{
		"agent booting",
		FrameEvent(t, map[string]any{
			"type":      "tool_start",
			"tool_name": "bash",
			"tool_input": map[string]any{
				"command": "ls -la",
			},
		}),
		"total 12",
		FrameEvent(t, map[string]any{
			"type":      "tool_end",
			"tool_name": "bash",
		}),
		FrameEvent(t, map[string]any{
			"type":    "reasoning",
			"agent":   "planner",
			"content": "the directory listing looks fine",
		}),
	}
}
