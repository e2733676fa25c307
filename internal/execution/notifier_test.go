package execution

import (
	"io"
	"strings"
	"testing"

	"github.com/HyphaGroup/palisade/internal/protocol"
)

func TestNotifier_OrderedDelivery(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	n.Started()
	n.Event(&protocol.Event{Type: protocol.EventOutput, Content: "hello"})
	n.Completed(Result{Success: true})

	wantKinds := []NotificationKind{NotifyStarted, NotifyEvent, NotifyCompleted}
	for i, want := range wantKinds {
		note := <-n.Channel()
		if note.Kind != want {
			t.Fatalf("notification %d kind = %v, want %v", i, note.Kind, want)
		}
	}
}

func TestNotifier_PublishAfterCloseDiscarded(t *testing.T) {
	n := NewNotifier()
	n.Close()
	n.Close() // idempotent

	// Must not block or panic.
	for i := 0; i < 300; i++ {
		n.Event(&protocol.Event{Type: protocol.EventOutput, Content: "late"})
	}

	select {
	case note := <-n.Channel():
		t.Fatalf("received %v after Close", note.Kind)
	default:
	}
}

func TestPumpStream_FramesAndRawInterleaved(t *testing.T) {
	input := "plain line\n" +
		"__CYBER_EVENT__{\"type\":\"tool_start\",\"tool_name\":\"bash\",\"tool_input\":{\"command\":\"ls\"}}__CYBER_EVENT_END__" +
		"tool says hi" +
		"__CYBER_EVENT__{\"type\":\"tool_end\",\"tool_name\":\"bash\"}__CYBER_EVENT_END__"

	n := NewNotifier()
	defer n.Close()
	if err := PumpStream(strings.NewReader(input), protocol.NewCodec(), n, nil); err != nil {
		t.Fatalf("PumpStream() error = %v", err)
	}

	var events []*protocol.Event
	for len(n.Channel()) > 0 {
		note := <-n.Channel()
		if note.Kind == NotifyEvent {
			events = append(events, note.Event)
		}
	}

	want := []protocol.EventType{
		protocol.EventOutput,
		protocol.EventToolStart,
		protocol.EventOutput,
		protocol.EventToolEnd,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i := range want {
		if events[i].Type != want[i] {
			t.Errorf("events[%d].Type = %v, want %v", i, events[i].Type, want[i])
		}
	}
	// The buffered tool output is attributed to the invocation.
	if events[2].Content != "tool says hi" || events[2].Tool != "bash" {
		t.Errorf("tool output = %+v", events[2])
	}
	if events[2].Metadata["fromToolBuffer"] != true {
		t.Error("tool output missing fromToolBuffer metadata")
	}
}

func TestPumpStream_ObserverSeesRawBytes(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	r := NewResponder(ModeLocal, ResponderConfig{
		Enabled:  true,
		Patterns: []string{"[y/N]"},
		Delay:    1,
		Grace:    1 << 30,
	}, func(string) error { return nil })
	defer r.Stop()

	if err := PumpStream(strings.NewReader("Continue? [y/N] "), protocol.NewCodec(), n, r); err != nil {
		t.Fatalf("PumpStream() error = %v", err)
	}

	r.mu.Lock()
	responded := r.responded
	r.mu.Unlock()
	if !responded {
		t.Error("responder did not observe the pumped bytes")
	}
}

func TestPumpStream_ErrorFlushesPartial(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("__CYBER_EVENT__{\"type\":\"tool_start\",\"tool_name\":\"bash\"}__CYBER_EVENT_END__trailing output"))
		_ = pw.CloseWithError(io.ErrUnexpectedEOF)
	}()

	n := NewNotifier()
	defer n.Close()
	err := PumpStream(pr, protocol.NewCodec(), n, nil)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("PumpStream() error = %v, want ErrUnexpectedEOF", err)
	}

	// The buffered tool output still came through on the flush.
	var sawTrailing bool
	for len(n.Channel()) > 0 {
		note := <-n.Channel()
		if note.Kind == NotifyEvent && strings.Contains(note.Event.Content, "trailing output") {
			sawTrailing = true
		}
	}
	if !sawTrailing {
		t.Error("buffered output lost on stream error")
	}
}
