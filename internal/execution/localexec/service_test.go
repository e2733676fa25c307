package localexec

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/execution"
	"github.com/HyphaGroup/palisade/internal/protocol"
)

func shellConfig() *config.Config {
	cfg := config.Default()
	cfg.Local.Command = "sh"
	cfg.Local.Args = []string{"-c"}
	cfg.Execution.AutoResponse.Enabled = false
	return cfg
}

// runToCompletion executes prompt and returns every notification up to
// and including the terminal one.
func runToCompletion(t *testing.T, svc *Service, cfg *config.Config, prompt string) []execution.Notification {
	t.Helper()

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: prompt, RunID: "test-run"}, cfg)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	var notes []execution.Notification
	for {
		select {
		case note := <-svc.Notifications():
			notes = append(notes, note)
			switch note.Kind {
			case execution.NotifyCompleted, execution.NotifyStopped, execution.NotifyError:
				return notes
			}
		case <-ctx.Done():
			t.Fatalf("no terminal notification; got %d so far", len(notes))
		}
	}
}

func terminal(notes []execution.Notification) execution.Notification {
	return notes[len(notes)-1]
}

func outputText(notes []execution.Notification) string {
	var sb strings.Builder
	for _, note := range notes {
		if note.Kind == execution.NotifyEvent && note.Event.Type == protocol.EventOutput {
			sb.WriteString(note.Event.Content)
		}
	}
	return sb.String()
}

func TestService_IsSupported(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	cfg := shellConfig()
	if !svc.IsSupported(cfg) {
		t.Error("IsSupported() = false for sh")
	}

	cfg.Local.Command = ""
	if svc.IsSupported(cfg) {
		t.Error("IsSupported() = true with no command")
	}

	cfg.Local.Command = "palisade-no-such-binary"
	if svc.IsSupported(cfg) {
		t.Error("IsSupported() = true for a missing binary")
	}
}

func TestService_Validate(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	cfg := shellConfig()
	if vr := svc.Validate(context.Background(), cfg); !vr.Valid {
		t.Errorf("Validate() invalid: %s", vr.Error)
	}

	cfg.Local.WorkingDir = "/palisade-does-not-exist"
	if vr := svc.Validate(context.Background(), cfg); vr.Valid {
		t.Error("Validate() valid with missing working directory")
	}

	cfg = shellConfig()
	cfg.Local.Command = "palisade-no-such-binary"
	if vr := svc.Validate(context.Background(), cfg); vr.Valid {
		t.Error("Validate() valid for a missing binary")
	}
}

func TestExecute_StreamsOutputAndCompletes(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	notes := runToCompletion(t, svc, shellConfig(), "echo hello-from-run")

	if notes[0].Kind != execution.NotifyStarted {
		t.Errorf("first notification = %v, want started", notes[0].Kind)
	}
	if !strings.Contains(outputText(notes), "hello-from-run") {
		t.Error("output event missing process stdout")
	}

	term := terminal(notes)
	if term.Kind != execution.NotifyCompleted {
		t.Fatalf("terminal = %v, want completed", term.Kind)
	}
	if !term.Result.Success || term.Result.ExitCode != 0 {
		t.Errorf("result = %+v", term.Result)
	}
}

func TestExecute_FramedEventsDecoded(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	prompt := `printf '__CYBER_EVENT__{"type":"tool_start","tool_name":"bash","tool_input":{"command":"true"}}__CYBER_EVENT_END__'`
	notes := runToCompletion(t, svc, shellConfig(), prompt)

	var sawToolStart bool
	for _, note := range notes {
		if note.Kind == execution.NotifyEvent && note.Event.Type == protocol.EventToolStart {
			sawToolStart = true
			if note.Event.Tool != "bash" {
				t.Errorf("Tool = %q, want bash", note.Event.Tool)
			}
			if note.Event.ToolID == "" {
				t.Error("tool_start missing derived tool id")
			}
		}
	}
	if !sawToolStart {
		t.Error("framed tool_start not decoded from subprocess stdout")
	}
}

func TestExecute_StderrForwarded(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	notes := runToCompletion(t, svc, shellConfig(), "echo warn-line >&2")

	var found bool
	for _, note := range notes {
		if note.Kind != execution.NotifyEvent {
			continue
		}
		if strings.Contains(note.Event.Content, "warn-line") {
			found = true
			if note.Event.Metadata["stream"] != "stderr" {
				t.Errorf("stderr event metadata = %v", note.Event.Metadata)
			}
		}
	}
	if !found {
		t.Error("stderr output not forwarded as an event")
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	notes := runToCompletion(t, svc, shellConfig(), "exit 3")

	term := terminal(notes)
	if term.Kind != execution.NotifyCompleted {
		t.Fatalf("terminal = %v, want completed", term.Kind)
	}
	if term.Result.Success {
		t.Error("Success = true for exit 3")
	}
	if term.Result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", term.Result.ExitCode)
	}
}

func TestExecute_StopTerminatesRun(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "sleep 30"}, shellConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	handle.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("run did not resolve after Stop: %v", err)
	}

	for {
		select {
		case note := <-svc.Notifications():
			if note.Kind == execution.NotifyStopped {
				return
			}
			if note.Kind == execution.NotifyCompleted {
				t.Fatal("got completed, want stopped")
			}
		case <-ctx.Done():
			t.Fatal("no stopped notification")
		}
	}
}

func TestExecute_RefusesConcurrentRuns(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "sleep 30"}, shellConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	defer handle.Stop()

	if _, err := svc.Execute(context.Background(), execution.Params{Prompt: "echo no"}, shellConfig()); err == nil {
		t.Error("second Execute() succeeded, want already-active error")
	}
}

func TestExecute_SimultaneousStartsWinOneSlot(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	// Both callers race past any unsynchronized guard; exactly one may
	// ever hold the slot.
	for i := 0; i < 10; i++ {
		handles := make([]*execution.Handle, 2)
		errs := make([]error, 2)
		start := make(chan struct{})
		var done sync.WaitGroup
		done.Add(2)
		for j := range handles {
			go func(j int) {
				defer done.Done()
				<-start
				handles[j], errs[j] = svc.Execute(context.Background(),
					execution.Params{Prompt: "sleep 30"}, shellConfig())
			}(j)
		}
		close(start)
		done.Wait()

		var succeeded int
		for _, err := range errs {
			if err == nil {
				succeeded++
			}
		}
		if succeeded != 1 {
			t.Fatalf("iteration %d: %d Executes succeeded, want exactly 1", i, succeeded)
		}

		for j, err := range errs {
			if err != nil {
				continue
			}
			handles[j].Stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, werr := handles[j].Wait(ctx)
			cancel()
			if werr != nil {
				t.Fatalf("iteration %d: run did not resolve after Stop: %v", i, werr)
			}
		}
	}
}

func TestExecute_SpawnFailureResolvesHandle(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	cfg := shellConfig()
	cfg.Local.Command = "palisade-no-such-binary"

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "x"}, cfg)
	if err != nil {
		t.Fatalf("Execute() error = %v, spawn failures must resolve via the handle", err)
	}
	if handle.IsActive() {
		t.Error("handle active after spawn failure")
	}
	if res := handle.Result(); res.Success || res.Error == "" {
		t.Errorf("result = %+v, want failure with reason", res)
	}

	note := <-svc.Notifications()
	if note.Kind != execution.NotifyError {
		t.Errorf("notification = %v, want error", note.Kind)
	}
}

func TestExecute_SendText(t *testing.T) {
	svc := New()
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(),
		execution.Params{Prompt: `read line; echo "got:$line"`}, shellConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := handle.SendText("ping"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	var sb strings.Builder
	for len(svc.Notifications()) > 0 {
		note := <-svc.Notifications()
		if note.Kind == execution.NotifyEvent {
			sb.WriteString(note.Event.Content)
		}
	}
	if !strings.Contains(sb.String(), "got:ping") {
		t.Errorf("output = %q, want echoed stdin line", sb.String())
	}
}
