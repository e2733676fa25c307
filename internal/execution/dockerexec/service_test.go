package dockerexec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/execution"
	"github.com/HyphaGroup/palisade/internal/protocol"
	"github.com/HyphaGroup/palisade/internal/testutil"
)

func dockerConfig() *config.Config {
	cfg := config.Default()
	cfg.Docker.Image = "palisade-agent:test"
	cfg.Docker.MaxConcurrent = 1
	cfg.Execution.AutoResponse.Enabled = false
	return cfg
}

func drainUntilTerminal(t *testing.T, svc *Service, handle *execution.Handle) []execution.Notification {
	t.Helper()
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

func TestValidate_PullsMissingImage(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.ImageExistsFn = func(string) (bool, error) { return false, nil }

	svc := NewWithRuntime(rt)
	cfg := dockerConfig()

	vr := svc.Validate(context.Background(), cfg)
	if !vr.Valid {
		t.Fatalf("Validate() invalid: %s", vr.Error)
	}
	if len(rt.PullCalls) != 1 || rt.PullCalls[0] != cfg.Docker.Image {
		t.Errorf("PullCalls = %v", rt.PullCalls)
	}
}

func TestValidate_MissingImageWithoutPull(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.ImageExistsFn = func(string) (bool, error) { return false, nil }

	svc := NewWithRuntime(rt)
	cfg := dockerConfig()
	cfg.Docker.PullIfMissing = false

	if vr := svc.Validate(context.Background(), cfg); vr.Valid {
		t.Error("Validate() valid with missing image and pulls disabled")
	}
}

func TestValidate_DaemonUnreachable(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.PingError = errors.New("connection refused")

	svc := NewWithRuntime(rt)
	if vr := svc.Validate(context.Background(), dockerConfig()); vr.Valid {
		t.Error("Validate() valid with unreachable daemon")
	}
}

func TestExecute_ContainerLifecycle(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.StdoutScript = "container says hi\n"

	svc := NewWithRuntime(rt)
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(),
		execution.Params{Prompt: "do the thing", RunID: "run-abc"}, dockerConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	notes := drainUntilTerminal(t, svc, handle)

	if len(rt.CreateCalls) != 1 {
		t.Fatalf("CreateCalls = %d, want 1", len(rt.CreateCalls))
	}
	created := rt.CreateCalls[0]
	if created.Labels[LabelRun] != "run-abc" || created.Labels[LabelManaged] != "true" {
		t.Errorf("labels = %v", created.Labels)
	}
	if !created.OpenStdin {
		t.Error("container created without open stdin")
	}
	if len(created.Cmd) != 1 || created.Cmd[0] != "do the thing" {
		t.Errorf("Cmd = %v, want the prompt", created.Cmd)
	}

	// Attach must precede start so no output is lost.
	if len(rt.AttachCalls) != 1 || len(rt.StartCalls) != 1 {
		t.Fatalf("attach=%d start=%d, want 1 each", len(rt.AttachCalls), len(rt.StartCalls))
	}

	var output strings.Builder
	for _, note := range notes {
		if note.Kind == execution.NotifyEvent && note.Event.Type == protocol.EventOutput {
			output.WriteString(note.Event.Content)
		}
	}
	if !strings.Contains(output.String(), "container says hi") {
		t.Error("container stdout not streamed")
	}

	term := notes[len(notes)-1]
	if term.Kind != execution.NotifyCompleted || !term.Result.Success {
		t.Errorf("terminal = %v result = %+v", term.Kind, term.Result)
	}

	// The finished container is removed.
	if len(rt.RemoveCalls) == 0 {
		t.Error("finished container not removed")
	}
}

func TestExecute_NonZeroExitCode(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.ExitCode = 2

	svc := NewWithRuntime(rt)
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "x"}, dockerConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	notes := drainUntilTerminal(t, svc, handle)

	term := notes[len(notes)-1]
	if term.Kind != execution.NotifyCompleted {
		t.Fatalf("terminal = %v", term.Kind)
	}
	if term.Result.Success || term.Result.ExitCode != 2 {
		t.Errorf("result = %+v, want exit code 2 failure", term.Result)
	}
}

func TestExecute_StopStopsContainer(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.HoldWait()

	svc := NewWithRuntime(rt)
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "x"}, dockerConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	handle.Stop()
	notes := drainUntilTerminal(t, svc, handle)

	if len(rt.StopCalls) != 1 {
		t.Errorf("StopCalls = %d, want 1", len(rt.StopCalls))
	}
	if term := notes[len(notes)-1]; term.Kind != execution.NotifyStopped {
		t.Errorf("terminal = %v, want stopped", term.Kind)
	}
}

func TestExecute_ConcurrencyLimit(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.HoldWait()

	svc := NewWithRuntime(rt)
	defer func() { _ = svc.Cleanup() }()

	cfg := dockerConfig()
	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "a"}, cfg)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	defer handle.Stop()

	if _, err := svc.Execute(context.Background(), execution.Params{Prompt: "b"}, cfg); err == nil {
		t.Error("second Execute() succeeded beyond MaxConcurrent=1")
	}
}

func TestExecute_SimultaneousStartsHonorLimit(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.HoldWait()

	svc := NewWithRuntime(rt)
	defer func() { _ = svc.Cleanup() }()

	// Two callers hit the limit check at the same instant; only one
	// may get a container.
	cfg := dockerConfig()
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
				execution.Params{Prompt: "x"}, cfg)
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
		t.Fatalf("%d Executes succeeded, want exactly 1", succeeded)
	}
	if len(rt.CreateCalls) != 1 {
		t.Errorf("CreateCalls = %d, want 1", len(rt.CreateCalls))
	}
	for j, err := range errs {
		if err == nil {
			handles[j].Stop()
		}
	}
}

func TestExecute_CreateFailureResolvesHandle(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.CreateError = errors.New("no space left on device")

	svc := NewWithRuntime(rt)
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "x"}, dockerConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v, creation failures must resolve via the handle", err)
	}
	if handle.IsActive() {
		t.Error("handle active after create failure")
	}
	if res := handle.Result(); res.Success || !strings.Contains(res.Error, "no space") {
		t.Errorf("result = %+v", res)
	}
}

func TestSendText_WritesToStdin(t *testing.T) {
	rt := testutil.NewMockRuntime(t)
	rt.HoldWait()

	svc := NewWithRuntime(rt)
	defer func() { _ = svc.Cleanup() }()

	handle, err := svc.Execute(context.Background(), execution.Params{Prompt: "x"}, dockerConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	defer handle.Stop()

	if err := handle.SendText("hello container"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := handle.SendCommand(protocol.Command{
		Type:    protocol.CommandSubmitFeedback,
		Content: "looks good",
	}); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	written := rt.StdinWritten()
	if !strings.Contains(written, "hello container\n") {
		t.Errorf("stdin = %q, missing text line", written)
	}
	if !strings.Contains(written, "__HITL_COMMAND__") || !strings.Contains(written, "__HITL_COMMAND_END__") {
		t.Errorf("stdin = %q, missing command envelope", written)
	}
}
