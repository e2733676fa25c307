package execution

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/palisade/internal/config"
)

// fakeService is a scriptable Service for selection tests.
type fakeService struct {
	mode          Mode
	supported     bool
	missing       []string
	validation    *ValidationResult
	validateDelay time.Duration
	cleanups      atomic.Int32
}

func (f *fakeService) Mode() Mode { return f.mode }

func (f *fakeService) Capabilities() *Capabilities {
	return &Capabilities{SupportsStreaming: true, MaxConcurrent: 1, MissingRequirements: f.missing}
}

func (f *fakeService) IsSupported(*config.Config) bool { return f.supported }

func (f *fakeService) Validate(_ context.Context, _ *config.Config) *ValidationResult {
	if f.validateDelay > 0 {
		// Deliberately ignores the context: a hung validator is
		// exactly what the timeout must defend against.
		time.Sleep(f.validateDelay)
	}
	return f.validation
}

func (f *fakeService) Execute(context.Context, Params, *config.Config) (*Handle, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeService) Notifications() <-chan Notification { return nil }

func (f *fakeService) Cleanup() error {
	f.cleanups.Add(1)
	return nil
}

func testConfig(preferred string, fallbacks ...string) *config.Config {
	cfg := config.Default()
	cfg.Execution.Preferred = preferred
	cfg.Execution.Fallbacks = fallbacks
	cfg.Execution.ValidationTimeoutSec = 1
	return cfg
}

func TestSelectService_FirstValidWins(t *testing.T) {
	a := &fakeService{mode: ModeLocal, supported: false, missing: []string{"no shell"}}
	b := &fakeService{mode: ModeDockerSingle, supported: true, validation: InvalidResult("daemon unreachable")}
	c := &fakeService{mode: ModeDockerStack, supported: true, validation: ValidResult()}

	registry := NewRegistry()
	registry.Register(ModeLocal, func() Service { return a })
	registry.Register(ModeDockerSingle, func() Service { return b })
	registry.Register(ModeDockerStack, func() Service { return c })

	factory := NewFactory(registry, nil)
	cfg := testConfig("local", "docker-single", "docker-stack")

	sel, err := factory.SelectService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("SelectService() error = %v", err)
	}
	if sel.Mode != ModeDockerStack {
		t.Errorf("Mode = %v, want %v", sel.Mode, ModeDockerStack)
	}
	if sel.Service != c {
		t.Error("selected service is not the valid candidate")
	}
	if sel.Preferred {
		t.Error("Preferred = true for a fallback selection")
	}

	if len(sel.Rejected) != 2 {
		t.Fatalf("Rejected = %d entries, want 2", len(sel.Rejected))
	}
	if sel.Rejected[0].Mode != ModeLocal || sel.Rejected[0].Stage != "supported" {
		t.Errorf("Rejected[0] = %+v, want local/supported", sel.Rejected[0])
	}
	if sel.Rejected[1].Mode != ModeDockerSingle || sel.Rejected[1].Stage != "validate" {
		t.Errorf("Rejected[1] = %+v, want docker-single/validate", sel.Rejected[1])
	}
	if sel.Rejected[1].Reason != "daemon unreachable" {
		t.Errorf("Rejected[1].Reason = %q", sel.Rejected[1].Reason)
	}

	// Rejected candidates are cleaned up; the winner is not.
	if got := a.cleanups.Load(); got != 1 {
		t.Errorf("a.cleanups = %d, want 1", got)
	}
	if got := b.cleanups.Load(); got != 1 {
		t.Errorf("b.cleanups = %d, want 1", got)
	}
	if got := c.cleanups.Load(); got != 0 {
		t.Errorf("c.cleanups = %d, want 0", got)
	}
}

func TestSelectService_AllRejected(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ModeLocal, func() Service {
		return &fakeService{mode: ModeLocal, supported: true, validation: InvalidResult("no command")}
	})

	factory := NewFactory(registry, nil)
	cfg := testConfig("local", "docker-single")

	_, err := factory.SelectService(context.Background(), cfg)
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("error = %v, want ErrNoBackend", err)
	}
	// The error names every mode and reason, including the
	// unregistered fallback.
	for _, want := range []string{"local: no command", "docker-single:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestSelectService_ValidationTimeout(t *testing.T) {
	slow := &fakeService{
		mode:          ModeLocal,
		supported:     true,
		validation:    ValidResult(),
		validateDelay: 5 * time.Second,
	}
	registry := NewRegistry()
	registry.Register(ModeLocal, func() Service { return slow })

	factory := NewFactory(registry, nil)
	cfg := testConfig("local")

	start := time.Now()
	_, err := factory.SelectService(context.Background(), cfg)
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("error = %v, want ErrNoBackend", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("selection took %v, want bounded by the 1s validation timeout", elapsed)
	}
	if !strings.Contains(err.Error(), "Validation timeout") {
		t.Errorf("error %q missing timeout reason", err.Error())
	}
	if got := slow.cleanups.Load(); got != 1 {
		t.Errorf("cleanups = %d, want 1", got)
	}
}

func TestSelectService_PreferredFlag(t *testing.T) {
	svc := &fakeService{mode: ModeLocal, supported: true, validation: ValidResult()}
	registry := NewRegistry()
	registry.Register(ModeLocal, func() Service { return svc })

	factory := NewFactory(registry, nil)
	sel, err := factory.SelectService(context.Background(), testConfig("local"))
	if err != nil {
		t.Fatalf("SelectService() error = %v", err)
	}
	if !sel.Preferred {
		t.Error("Preferred = false, want true when the preferred mode wins")
	}
	if len(sel.Rejected) != 0 {
		t.Errorf("Rejected = %v, want empty", sel.Rejected)
	}
}

func TestCandidateOrder_Deduplication(t *testing.T) {
	factory := NewFactory(NewRegistry(), nil)
	cfg := testConfig("local", "local", "docker-single", "docker-single")

	got := factory.candidateOrder(cfg)
	want := []Mode{ModeLocal, ModeDockerSingle}
	if len(got) != len(want) {
		t.Fatalf("candidateOrder = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidateOrder[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCandidateOrder_DerivedPolicy(t *testing.T) {
	factory := NewFactory(NewRegistry(), nil)

	cfg := config.Default()
	got := factory.candidateOrder(cfg)
	if len(got) == 0 || got[0] != ModeLocal {
		t.Errorf("default order = %v, want local first", got)
	}

	cfg.Observability.Enabled = true
	got = factory.candidateOrder(cfg)
	if len(got) == 0 || got[0] != ModeDockerStack {
		t.Errorf("observability order = %v, want docker-stack first", got)
	}
}

func TestRegistry_UnknownMode(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.New(ModeReplay); err == nil {
		t.Fatal("New() on empty registry: want error")
	}

	registry.Register(ModeReplay, func() Service { return &fakeService{mode: ModeReplay} })
	svc, err := registry.New(ModeReplay)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if svc.Mode() != ModeReplay {
		t.Errorf("Mode() = %v, want replay", svc.Mode())
	}

	modes := registry.Modes()
	if len(modes) != 1 || modes[0] != ModeReplay {
		t.Errorf("Modes() = %v", modes)
	}
}
