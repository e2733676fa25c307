// Package testutil provides test doubles and fixtures shared across
// packages.
package testutil

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/palisade/internal/container"
)

// MockRuntime is a test double for container.Runtime. It records calls
// and allows scripting responses.
type MockRuntime struct {
	mu sync.Mutex

	// Configurable responses
	CreateError    error
	StartError     error
	StopError      error
	RemoveError    error
	AttachError    error
	PingError      error
	Available      bool
	ExitCode       int
	WaitError      error
	StdoutScript   string
	StderrScript   string
	ImageExistsFn  func(imageName string) (bool, error)
	PullError      error
	NetworkError   error
	networkCreated map[string]bool

	// Call tracking
	CreateCalls  []container.CreateConfig
	StartCalls   []string
	StopCalls    []string
	RemoveCalls  []RemoveCall
	AttachCalls  []string
	PullCalls    []string
	NetworkCalls []string

	// Container state
	Containers map[string]*container.Info

	// waitRelease, when non-nil, holds Wait until closed.
	waitRelease chan struct{}

	// stdin captures everything written to attached containers.
	stdin *lockedBuffer
}

// RemoveCall records a Remove call.
type RemoveCall struct {
	ContainerID string
	Force       bool
}

// NewMockRuntime creates a mock runtime with sensible defaults: the
// daemon is available, every image exists, and containers exit 0
// immediately after their stdout script drains.
func NewMockRuntime(t *testing.T) *MockRuntime {
	t.Helper()
	return &MockRuntime{
		Available:      true,
		Containers:     make(map[string]*container.Info),
		networkCreated: make(map[string]bool),
		stdin:          &lockedBuffer{},
	}
}

// HoldWait makes Wait block until ReleaseWait is called.
func (m *MockRuntime) HoldWait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitRelease = make(chan struct{})
}

// ReleaseWait unblocks a held Wait.
func (m *MockRuntime) ReleaseWait() {
	m.mu.Lock()
	ch := m.waitRelease
	m.waitRelease = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// StdinWritten returns everything written to attached stdin so far.
func (m *MockRuntime) StdinWritten() string {
	return m.stdin.String()
}

// Create implements container.Runtime.
func (m *MockRuntime) Create(_ context.Context, cfg container.CreateConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = append(m.CreateCalls, cfg)
	if m.CreateError != nil {
		return "", m.CreateError
	}
	id := "mock-" + cfg.Name
	m.Containers[id] = &container.Info{
		ID:        id,
		Name:      cfg.Name,
		Image:     cfg.Image,
		Status:    container.StatusCreated,
		Labels:    cfg.Labels,
		CreatedAt: time.Now(),
	}
	return id, nil
}

// Start implements container.Runtime.
func (m *MockRuntime) Start(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls = append(m.StartCalls, containerID)
	if m.StartError != nil {
		return m.StartError
	}
	if info, ok := m.Containers[containerID]; ok {
		info.Status = container.StatusRunning
		info.StartedAt = time.Now()
	}
	return nil
}

// Stop implements container.Runtime.
func (m *MockRuntime) Stop(_ context.Context, containerID string) error {
	m.mu.Lock()
	m.StopCalls = append(m.StopCalls, containerID)
	if info, ok := m.Containers[containerID]; ok {
		info.Status = container.StatusExited
	}
	err := m.StopError
	release := m.waitRelease
	m.waitRelease = nil
	m.mu.Unlock()
	// Stopping a container resolves any pending Wait, like the real
	// daemon does.
	if release != nil {
		close(release)
	}
	return err
}

// Remove implements container.Runtime.
func (m *MockRuntime) Remove(_ context.Context, containerID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoveCalls = append(m.RemoveCalls, RemoveCall{containerID, force})
	if m.RemoveError != nil {
		return m.RemoveError
	}
	delete(m.Containers, containerID)
	return nil
}

// Attach implements container.Runtime. Stdout and stderr replay the
// configured scripts and then close.
func (m *MockRuntime) Attach(_ context.Context, containerID string) (*container.AttachedStreams, error) {
	m.mu.Lock()
	m.AttachCalls = append(m.AttachCalls, containerID)
	if m.AttachError != nil {
		m.mu.Unlock()
		return nil, m.AttachError
	}
	stdoutScript := m.StdoutScript
	stderrScript := m.StderrScript
	m.mu.Unlock()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = io.WriteString(stdoutW, stdoutScript)
		_ = stdoutW.Close()
	}()
	go func() {
		_, _ = io.WriteString(stderrW, stderrScript)
		_ = stderrW.Close()
	}()

	return &container.AttachedStreams{
		Stdin:  nopWriteCloser{m.stdin},
		Stdout: stdoutR,
		Stderr: stderrR,
	}, nil
}

// Wait implements container.Runtime.
func (m *MockRuntime) Wait(ctx context.Context, _ string) (int, error) {
	m.mu.Lock()
	release := m.waitRelease
	code := m.ExitCode
	err := m.WaitError
	m.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return code, err
}

// Inspect implements container.Runtime.
func (m *MockRuntime) Inspect(_ context.Context, containerID string) (*container.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.Containers[containerID]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, context.Canceled
}

// List implements container.Runtime.
func (m *MockRuntime) List(_ context.Context, labels map[string]string) ([]container.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []container.Info
	for _, info := range m.Containers {
		match := true
		for k, v := range labels {
			if info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *info)
		}
	}
	return out, nil
}

// ImageExists implements container.Runtime.
func (m *MockRuntime) ImageExists(_ context.Context, imageName string) (bool, error) {
	if m.ImageExistsFn != nil {
		return m.ImageExistsFn(imageName)
	}
	return true, nil
}

// Pull implements container.Runtime.
func (m *MockRuntime) Pull(_ context.Context, imageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PullCalls = append(m.PullCalls, imageName)
	return m.PullError
}

// EnsureNetwork implements container.Runtime.
func (m *MockRuntime) EnsureNetwork(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NetworkCalls = append(m.NetworkCalls, name)
	if m.NetworkError != nil {
		return "", m.NetworkError
	}
	m.networkCreated[name] = true
	return "net-" + name, nil
}

// RemoveNetwork implements container.Runtime.
func (m *MockRuntime) RemoveNetwork(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.networkCreated, name)
	return nil
}

// Ping implements container.Runtime.
func (m *MockRuntime) Ping(context.Context) error { return m.PingError }

// Close implements container.Runtime.
func (m *MockRuntime) Close() error { return nil }

// Name implements container.Runtime.
func (m *MockRuntime) Name() string { return "mock" }

// IsAvailable implements container.Runtime.
func (m *MockRuntime) IsAvailable() bool { return m.Available }

// lockedBuffer is a concurrency-safe byte buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
