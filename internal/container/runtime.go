// Package container defines the container runtime abstraction used by
// the containerized execution backends.
package container

import (
	"context"
	"io"
	"time"
)

// Runtime is the container runtime abstraction. The Docker
// implementation is the only one in tree; the interface keeps the
// adapters testable without a daemon.
type Runtime interface {
	// Lifecycle
	Create(ctx context.Context, config CreateConfig) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error

	// Streams
	Attach(ctx context.Context, containerID string) (*AttachedStreams, error)
	Wait(ctx context.Context, containerID string) (int, error)

	// Inspection
	Inspect(ctx context.Context, containerID string) (*Info, error)
	List(ctx context.Context, labels map[string]string) ([]Info, error)

	// Images
	ImageExists(ctx context.Context, imageName string) (bool, error)
	Pull(ctx context.Context, imageName string) error

	// Networks
	EnsureNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error

	// Health
	Ping(ctx context.Context) error
	Close() error

	// Metadata
	Name() string
	IsAvailable() bool
}

// AttachedStreams is a live duplex attachment to one container.
type AttachedStreams struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Close closes all attached streams.
func (a *AttachedStreams) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	if a.Stdout != nil {
		_ = a.Stdout.Close()
	}
	if a.Stderr != nil {
		_ = a.Stderr.Close()
	}
	return nil
}

// CreateConfig for container creation.
type CreateConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Entrypoint  []string
	Env         []string
	WorkingDir  string
	Labels      map[string]string
	NetworkMode string
	Memory      string // e.g. "4G", "2048M"
	CPUs        int
	OpenStdin   bool
	AutoRemove  bool
}

// Status enum.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
	StatusUnknown Status = "unknown"
)

// Info contains inspection data.
type Info struct {
	ID        string
	Name      string
	Image     string
	Status    Status
	Labels    map[string]string
	CreatedAt time.Time
	StartedAt time.Time
	ExitCode  int
}
