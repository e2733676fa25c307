// Package execution provides the backend abstraction layer: the
// Service contract every adapter implements, the selection factory,
// and the handle representing one live run attempt.
//
// types.go - Shared types for backend selection and execution
package execution

import (
	"time"
)

// Mode identifies a backend kind. Selected once per run attempt.
type Mode string

const (
	ModeLocal        Mode = "local"
	ModeDockerSingle Mode = "docker-single"
	ModeDockerStack  Mode = "docker-stack"
	ModeReplay       Mode = "replay"
)

// KnownModes lists every registrable mode in canonical order.
func KnownModes() []Mode {
	return []Mode{ModeLocal, ModeDockerSingle, ModeDockerStack, ModeReplay}
}

// Capabilities describes what a backend instance can do. Computed
// once per adapter instance and read-only afterwards.
type Capabilities struct {
	SupportsStreaming   bool     `json:"supports_streaming"`
	SupportsParallel    bool     `json:"supports_parallel"`
	MaxConcurrent       int      `json:"max_concurrent"`
	MissingRequirements []string `json:"missing_requirements,omitempty"`
}

// Severity tags a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding from a validation attempt.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ValidationResult is the outcome of one Validate call. Never mutated
// after construction.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
	Issues   []Issue  `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidResult returns a passing validation, optionally with warnings.
func ValidResult(warnings ...string) *ValidationResult {
	return &ValidationResult{Valid: true, Warnings: warnings}
}

// InvalidResult returns a failing validation with one error issue.
func InvalidResult(message string) *ValidationResult {
	return &ValidationResult{
		Valid:  false,
		Error:  message,
		Issues: []Issue{{Severity: SeverityError, Message: message}},
	}
}

// Result is the terminal outcome of one run attempt.
type Result struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Params are the inputs for one run.
type Params struct {
	// Prompt is the objective handed to the autonomous task.
	Prompt string

	// RunID identifies the run; assigned automatically when empty.
	RunID string

	WorkingDir string
	Env        []string
}

// NotificationKind tags entries in a service's notification stream.
type NotificationKind int

const (
	// NotifyStarted is emitted once the backend signals readiness.
	NotifyStarted NotificationKind = iota
	// NotifyEvent carries one canonical event.
	NotifyEvent
	// NotifyCompleted carries the terminal result of a finished run.
	NotifyCompleted
	// NotifyStopped reports a run terminated by Stop.
	NotifyStopped
	// NotifyError reports a spawn or runtime failure.
	NotifyError
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyStarted:
		return "started"
	case NotifyEvent:
		return "event"
	case NotifyCompleted:
		return "completed"
	case NotifyStopped:
		return "stopped"
	case NotifyError:
		return "error"
	default:
		return "unknown"
	}
}
