// Package config holds the configuration consumed by the execution
// core. Loading is deliberately thin: the presentation layer owns the
// full user-facing configuration surface; this package reads only the
// fields backend selection and the adapters need.
package config

import "time"

// Config is the root configuration for a palisade process.
type Config struct {
	LogDir  string `json:"log_dir"`
	LogJSON bool   `json:"log_json"`
	DataDir string `json:"data_dir"`

	Execution     ExecutionConfig     `json:"execution"`
	Local         LocalConfig         `json:"local"`
	Docker        DockerConfig        `json:"docker"`
	Stack         StackConfig         `json:"stack"`
	Replay        ReplayConfig        `json:"replay"`
	Observability ObservabilityConfig `json:"observability"`
}

// ExecutionConfig controls backend selection and stream policy.
type ExecutionConfig struct {
	// Preferred is the mode tried first. Empty means the order is
	// derived from deployment configuration.
	Preferred string `json:"preferred"`

	// Fallbacks are tried in order after Preferred; duplicates and
	// the preferred mode itself are skipped.
	Fallbacks []string `json:"fallbacks"`

	// ValidationTimeoutSec bounds each candidate's Validate call.
	ValidationTimeoutSec int `json:"validation_timeout_sec"`

	// EventBudgetBytes is the ring buffer byte budget per run.
	EventBudgetBytes int `json:"event_budget_bytes"`

	AutoResponse AutoResponseConfig `json:"auto_response"`
}

// ValidationTimeout returns the per-candidate validation timeout.
func (e ExecutionConfig) ValidationTimeout() time.Duration {
	if e.ValidationTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(e.ValidationTimeoutSec) * time.Second
}

// AutoResponseConfig controls the interactive-prompt auto-responder.
type AutoResponseConfig struct {
	Enabled bool `json:"enabled"`

	// Answer is the affirmative line written to the backend's stdin.
	Answer string `json:"answer"`

	// Patterns are backend prompt markers scanned for in the raw
	// output tail.
	Patterns []string `json:"patterns"`

	// DelayMs is the settle delay between prompt detection and the
	// write, so the backend's own buffered output lands first.
	DelayMs int `json:"delay_ms"`

	// GraceMs is the fallback window after the backend signals
	// readiness; if no prompt is seen within it, the answer is
	// written anyway.
	GraceMs int `json:"grace_ms"`
}

// Delay returns the settle delay before an auto-response write.
func (a AutoResponseConfig) Delay() time.Duration {
	if a.DelayMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(a.DelayMs) * time.Millisecond
}

// Grace returns the fallback window after the init signal.
func (a AutoResponseConfig) Grace() time.Duration {
	if a.GraceMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.GraceMs) * time.Millisecond
}

// LocalConfig configures the local-subprocess backend.
type LocalConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	WorkingDir string   `json:"working_dir"`
	Env        []string `json:"env"`
}

// DockerConfig configures the single-container backend.
type DockerConfig struct {
	Image         string   `json:"image"`
	Network       string   `json:"network"`
	Env           []string `json:"env"`
	WorkingDir    string   `json:"working_dir"`
	Memory        string   `json:"memory"`
	CPUs          int      `json:"cpus"`
	MaxConcurrent int      `json:"max_concurrent"`
	PullIfMissing bool     `json:"pull_if_missing"`
}

// StackConfig configures the full-stack backend: the main run
// container plus observability sidecars on a dedicated network.
type StackConfig struct {
	NetworkName string         `json:"network_name"`
	Sidecars    []StackService `json:"sidecars"`
}

// StackService is one sidecar container in the stack topology.
type StackService struct {
	Name  string   `json:"name"`
	Image string   `json:"image"`
	Env   []string `json:"env"`
}

// ReplayConfig configures the fixture-replay backend used for
// deterministic integration testing.
type ReplayConfig struct {
	FixturePath string `json:"fixture_path"`
	IntervalMs  int    `json:"interval_ms"`
}

// Interval returns the delay between replayed events.
func (r ReplayConfig) Interval() time.Duration {
	if r.IntervalMs <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// ObservabilityConfig controls the metrics endpoint and influences
// the derived fallback ordering.
type ObservabilityConfig struct {
	Enabled     bool   `json:"enabled"`
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns a configuration with working defaults for a local
// run.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Execution: ExecutionConfig{
			ValidationTimeoutSec: 15,
			EventBudgetBytes:     4 * 1024 * 1024,
			AutoResponse: AutoResponseConfig{
				Enabled:  true,
				Answer:   "yes",
				Patterns: []string{"[y/N]", "(yes/no)", "Continue?", "Press enter"},
			},
		},
		Docker: DockerConfig{
			MaxConcurrent: 2,
			PullIfMissing: true,
		},
		Stack: StackConfig{
			NetworkName: "palisade-stack",
		},
	}
}
