// Package localexec provides the local-subprocess execution backend.
//
// The adapter owns one child process per run: it spawns the configured
// command, demultiplexes stdout through the protocol codec, watches
// for interactive prompts, and reports completion through the
// notification stream.
package localexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/execution"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
	"github.com/HyphaGroup/palisade/internal/protocol"
)

// Service implements execution.Service for a local child process.
type Service struct {
	notifier *execution.Notifier

	mu     sync.Mutex
	active *run
}

// run holds the state of one live execution.
type run struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	handle    *execution.Handle
	responder *execution.Responder
	cancel    context.CancelFunc
	started   time.Time
	stopped   bool
}

// Ensure Service implements execution.Service.
var _ execution.Service = (*Service)(nil)

// New creates a local-subprocess service.
func New() *Service {
	return &Service{notifier: execution.NewNotifier()}
}

// Mode returns the local execution mode.
func (s *Service) Mode() execution.Mode {
	return execution.ModeLocal
}

// Capabilities reports what the local backend can do.
func (s *Service) Capabilities() *execution.Capabilities {
	return &execution.Capabilities{
		SupportsStreaming: true,
		SupportsParallel:  false,
		MaxConcurrent:     1,
	}
}

// IsSupported checks cheaply whether the configured command exists.
func (s *Service) IsSupported(cfg *config.Config) bool {
	if cfg.Local.Command == "" {
		return false
	}
	_, err := exec.LookPath(cfg.Local.Command)
	return err == nil
}

// Validate verifies the command is runnable and the working directory
// exists.
func (s *Service) Validate(ctx context.Context, cfg *config.Config) *execution.ValidationResult {
	if cfg.Local.Command == "" {
		return execution.InvalidResult("local.command is not configured")
	}
	path, err := exec.LookPath(cfg.Local.Command)
	if err != nil {
		return execution.InvalidResult(fmt.Sprintf("command %q not found in PATH", cfg.Local.Command))
	}

	if cfg.Local.WorkingDir != "" {
		info, err := os.Stat(cfg.Local.WorkingDir)
		if err != nil || !info.IsDir() {
			return execution.InvalidResult(fmt.Sprintf("working directory %q does not exist", cfg.Local.WorkingDir))
		}
	}

	select {
	case <-ctx.Done():
		return execution.InvalidResult("Validation timeout")
	default:
	}

	logger.Debug("local backend validated", "path", path)
	return execution.ValidResult()
}

// Execute spawns the child process. Spawn failures resolve the
// returned handle as failed and surface through the notification
// stream; Execute itself only errors when a run is already active.
func (s *Service) Execute(ctx context.Context, params execution.Params, cfg *config.Config) (*execution.Handle, error) {
	// Reserve the single slot before spawning anything so two
	// concurrent callers cannot both pass the guard.
	r := &run{}
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("local backend already active")
	}
	s.active = r
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	args := append(append([]string{}, cfg.Local.Args...), params.Prompt)
	cmd := exec.CommandContext(runCtx, cfg.Local.Command, args...)
	cmd.Dir = firstNonEmpty(params.WorkingDir, cfg.Local.WorkingDir)
	cmd.Env = append(append(os.Environ(), cfg.Local.Env...), params.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("stderr pipe: %w", err))
	}

	r.cmd = cmd
	r.stdin = stdin
	r.cancel = cancel
	r.responder = execution.NewResponder(s.Mode(), execution.ResponderConfig{
		Enabled:  cfg.Execution.AutoResponse.Enabled,
		Answer:   cfg.Execution.AutoResponse.Answer,
		Patterns: cfg.Execution.AutoResponse.Patterns,
		Delay:    cfg.Execution.AutoResponse.Delay(),
		Grace:    cfg.Execution.AutoResponse.Grace(),
	}, func(text string) error {
		_, err := io.WriteString(stdin, text)
		return err
	})

	r.handle = execution.NewHandle(params.RunID,
		func() { s.stopRun(r) },
		func(text string) error {
			_, err := io.WriteString(stdin, text+"\n")
			return err
		},
		func(c protocol.Command) error {
			data, err := protocol.EncodeCommand(c)
			if err != nil {
				return err
			}
			_, err = stdin.Write(data)
			return err
		},
	)

	if err := cmd.Start(); err != nil {
		cancel()
		r.responder.Stop()
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("spawn %s: %w", cfg.Local.Command, err))
	}
	r.started = time.Now()

	logger.Info("local run started", "run_id", r.handle.ID(), "pid", cmd.Process.Pid)
	s.notifier.Started()
	r.responder.InitSignal()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		if err := execution.PumpStream(stdout, protocol.NewCodec(), s.notifier, r.responder); err != nil {
			logger.Debug("stdout pump ended", "run_id", r.handle.ID(), "error", err)
		}
	}()
	go func() {
		defer pumps.Done()
		s.pumpStderr(stderr, r)
	}()

	go s.waitForExit(r, &pumps)

	return r.handle, nil
}

// release frees the run slot after a spawn failure.
func (s *Service) release(r *run) {
	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()
}

// spawnFailed resolves a failed handle without throwing; the caller
// still receives a handle whose result explains the failure.
func (s *Service) spawnFailed(runID string, err error) (*execution.Handle, error) {
	h := execution.NewHandle(runID, nil, nil, nil)
	h.Finish(execution.Result{Success: false, ExitCode: -1, Error: err.Error()})
	s.notifier.Error(err)
	metrics.RunsTotal.WithLabelValues(string(s.Mode()), "spawn_failed").Inc()
	return h, nil
}

// pumpStderr forwards stderr as plain output events; it also feeds the
// prompt responder since some backends prompt on stderr.
func (s *Service) pumpStderr(stderr io.Reader, r *run) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			text := string(buf[:n])
			r.responder.Observe(text)
			for _, chunk := range protocol.Chunk(text, protocol.ChunkThreshold, true) {
				s.notifier.Event(&protocol.Event{
					Type:     protocol.EventOutput,
					Content:  chunk,
					Metadata: map[string]any{"stream": "stderr"},
				})
			}
		}
		if err != nil {
			return
		}
	}
}

// waitForExit resolves the handle once the process and both pumps are
// done.
func (s *Service) waitForExit(r *run, pumps *sync.WaitGroup) {
	err := r.cmd.Wait()
	pumps.Wait()
	r.responder.Stop()
	r.cancel()

	res := execution.Result{
		Success:  err == nil,
		Duration: time.Since(r.started),
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		res.Error = exitErr.Error()
	} else if err != nil {
		res.ExitCode = -1
		res.Error = err.Error()
	}

	s.mu.Lock()
	stopped := r.stopped
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()

	r.handle.Finish(res)
	if stopped {
		s.notifier.Stopped(res)
		metrics.RunsTotal.WithLabelValues(string(s.Mode()), "stopped").Inc()
	} else {
		s.notifier.Completed(res)
		metrics.RunsTotal.WithLabelValues(string(s.Mode()), statusLabel(res)).Inc()
	}
	logger.Info("local run finished", "run_id", r.handle.ID(),
		"success", res.Success, "duration", res.Duration)
}

// stopRun terminates the child process. Idempotent; the waiter
// resolves the handle.
func (s *Service) stopRun(r *run) {
	s.mu.Lock()
	if r.stopped {
		s.mu.Unlock()
		return
	}
	r.stopped = true
	s.mu.Unlock()

	r.responder.Stop()
	_ = r.stdin.Close()
	r.cancel()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
}

// Notifications returns the service's notification stream.
func (s *Service) Notifications() <-chan execution.Notification {
	return s.notifier.Channel()
}

// Cleanup stops any active run and releases resources. Safe to call
// multiple times.
func (s *Service) Cleanup() error {
	s.mu.Lock()
	r := s.active
	s.active = nil
	s.mu.Unlock()

	if r != nil && r.handle != nil {
		r.handle.Stop()
	}
	s.notifier.Close()
	return nil
}

func statusLabel(res execution.Result) string {
	if res.Success {
		return "success"
	}
	return "failed"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
