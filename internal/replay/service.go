// Package replay provides the fixture-replay execution backend.
//
// It replays a recorded output transcript line by line at a fixed
// interval, feeding every line through the same codec path the live
// backends use. Runs are deterministic, which makes the backend the
// workhorse of integration testing and demos.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/execution"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
	"github.com/HyphaGroup/palisade/internal/protocol"
)

// Service implements execution.Service by replaying a fixture file.
type Service struct {
	notifier *execution.Notifier

	mu     sync.Mutex
	active *execution.Handle
}

var _ execution.Service = (*Service)(nil)

// New creates a replay service.
func New() *Service {
	return &Service{notifier: execution.NewNotifier()}
}

// Mode returns the replay execution mode.
func (s *Service) Mode() execution.Mode {
	return execution.ModeReplay
}

// Capabilities reports what the replay backend can do.
func (s *Service) Capabilities() *execution.Capabilities {
	return &execution.Capabilities{
		SupportsStreaming: true,
		SupportsParallel:  false,
		MaxConcurrent:     1,
	}
}

// IsSupported checks whether a fixture is configured and present.
func (s *Service) IsSupported(cfg *config.Config) bool {
	if cfg.Replay.FixturePath == "" {
		return false
	}
	_, err := os.Stat(cfg.Replay.FixturePath)
	return err == nil
}

// Validate confirms the fixture file is readable.
func (s *Service) Validate(ctx context.Context, cfg *config.Config) *execution.ValidationResult {
	if cfg.Replay.FixturePath == "" {
		return execution.InvalidResult("replay.fixture_path is not configured")
	}
	f, err := os.Open(cfg.Replay.FixturePath)
	if err != nil {
		return execution.InvalidResult(fmt.Sprintf("fixture not readable: %v", err))
	}
	_ = f.Close()
	return execution.ValidResult()
}

// Execute streams the fixture, one line per interval.
func (s *Service) Execute(ctx context.Context, params execution.Params, cfg *config.Config) (*execution.Handle, error) {
	s.mu.Lock()
	if s.active != nil && s.active.IsActive() {
		s.mu.Unlock()
		return nil, fmt.Errorf("replay backend already active (run %s)", s.active.ID())
	}
	s.mu.Unlock()

	f, err := os.Open(cfg.Replay.FixturePath)
	if err != nil {
		h := execution.NewHandle(params.RunID, nil, nil, nil)
		h.Finish(execution.Result{Success: false, ExitCode: -1, Error: err.Error()})
		s.notifier.Error(fmt.Errorf("open fixture: %w", err))
		metrics.RunsTotal.WithLabelValues(string(s.Mode()), "spawn_failed").Inc()
		return h, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := execution.NewHandle(params.RunID,
		cancel,
		func(string) error { return nil },
		func(protocol.Command) error { return nil },
	)

	s.mu.Lock()
	s.active = handle
	s.mu.Unlock()

	logger.Info("replay run started", "run_id", handle.ID(),
		"fixture", cfg.Replay.FixturePath)
	s.notifier.Started()

	go s.replay(runCtx, f, handle, cfg.Replay.Interval())

	return handle, nil
}

// replay feeds fixture lines through the codec until EOF or stop.
func (s *Service) replay(ctx context.Context, f *os.File, handle *execution.Handle, interval time.Duration) {
	defer func() { _ = f.Close() }()
	started := time.Now()
	codec := protocol.NewCodec()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	stopped := false
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			stopped = true
		case <-time.After(interval):
		}
		if stopped {
			break
		}
		for _, ev := range codec.Consume(append(scanner.Bytes(), '\n')) {
			s.notifier.Event(ev)
		}
	}
	for _, ev := range codec.Flush() {
		s.notifier.Event(ev)
	}

	res := execution.Result{
		Success:  !stopped && scanner.Err() == nil,
		Duration: time.Since(started),
	}
	if err := scanner.Err(); err != nil {
		res.ExitCode = -1
		res.Error = err.Error()
	}

	s.mu.Lock()
	if s.active == handle {
		s.active = nil
	}
	s.mu.Unlock()

	handle.Finish(res)
	if stopped {
		s.notifier.Stopped(res)
		metrics.RunsTotal.WithLabelValues(string(s.Mode()), "stopped").Inc()
	} else {
		s.notifier.Completed(res)
		status := "success"
		if !res.Success {
			status = "failed"
		}
		metrics.RunsTotal.WithLabelValues(string(s.Mode()), status).Inc()
	}
	logger.Info("replay run finished", "run_id", handle.ID(),
		"success", res.Success, "duration", res.Duration)
}

// Notifications returns the service's notification stream.
func (s *Service) Notifications() <-chan execution.Notification {
	return s.notifier.Channel()
}

// Cleanup stops any active replay. Safe to call multiple times.
func (s *Service) Cleanup() error {
	s.mu.Lock()
	h := s.active
	s.active = nil
	s.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	s.notifier.Close()
	return nil
}
