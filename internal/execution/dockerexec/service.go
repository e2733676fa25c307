// Package dockerexec provides the single-container execution backend.
//
// Each run gets one labeled container: created with stdin open,
// attached before start so no output is lost, demultiplexed through
// the protocol codec, and removed on completion.
package dockerexec

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/container"
	"github.com/HyphaGroup/palisade/internal/container/docker"
	"github.com/HyphaGroup/palisade/internal/execution"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
	"github.com/HyphaGroup/palisade/internal/protocol"
)

// LabelRun marks a container as belonging to one run.
const LabelRun = "palisade.run"

// LabelManaged marks every container this process creates; the sweeper
// matches on it.
const LabelManaged = "palisade.managed"

// Service implements execution.Service on top of a container.Runtime.
type Service struct {
	notifier *execution.Notifier

	mu      sync.Mutex
	runtime container.Runtime
	rtErr   error
	rtOnce  bool
	runs    map[string]*run
	closed  bool
}

// run is the live state of one container-backed execution.
type run struct {
	id          string
	containerID string
	streams     *container.AttachedStreams
	handle      *execution.Handle
	responder   *execution.Responder
	cancel      context.CancelFunc
	started     time.Time
	stopped     bool
	mu          sync.Mutex
}

var _ execution.Service = (*Service)(nil)

// New creates a single-container service. The Docker client is dialed
// lazily so construction never fails.
func New() *Service {
	return &Service{
		notifier: execution.NewNotifier(),
		runs:     make(map[string]*run),
	}
}

// NewWithRuntime creates a service bound to an explicit runtime. Used
// by tests and the stack backend.
func NewWithRuntime(rt container.Runtime) *Service {
	return &Service{
		notifier: execution.NewNotifier(),
		runs:     make(map[string]*run),
		runtime:  rt,
		rtOnce:   true,
	}
}

// ensureRuntime dials the Docker daemon once.
func (s *Service) ensureRuntime() (container.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rtOnce {
		s.rtOnce = true
		rt, err := docker.NewRuntime()
		if err != nil {
			s.rtErr = err
		} else {
			s.runtime = rt
		}
	}
	return s.runtime, s.rtErr
}

// Mode returns the single-container execution mode.
func (s *Service) Mode() execution.Mode {
	return execution.ModeDockerSingle
}

// Capabilities reports what the container backend can do.
func (s *Service) Capabilities() *execution.Capabilities {
	caps := &execution.Capabilities{
		SupportsStreaming: true,
		SupportsParallel:  true,
		MaxConcurrent:     2,
	}
	if rt, err := s.ensureRuntime(); err != nil || rt == nil || !rt.IsAvailable() {
		caps.MissingRequirements = append(caps.MissingRequirements, "docker daemon")
	}
	return caps
}

// IsSupported checks cheaply whether the daemon is reachable and an
// image is configured.
func (s *Service) IsSupported(cfg *config.Config) bool {
	if cfg.Docker.Image == "" {
		return false
	}
	rt, err := s.ensureRuntime()
	return err == nil && rt != nil && rt.IsAvailable()
}

// Validate confirms daemon connectivity and image availability,
// pulling the image when configured to.
func (s *Service) Validate(ctx context.Context, cfg *config.Config) *execution.ValidationResult {
	if cfg.Docker.Image == "" {
		return execution.InvalidResult("docker.image is not configured")
	}
	rt, err := s.ensureRuntime()
	if err != nil {
		return execution.InvalidResult(fmt.Sprintf("docker client: %v", err))
	}
	if err := rt.Ping(ctx); err != nil {
		return execution.InvalidResult(fmt.Sprintf("docker daemon unreachable: %v", err))
	}

	exists, err := rt.ImageExists(ctx, cfg.Docker.Image)
	if err != nil {
		return execution.InvalidResult(fmt.Sprintf("image check failed: %v", err))
	}
	if !exists {
		if !cfg.Docker.PullIfMissing {
			return execution.InvalidResult(fmt.Sprintf("image %q not present locally", cfg.Docker.Image))
		}
		logger.Info("pulling image", "image", cfg.Docker.Image)
		if err := rt.Pull(ctx, cfg.Docker.Image); err != nil {
			return execution.InvalidResult(fmt.Sprintf("image pull failed: %v", err))
		}
		return execution.ValidResult(fmt.Sprintf("image %s pulled", cfg.Docker.Image))
	}
	return execution.ValidResult()
}

// Execute creates, attaches and starts one container for the run.
func (s *Service) Execute(ctx context.Context, params execution.Params, cfg *config.Config) (*execution.Handle, error) {
	if params.RunID == "" {
		params.RunID = execution.NewRunID()
	}
	rt, err := s.ensureRuntime()
	if err != nil {
		return s.spawnFailed(params.RunID, fmt.Errorf("docker client: %w", err))
	}

	maxConcurrent := cfg.Docker.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	// Reserve the run slot before any daemon call so concurrent
	// callers cannot both pass the limit check.
	r := &run{id: params.RunID}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("service closed")
	}
	if len(s.runs) >= maxConcurrent {
		s.mu.Unlock()
		return nil, fmt.Errorf("concurrency limit reached (%d active)", maxConcurrent)
	}
	if _, exists := s.runs[params.RunID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("run %s already active", params.RunID)
	}
	s.runs[params.RunID] = r
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	name := fmt.Sprintf("palisade-run-%s", shortID())
	containerID, err := rt.Create(ctx, container.CreateConfig{
		Name:       name,
		Image:      cfg.Docker.Image,
		Cmd:        []string{params.Prompt},
		Env:        append(append([]string{}, cfg.Docker.Env...), params.Env...),
		WorkingDir: firstNonEmpty(params.WorkingDir, cfg.Docker.WorkingDir),
		Labels: map[string]string{
			LabelRun:     params.RunID,
			LabelManaged: "true",
		},
		NetworkMode: cfg.Docker.Network,
		Memory:      cfg.Docker.Memory,
		CPUs:        cfg.Docker.CPUs,
		OpenStdin:   true,
	})
	if err != nil {
		cancel()
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("create container: %w", err))
	}

	// Attach before start so the first bytes of output are captured.
	streams, err := rt.Attach(runCtx, containerID)
	if err != nil {
		cancel()
		_ = rt.Remove(context.Background(), containerID, true)
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("attach: %w", err))
	}

	r.containerID = containerID
	r.streams = streams
	r.cancel = cancel
	r.responder = execution.NewResponder(s.Mode(), execution.ResponderConfig{
		Enabled:  cfg.Execution.AutoResponse.Enabled,
		Answer:   cfg.Execution.AutoResponse.Answer,
		Patterns: cfg.Execution.AutoResponse.Patterns,
		Delay:    cfg.Execution.AutoResponse.Delay(),
		Grace:    cfg.Execution.AutoResponse.Grace(),
	}, func(text string) error {
		_, err := io.WriteString(streams.Stdin, text)
		return err
	})
	r.handle = execution.NewHandle(params.RunID,
		func() { s.stopRun(rt, r) },
		func(text string) error {
			_, err := io.WriteString(streams.Stdin, text+"\n")
			return err
		},
		func(c protocol.Command) error {
			data, err := protocol.EncodeCommand(c)
			if err != nil {
				return err
			}
			_, err = streams.Stdin.Write(data)
			return err
		},
	)

	if err := rt.Start(ctx, containerID); err != nil {
		cancel()
		streams.Close()
		_ = rt.Remove(context.Background(), containerID, true)
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("start container: %w", err))
	}
	r.started = time.Now()

	logger.Info("container run started", "run_id", params.RunID,
		"container", name, "image", cfg.Docker.Image)
	s.notifier.Started()
	r.responder.InitSignal()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		if err := execution.PumpStream(streams.Stdout, protocol.NewCodec(), s.notifier, r.responder); err != nil {
			logger.Debug("stdout pump ended", "run_id", params.RunID, "error", err)
		}
	}()
	go func() {
		defer pumps.Done()
		s.pumpStderr(streams.Stderr, r)
	}()

	go s.waitForExit(rt, r, &pumps)

	return r.handle, nil
}

// release frees a reserved run slot after a spawn failure.
func (s *Service) release(r *run) {
	s.mu.Lock()
	if s.runs[r.id] == r {
		delete(s.runs, r.id)
	}
	s.mu.Unlock()
}

// spawnFailed resolves a failed handle without throwing.
func (s *Service) spawnFailed(runID string, err error) (*execution.Handle, error) {
	h := execution.NewHandle(runID, nil, nil, nil)
	h.Finish(execution.Result{Success: false, ExitCode: -1, Error: err.Error()})
	s.notifier.Error(err)
	metrics.RunsTotal.WithLabelValues(string(s.Mode()), "spawn_failed").Inc()
	return h, nil
}

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

// waitForExit blocks on the container, then resolves the handle and
// removes the container.
func (s *Service) waitForExit(rt container.Runtime, r *run, pumps *sync.WaitGroup) {
	exitCode, waitErr := rt.Wait(context.Background(), r.containerID)
	pumps.Wait()
	r.responder.Stop()
	r.streams.Close()
	r.cancel()

	res := execution.Result{
		Success:  waitErr == nil && exitCode == 0,
		ExitCode: exitCode,
		Duration: time.Since(r.started),
	}
	if waitErr != nil {
		res.Error = waitErr.Error()
	} else if exitCode != 0 {
		res.Error = fmt.Sprintf("exit code %d", exitCode)
	}

	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()

	s.mu.Lock()
	delete(s.runs, r.id)
	s.mu.Unlock()

	if err := rt.Remove(context.Background(), r.containerID, true); err != nil {
		logger.Warn("container remove failed", "run_id", r.id, "error", err)
	}

	r.handle.Finish(res)
	if stopped {
		s.notifier.Stopped(res)
		metrics.RunsTotal.WithLabelValues(string(s.Mode()), "stopped").Inc()
	} else {
		s.notifier.Completed(res)
		metrics.RunsTotal.WithLabelValues(string(s.Mode()), statusLabel(res)).Inc()
	}
	logger.Info("container run finished", "run_id", r.id,
		"success", res.Success, "exit_code", res.ExitCode, "duration", res.Duration)
}

// stopRun stops the container; the waiter resolves the handle.
func (s *Service) stopRun(rt container.Runtime, r *run) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.responder.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rt.Stop(ctx, r.containerID); err != nil {
		logger.Warn("container stop failed", "run_id", r.id, "error", err)
	}
	r.cancel()
}

// Notifications returns the service's notification stream.
func (s *Service) Notifications() <-chan execution.Notification {
	return s.notifier.Channel()
}

// Cleanup stops active runs, removes any leftover managed containers
// and closes the client.
func (s *Service) Cleanup() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		active = append(active, r)
	}
	rt := s.runtime
	s.mu.Unlock()

	for _, r := range active {
		if r.handle != nil {
			r.handle.Stop()
		}
	}

	if rt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		infos, err := rt.List(ctx, map[string]string{LabelManaged: "true"})
		if err == nil {
			for _, info := range infos {
				if err := rt.Remove(ctx, info.ID, true); err != nil {
					logger.Warn("leftover container remove failed", "container", info.Name, "error", err)
				}
			}
		}
		_ = rt.Close()
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

// shortID returns the first uuid segment, enough for unique container
// names within one host.
func shortID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
