// Package stackexec provides the full-stack execution backend: the
// run container plus its observability sidecars on a dedicated
// network.
//
// Sidecars start before the run container and are torn down after it
// exits. The run container itself is handled exactly like the
// single-container backend: attached before start, demultiplexed
// through the protocol codec, removed on completion.
package stackexec

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
	"github.com/HyphaGroup/palisade/internal/execution/dockerexec"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
	"github.com/HyphaGroup/palisade/internal/protocol"
)

// LabelStack marks sidecar containers belonging to one stack run.
const LabelStack = "palisade.stack"

// Service implements execution.Service for the stack topology.
type Service struct {
	notifier *execution.Notifier

	mu      sync.Mutex
	runtime container.Runtime
	rtErr   error
	rtOnce  bool
	active  *run
	closed  bool
}

// run is the live state of one stack execution.
type run struct {
	id          string
	containerID string
	sidecarIDs  []string
	network     string
	streams     *container.AttachedStreams
	handle      *execution.Handle
	responder   *execution.Responder
	cancel      context.CancelFunc
	started     time.Time
	stopped     bool
	mu          sync.Mutex
}

var _ execution.Service = (*Service)(nil)

// New creates a stack service with a lazily dialed Docker client.
func New() *Service {
	return &Service{notifier: execution.NewNotifier()}
}

// NewWithRuntime creates a service bound to an explicit runtime.
func NewWithRuntime(rt container.Runtime) *Service {
	return &Service{
		notifier: execution.NewNotifier(),
		runtime:  rt,
		rtOnce:   true,
	}
}

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

// Mode returns the stack execution mode.
func (s *Service) Mode() execution.Mode {
	return execution.ModeDockerStack
}

// Capabilities reports what the stack backend can do. Stacks are
// exclusive: one network, one run at a time.
func (s *Service) Capabilities() *execution.Capabilities {
	caps := &execution.Capabilities{
		SupportsStreaming: true,
		SupportsParallel:  false,
		MaxConcurrent:     1,
	}
	if rt, err := s.ensureRuntime(); err != nil || rt == nil || !rt.IsAvailable() {
		caps.MissingRequirements = append(caps.MissingRequirements, "docker daemon")
	}
	return caps
}

// IsSupported checks cheaply whether the daemon is reachable and the
// stack is configured.
func (s *Service) IsSupported(cfg *config.Config) bool {
	if cfg.Docker.Image == "" || cfg.Stack.NetworkName == "" {
		return false
	}
	rt, err := s.ensureRuntime()
	return err == nil && rt != nil && rt.IsAvailable()
}

// Validate confirms daemon connectivity and that every image in the
// topology is available.
func (s *Service) Validate(ctx context.Context, cfg *config.Config) *execution.ValidationResult {
	if cfg.Docker.Image == "" {
		return execution.InvalidResult("docker.image is not configured")
	}
	if cfg.Stack.NetworkName == "" {
		return execution.InvalidResult("stack.network_name is not configured")
	}
	rt, err := s.ensureRuntime()
	if err != nil {
		return execution.InvalidResult(fmt.Sprintf("docker client: %v", err))
	}
	if err := rt.Ping(ctx); err != nil {
		return execution.InvalidResult(fmt.Sprintf("docker daemon unreachable: %v", err))
	}

	images := []string{cfg.Docker.Image}
	for _, svc := range cfg.Stack.Sidecars {
		images = append(images, svc.Image)
	}
	var warnings []string
	for _, img := range images {
		exists, err := rt.ImageExists(ctx, img)
		if err != nil {
			return execution.InvalidResult(fmt.Sprintf("image check failed for %s: %v", img, err))
		}
		if !exists {
			if !cfg.Docker.PullIfMissing {
				return execution.InvalidResult(fmt.Sprintf("image %q not present locally", img))
			}
			logger.Info("pulling image", "image", img)
			if err := rt.Pull(ctx, img); err != nil {
				return execution.InvalidResult(fmt.Sprintf("image pull failed for %s: %v", img, err))
			}
			warnings = append(warnings, fmt.Sprintf("image %s pulled", img))
		}
	}
	return execution.ValidResult(warnings...)
}

// Execute provisions the network and sidecars, then runs the main
// container on the shared network.
func (s *Service) Execute(ctx context.Context, params execution.Params, cfg *config.Config) (*execution.Handle, error) {
	if params.RunID == "" {
		params.RunID = execution.NewRunID()
	}
	rt, err := s.ensureRuntime()
	if err != nil {
		return s.spawnFailed(params.RunID, fmt.Errorf("docker client: %w", err))
	}

	// Stacks are exclusive; reserve the slot before provisioning so
	// concurrent callers cannot both pass the guard.
	r := &run{id: params.RunID, network: cfg.Stack.NetworkName}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("service closed")
	}
	if s.active != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("stack backend already active (run %s)", s.active.id)
	}
	s.active = r
	s.mu.Unlock()

	network := cfg.Stack.NetworkName
	if _, err := rt.EnsureNetwork(ctx, network); err != nil {
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("ensure network %s: %w", network, err))
	}

	// Sidecars come up first so the run container finds its
	// dependencies on the network by name.
	for _, svc := range cfg.Stack.Sidecars {
		sidecarID, err := rt.Create(ctx, container.CreateConfig{
			Name:  fmt.Sprintf("palisade-%s-%s", svc.Name, shortID()),
			Image: svc.Image,
			Env:   svc.Env,
			Labels: map[string]string{
				dockerexec.LabelManaged: "true",
				LabelStack:              params.RunID,
			},
			NetworkMode: network,
			AutoRemove:  false,
		})
		if err != nil {
			s.teardownSidecars(rt, r)
			s.release(r)
			return s.spawnFailed(params.RunID, fmt.Errorf("create sidecar %s: %w", svc.Name, err))
		}
		r.sidecarIDs = append(r.sidecarIDs, sidecarID)
		if err := rt.Start(ctx, sidecarID); err != nil {
			s.teardownSidecars(rt, r)
			s.release(r)
			return s.spawnFailed(params.RunID, fmt.Errorf("start sidecar %s: %w", svc.Name, err))
		}
		logger.Info("sidecar started", "run_id", params.RunID, "sidecar", svc.Name)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	containerID, err := rt.Create(ctx, container.CreateConfig{
		Name:       fmt.Sprintf("palisade-run-%s", shortID()),
		Image:      cfg.Docker.Image,
		Cmd:        []string{params.Prompt},
		Env:        append(append([]string{}, cfg.Docker.Env...), params.Env...),
		WorkingDir: firstNonEmpty(params.WorkingDir, cfg.Docker.WorkingDir),
		Labels: map[string]string{
			dockerexec.LabelRun:     params.RunID,
			dockerexec.LabelManaged: "true",
			LabelStack:              params.RunID,
		},
		NetworkMode: network,
		Memory:      cfg.Docker.Memory,
		CPUs:        cfg.Docker.CPUs,
		OpenStdin:   true,
	})
	if err != nil {
		cancel()
		s.teardownSidecars(rt, r)
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("create container: %w", err))
	}
	r.containerID = containerID

	streams, err := rt.Attach(runCtx, containerID)
	if err != nil {
		cancel()
		_ = rt.Remove(context.Background(), containerID, true)
		s.teardownSidecars(rt, r)
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("attach: %w", err))
	}
	r.streams = streams

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
		s.teardownSidecars(rt, r)
		s.release(r)
		return s.spawnFailed(params.RunID, fmt.Errorf("start container: %w", err))
	}
	r.started = time.Now()

	logger.Info("stack run started", "run_id", params.RunID,
		"network", network, "sidecars", len(r.sidecarIDs))
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

// release frees the reserved run slot after a spawn failure.
func (s *Service) release(r *run) {
	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()
}

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

// waitForExit blocks on the run container, then tears the stack down
// and resolves the handle.
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

	if err := rt.Remove(context.Background(), r.containerID, true); err != nil {
		logger.Warn("container remove failed", "run_id", r.id, "error", err)
	}
	s.teardownSidecars(rt, r)

	s.mu.Lock()
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
	logger.Info("stack run finished", "run_id", r.id,
		"success", res.Success, "exit_code", res.ExitCode, "duration", res.Duration)
}

// teardownSidecars stops and removes the run's sidecars in reverse
// start order. The network is left in place for reuse.
func (s *Service) teardownSidecars(rt container.Runtime, r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := len(r.sidecarIDs) - 1; i >= 0; i-- {
		id := r.sidecarIDs[i]
		if err := rt.Stop(ctx, id); err != nil {
			logger.Warn("sidecar stop failed", "run_id", r.id, "error", err)
		}
		if err := rt.Remove(ctx, id, true); err != nil {
			logger.Warn("sidecar remove failed", "run_id", r.id, "error", err)
		}
	}
	r.sidecarIDs = nil
}

// stopRun stops the run container; the waiter tears down the rest.
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

// Cleanup stops the active run, removes leftover stack containers and
// closes the client.
func (s *Service) Cleanup() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.active
	s.active = nil
	rt := s.runtime
	s.mu.Unlock()

	if r != nil && r.handle != nil {
		r.handle.Stop()
	}

	if rt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		infos, err := rt.List(ctx, map[string]string{dockerexec.LabelManaged: "true"})
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

func shortID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
