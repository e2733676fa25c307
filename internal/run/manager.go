// Package run assembles one run's event path.
//
// manager.go - Run lifecycle over backend selection
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/execution"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/runstore"
)

// Manager drives runs end to end: backend selection, execution, the
// per-run pipeline and ledger bookkeeping. One run at a time.
type Manager struct {
	factory *execution.Factory
	store   *runstore.Store

	mu     sync.Mutex
	active *Run
}

// Run is one in-flight or finished run.
type Run struct {
	ID       string
	Mode     execution.Mode
	Handle   *execution.Handle
	Pipeline *Pipeline

	// Selection carries the validation outcome and every rejected
	// candidate, for surfacing in the UI.
	Selection *execution.Selection

	service execution.Service
}

// NewManager creates a manager. store may be nil to skip the ledger.
func NewManager(factory *execution.Factory, store *runstore.Store) *Manager {
	return &Manager{factory: factory, store: store}
}

// Start selects a backend and begins a run. The returned Run is live;
// events flow through its Pipeline until the handle resolves. onReady
// callbacks run after the backend accepts the run but before event
// consumption begins, so a pipeline subscriber attached there sees
// the live stream from its first event.
func (m *Manager) Start(ctx context.Context, cfg *config.Config, params execution.Params, onReady ...func(*Run)) (*Run, error) {
	m.mu.Lock()
	if m.active != nil && m.active.Handle.IsActive() {
		m.mu.Unlock()
		return nil, fmt.Errorf("run %s still active", m.active.ID)
	}
	m.mu.Unlock()

	selection, err := m.factory.SelectService(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if params.RunID == "" {
		params.RunID = execution.NewRunID()
	}

	pipeline := NewPipeline(params.RunID, cfg.Execution.EventBudgetBytes)

	if m.store != nil {
		if err := m.store.RecordStart(params.RunID, string(selection.Mode), params.Prompt); err != nil {
			logger.Warn("run ledger insert failed", "run_id", params.RunID, "error", err)
		}
	}

	handle, err := selection.Service.Execute(ctx, params, cfg)
	if err != nil {
		pipeline.Close()
		_ = selection.Service.Cleanup()
		m.recordFinish(params.RunID, runstore.StatusFailed, -1, err.Error(), 0)
		return nil, fmt.Errorf("execute on %s: %w", selection.Mode, err)
	}

	r := &Run{
		ID:        params.RunID,
		Mode:      selection.Mode,
		Handle:    handle,
		Pipeline:  pipeline,
		Selection: selection,
		service:   selection.Service,
	}

	m.mu.Lock()
	m.active = r
	m.mu.Unlock()

	for _, fn := range onReady {
		fn(r)
	}
	go m.consume(r)

	return r, nil
}

// consume drains the service's notification stream into the pipeline
// until a terminal notification arrives, then settles the ledger.
func (m *Manager) consume(r *Run) {
	defer r.Pipeline.Close()

	for note := range m.notifications(r) {
		switch note.Kind {
		case execution.NotifyEvent:
			r.Pipeline.Offer(note.Event)

		case execution.NotifyCompleted:
			res := *note.Result
			status := runstore.StatusCompleted
			if !res.Success {
				status = runstore.StatusFailed
			}
			m.recordFinish(r.ID, status, res.ExitCode, res.Error, res.Duration)
			return

		case execution.NotifyStopped:
			res := *note.Result
			m.recordFinish(r.ID, runstore.StatusStopped, res.ExitCode, res.Error, res.Duration)
			return

		case execution.NotifyError:
			m.recordFinish(r.ID, runstore.StatusFailed, -1, note.Err.Error(), 0)
			return
		}
	}
}

// notifications adapts the never-closed service stream into a channel
// that ends after the terminal notification, so consume can range it.
func (m *Manager) notifications(r *Run) <-chan execution.Notification {
	out := make(chan execution.Notification)
	go func() {
		defer close(out)
		for note := range r.service.Notifications() {
			out <- note
			switch note.Kind {
			case execution.NotifyCompleted, execution.NotifyStopped, execution.NotifyError:
				return
			}
		}
	}()
	return out
}

func (m *Manager) recordFinish(runID, status string, exitCode int, errText string, duration time.Duration) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordFinish(runID, status, exitCode, errText, duration); err != nil {
		logger.Warn("run ledger update failed", "run_id", runID, "error", err)
	}
}

// Active returns the current run, or nil.
func (m *Manager) Active() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop terminates the active run, if any.
func (m *Manager) Stop() {
	m.mu.Lock()
	r := m.active
	m.mu.Unlock()
	if r != nil {
		r.Handle.Stop()
	}
}

// Close stops the active run and releases its backend.
func (m *Manager) Close() {
	m.mu.Lock()
	r := m.active
	m.active = nil
	m.mu.Unlock()
	if r != nil {
		r.Handle.Stop()
		_ = r.service.Cleanup()
	}
}
