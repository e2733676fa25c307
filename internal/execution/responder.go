// Package execution provides the backend abstraction layer.
//
// responder.go - Interactive-prompt auto-response
//
// Backends built for interactive use stop and wait for a human
// confirmation. The responder watches the tail of the raw output for
// prompt markers and, on detection or on a fallback timer after the
// backend signals readiness, writes one affirmative answer to stdin.
// The write happens after a short settle delay so it cannot race the
// backend's own buffered output; the delay is cancellable if the run
// stops first.
package execution

import (
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
)

// tailWindow is how much recent raw output is scanned for prompts.
const tailWindow = 4096

// Responder drives one run's interactive-prompt auto-response. Safe
// for concurrent use.
type Responder struct {
	mode    Mode
	enabled bool
	answer  string
	pats    []string
	delay   time.Duration
	grace   time.Duration
	write   func(string) error

	mu        sync.Mutex
	tail      []byte
	pending   *time.Timer
	fallback  *time.Timer
	responded bool
	stopped   bool
}

// ResponderConfig carries the auto-response policy for one run.
type ResponderConfig struct {
	Enabled  bool
	Answer   string
	Patterns []string
	Delay    time.Duration
	Grace    time.Duration
}

// NewResponder creates a responder that writes through write. A nil
// write or disabled config yields an inert responder.
func NewResponder(mode Mode, cfg ResponderConfig, write func(string) error) *Responder {
	answer := cfg.Answer
	if answer == "" {
		answer = "yes"
	}
	return &Responder{
		mode:    mode,
		enabled: cfg.Enabled && write != nil && len(cfg.Patterns) > 0,
		answer:  answer,
		pats:    cfg.Patterns,
		delay:   cfg.Delay,
		grace:   cfg.Grace,
		write:   write,
	}
}

// Observe appends raw output and scans the recent tail for prompt
// markers, scheduling the answer on a match.
func (r *Responder) Observe(raw string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	if r.responded || r.stopped {
		r.mu.Unlock()
		return
	}
	r.tail = append(r.tail, raw...)
	if len(r.tail) > tailWindow {
		r.tail = r.tail[len(r.tail)-tailWindow:]
	}
	tail := string(r.tail)
	r.mu.Unlock()

	for _, pat := range r.pats {
		if strings.Contains(tail, pat) {
			r.schedule("prompt")
			return
		}
	}
}

// InitSignal starts the fallback window: if no prompt is detected
// within the grace period, the answer is written anyway.
func (r *Responder) InitSignal() {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded || r.stopped || r.fallback != nil {
		return
	}
	r.fallback = time.AfterFunc(r.grace, func() {
		r.schedule("fallback")
	})
}

// schedule arms the delayed single write. Only the first trigger wins.
func (r *Responder) schedule(trigger string) {
	r.mu.Lock()
	if r.responded || r.stopped {
		r.mu.Unlock()
		return
	}
	r.responded = true
	if r.fallback != nil {
		r.fallback.Stop()
	}
	r.pending = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}
		if err := r.write(r.answer + "\n"); err != nil {
			logger.Warn("auto-response write failed", "mode", r.mode, "error", err)
			return
		}
		metrics.AutoResponses.WithLabelValues(string(r.mode), trigger).Inc()
		logger.Info("auto-response sent", "mode", r.mode, "trigger", trigger)
	})
	r.mu.Unlock()
}

// Stop cancels any pending timers. Safe to call multiple times.
func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.pending != nil {
		r.pending.Stop()
	}
	if r.fallback != nil {
		r.fallback.Stop()
	}
}
