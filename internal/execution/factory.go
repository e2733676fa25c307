// Package execution provides the backend abstraction layer.
//
// factory.go - Backend selection with ordered fallback
//
// Selection walks an ordered candidate list: cheap IsSupported
// precheck first, then Validate under the configured timeout. The
// first valid candidate wins; every rejection is recorded so the
// final error can name each mode tried and why it was refused.
// Trials are strictly sequential so rejection ordering and
// first-valid-wins semantics stay deterministic.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
)

// ErrNoBackend is returned when every candidate was rejected.
var ErrNoBackend = errors.New("no execution backend available")

// Rejection records why one candidate was refused.
type Rejection struct {
	Mode   Mode   `json:"mode"`
	Stage  string `json:"stage"` // "registry", "supported" or "validate"
	Reason string `json:"reason"`
}

// Selection is the outcome of a successful SelectService call.
type Selection struct {
	Service    Service
	Mode       Mode
	Preferred  bool
	Validation *ValidationResult
	Rejected   []Rejection
}

// OrderPolicy derives a candidate mode order when configuration names
// neither a preferred mode nor fallbacks. Kept injectable because the
// precedence encodes product defaults, not protocol correctness.
type OrderPolicy func(cfg *config.Config) []Mode

// DefaultOrder prefers the full stack when observability is enabled
// (sidecars are only reachable there) and the lightest mode otherwise.
func DefaultOrder(cfg *config.Config) []Mode {
	if cfg.Observability.Enabled {
		return []Mode{ModeDockerStack, ModeDockerSingle, ModeLocal}
	}
	return []Mode{ModeLocal, ModeDockerSingle, ModeDockerStack}
}

// Factory selects and validates an execution backend.
type Factory struct {
	registry *Registry
	order    OrderPolicy
}

// NewFactory creates a factory over the given registry. policy may be
// nil to use DefaultOrder.
func NewFactory(registry *Registry, policy OrderPolicy) *Factory {
	if policy == nil {
		policy = DefaultOrder
	}
	return &Factory{registry: registry, order: policy}
}

// SelectService tries candidates in order and returns the first one
// that validates, with full rejection accounting. Every rejected
// candidate is cleaned up before the next is tried. If no candidate
// validates, the returned error enumerates every mode and reason.
func (f *Factory) SelectService(ctx context.Context, cfg *config.Config) (*Selection, error) {
	candidates := f.candidateOrder(cfg)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate modes configured", ErrNoBackend)
	}

	preferred := Mode(cfg.Execution.Preferred)
	var rejected []Rejection

	for _, mode := range candidates {
		svc, err := f.registry.New(mode)
		if err != nil {
			rejected = append(rejected, Rejection{Mode: mode, Stage: "registry", Reason: err.Error()})
			metrics.ValidationRejections.WithLabelValues(string(mode), "registry").Inc()
			continue
		}

		if !svc.IsSupported(cfg) {
			reason := unsupportedReason(svc)
			rejected = append(rejected, Rejection{Mode: mode, Stage: "supported", Reason: reason})
			metrics.ValidationRejections.WithLabelValues(string(mode), "supported").Inc()
			logger.Debug("backend not supported", "mode", mode, "reason", reason)
			_ = svc.Cleanup()
			continue
		}

		vr := f.validateWithTimeout(ctx, svc, cfg)
		if !vr.Valid {
			reason := vr.Error
			if reason == "" && len(vr.Issues) > 0 {
				reason = vr.Issues[0].Message
			}
			rejected = append(rejected, Rejection{Mode: mode, Stage: "validate", Reason: reason})
			metrics.ValidationRejections.WithLabelValues(string(mode), "validate").Inc()
			logger.Info("backend failed validation", "mode", mode, "reason", reason)
			_ = svc.Cleanup()
			continue
		}

		logger.Info("selected execution backend", "mode", mode, "preferred", mode == preferred)
		return &Selection{
			Service:    svc,
			Mode:       mode,
			Preferred:  mode == preferred,
			Validation: vr,
			Rejected:   rejected,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoBackend, formatRejections(rejected))
}

// validateWithTimeout runs Validate under the configured timeout. A
// timeout is treated as a validation failure, not a hang; selection
// always completes in bounded time.
func (f *Factory) validateWithTimeout(ctx context.Context, svc Service, cfg *config.Config) *ValidationResult {
	vctx, cancel := context.WithTimeout(ctx, cfg.Execution.ValidationTimeout())
	defer cancel()

	resultCh := make(chan *ValidationResult, 1)
	go func() {
		resultCh <- svc.Validate(vctx, cfg)
	}()

	select {
	case vr := <-resultCh:
		if vr == nil {
			return InvalidResult("validator returned no result")
		}
		return vr
	case <-vctx.Done():
		return InvalidResult("Validation timeout")
	}
}

// candidateOrder builds the ordered, de-duplicated candidate list:
// explicit preferred mode first, then explicit fallbacks, else the
// derived policy order.
func (f *Factory) candidateOrder(cfg *config.Config) []Mode {
	var order []Mode
	seen := make(map[Mode]bool)
	add := func(m Mode) {
		if m != "" && !seen[m] {
			seen[m] = true
			order = append(order, m)
		}
	}

	add(Mode(cfg.Execution.Preferred))
	for _, m := range cfg.Execution.Fallbacks {
		add(Mode(m))
	}
	if len(order) == 0 {
		for _, m := range f.order(cfg) {
			add(m)
		}
	}
	return order
}

func unsupportedReason(svc Service) string {
	caps := svc.Capabilities()
	if caps != nil && len(caps.MissingRequirements) > 0 {
		return strings.Join(caps.MissingRequirements, "; ")
	}
	return "not supported on this host"
}

func formatRejections(rejected []Rejection) string {
	if len(rejected) == 0 {
		return "no candidates tried"
	}
	parts := make([]string, 0, len(rejected))
	for _, r := range rejected {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Mode, r.Reason))
	}
	return strings.Join(parts, "; ")
}
