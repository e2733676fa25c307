// Package cleanup provides background cleanup of leaked run
// containers. A crash between create and remove leaves a labeled
// container behind; the sweeper finds and removes them on a schedule.
package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/palisade/internal/container"
	"github.com/HyphaGroup/palisade/internal/execution/dockerexec"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
)

// Sweeper periodically removes leaked labeled containers.
type Sweeper struct {
	runtime container.Runtime
	cron    *cron.Cron
	maxAge  time.Duration

	// keep reports container ids that belong to live runs and must
	// not be swept.
	keep func() map[string]bool
}

// Config holds sweeper configuration.
type Config struct {
	// Schedule is a cron expression; empty means every five minutes.
	Schedule string

	// MaxAge is how old a running container may be before it is
	// considered leaked.
	MaxAge time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schedule: "@every 5m",
		MaxAge:   2 * time.Hour,
	}
}

// New creates a sweeper over the given runtime. keep may be nil when
// no runs are ever live in this process.
func New(rt container.Runtime, cfg Config, keep func() map[string]bool) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Hour
	}
	s := &Sweeper{
		runtime: rt,
		cron:    cron.New(),
		maxAge:  cfg.MaxAge,
		keep:    keep,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.Sweep); err != nil {
		logger.Warn("invalid sweep schedule, using default", "schedule", cfg.Schedule, "error", err)
		_, _ = s.cron.AddFunc("@every 5m", s.Sweep)
	}
	return s
}

// Start begins the schedule. An immediate sweep runs first so leftovers
// from a previous crash disappear at startup.
func (s *Sweeper) Start() {
	s.Sweep()
	s.cron.Start()
	logger.Info("container sweeper started", "max_age", s.maxAge)
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("container sweeper stopped")
}

// Sweep removes every managed container that is exited, dead, or has
// been running longer than the age limit and belongs to no live run.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	infos, err := s.runtime.List(ctx, map[string]string{dockerexec.LabelManaged: "true"})
	if err != nil {
		logger.Warn("sweep list failed", "error", err)
		return
	}

	var live map[string]bool
	if s.keep != nil {
		live = s.keep()
	}

	cutoff := time.Now().Add(-s.maxAge)
	var swept int
	for _, info := range infos {
		if live[info.ID] {
			continue
		}
		if !sweepable(info, cutoff) {
			continue
		}
		if err := s.runtime.Remove(ctx, info.ID, true); err != nil {
			logger.Warn("sweep remove failed", "container", info.Name, "error", err)
			continue
		}
		swept++
		metrics.ContainersSwept.Inc()
		logger.Info("leaked container removed", "container", info.Name, "status", info.Status)
	}
	if swept > 0 {
		logger.Info("sweep complete", "removed", swept, "inspected", len(infos))
	}
}

// sweepable reports whether a container with no live owner should go.
func sweepable(info container.Info, cutoff time.Time) bool {
	switch info.Status {
	case container.StatusExited, container.StatusDead, container.StatusCreated:
		return true
	case container.StatusRunning:
		return !info.CreatedAt.IsZero() && info.CreatedAt.Before(cutoff)
	default:
		return false
	}
}
