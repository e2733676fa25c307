// Command palisade runs one autonomous task against the best available
// execution backend and streams its normalized events as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/HyphaGroup/palisade/internal/cleanup"
	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/container/docker"
	"github.com/HyphaGroup/palisade/internal/execution"
	"github.com/HyphaGroup/palisade/internal/execution/dockerexec"
	"github.com/HyphaGroup/palisade/internal/execution/localexec"
	"github.com/HyphaGroup/palisade/internal/execution/stackexec"
	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
	"github.com/HyphaGroup/palisade/internal/protocol"
	"github.com/HyphaGroup/palisade/internal/replay"
	"github.com/HyphaGroup/palisade/internal/run"
	"github.com/HyphaGroup/palisade/internal/runstore"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "", "Path to configuration file (JSONC)")
		prompt      = pflag.StringP("prompt", "p", "", "Task prompt to execute")
		mode        = pflag.StringP("mode", "m", "", "Preferred backend mode (local, docker-single, docker-stack, replay)")
		fixture     = pflag.String("fixture", "", "Replay fixture path (implies --mode replay)")
		listRuns    = pflag.Int("list-runs", 0, "List the N most recent runs and exit")
		sweep       = pflag.Bool("sweep", false, "Remove leaked run containers and exit")
		debug       = pflag.Bool("debug", false, "Enable debug logging")
		showVersion = pflag.BoolP("version", "v", false, "Print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("palisade %s\n", Version)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Execution.Preferred = *mode
	}
	if *fixture != "" {
		cfg.Replay.FixturePath = *fixture
		cfg.Execution.Preferred = string(execution.ModeReplay)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	if err := logger.Init(cfg.LogDir, cfg.LogJSON, logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	store, err := runstore.NewStore(cfg.DataDir)
	if err != nil {
		logger.Error("run store unavailable, continuing without ledger", "error", err)
		store = nil
	} else {
		defer func() { _ = store.Close() }()
		if n, err := store.MarkStale(); err == nil && n > 0 {
			logger.Info("repaired stale ledger rows", "count", n)
		}
	}

	if *listRuns > 0 {
		if store == nil {
			os.Exit(1)
		}
		cmdListRuns(store, *listRuns)
		return
	}

	if *sweep {
		cmdSweep()
		return
	}

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "a prompt is required; see --help")
		os.Exit(2)
	}

	if cfg.Observability.Enabled && cfg.Observability.MetricsAddr != "" {
		go serveMetrics(cfg.Observability.MetricsAddr)
	}

	os.Exit(runOnce(cfg, store, *prompt))
}

// runOnce drives a single run to completion and returns the process
// exit code.
func runOnce(cfg *config.Config, store *runstore.Store, prompt string) int {
	registry := execution.NewRegistry()
	registry.Register(execution.ModeLocal, func() execution.Service { return localexec.New() })
	registry.Register(execution.ModeDockerSingle, func() execution.Service { return dockerexec.New() })
	registry.Register(execution.ModeDockerStack, func() execution.Service { return stackexec.New() })
	registry.Register(execution.ModeReplay, func() execution.Service { return replay.New() })

	manager := run.NewManager(execution.NewFactory(registry, nil), store)
	defer manager.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Subscribe before the manager starts consuming notifications so
	// the earliest events reach the live stream, not just the snapshot.
	var (
		events      <-chan *protocol.Event
		unsubscribe func()
	)
	r, err := manager.Start(ctx, cfg, execution.Params{Prompt: prompt}, func(r *run.Run) {
		events, unsubscribe = r.Pipeline.Subscribe()
	})
	if err != nil {
		logger.Error("run start failed", "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer unsubscribe()

	for _, rej := range r.Selection.Rejected {
		fmt.Fprintf(os.Stderr, "skipped %s (%s): %s\n", rej.Mode, rej.Stage, rej.Reason)
	}
	fmt.Fprintf(os.Stderr, "run %s on %s\n", r.ID, r.Mode)

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return exitCode(r)
			}
			_ = enc.Encode(ev)
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "stopping run...")
			r.Handle.Stop()
			waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer waitCancel()
			_, _ = r.Handle.Wait(waitCtx)
			return exitCode(r)
		}
	}
}

func exitCode(r *run.Run) int {
	res := r.Handle.Result()
	if res.Success {
		return 0
	}
	if res.ExitCode > 0 {
		return res.ExitCode
	}
	return 1
}

func cmdListRuns(store *runstore.Store, limit int) {
	records, err := store.List(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-13s %-9s %s", rec.StartedAt.Format(time.RFC3339), rec.Mode, rec.Status, rec.Prompt)
		if rec.Error != "" {
			line += "  (" + rec.Error + ")"
		}
		fmt.Println(line)
	}
}

func cmdSweep() {
	rt, err := docker.NewRuntime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	sweeper := cleanup.New(rt, cleanup.Config{MaxAge: 0}, nil)
	sweeper.Sweep()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics endpoint failed", "error", err)
	}
}
