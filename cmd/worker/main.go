// Command worker is the subprocess workerpool.CommandSpawner starts: a
// single-purpose process that opens the daemon's shared EventLog and runs
// one internal/worker.Worker loop until its parent cancels it or it is
// killed. It carries no scheduling or orchestration logic of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshtask/meshd/internal/eventlog"
	"github.com/meshtask/meshd/internal/paths"
	"github.com/meshtask/meshd/internal/telemetry"
	"github.com/meshtask/meshd/internal/worker"
)

func main() {
	var (
		workerID    = flag.String("worker-id", "", "unique id this worker registers under (required)")
		scope       = flag.String("scope", "", "run id this worker was spawned to serve")
		runtimeKind = flag.String("runtime-kind", "command", "runtime this worker executes tasks with")
		dataRoot    = flag.String("data-root", "", "override the XDG data root; defaults to the daemon's own layout")
		workDir     = flag.String("work-dir", "", "working directory CommandRuntime runs shell commands in")
	)
	flag.Parse()

	if *workerID == "" {
		fmt.Fprintln(os.Stderr, "worker: --worker-id is required")
		os.Exit(2)
	}

	logger := telemetry.NewLogger(telemetry.DefaultConfig(""))
	logger = logger.With("worker_id", *workerID, "scope", *scope)

	layout := paths.Default()
	if *dataRoot != "" {
		layout = paths.WithRoot(*dataRoot)
	} else if dir := os.Getenv("MESHD_DATA_ROOT"); dir != "" {
		// The spawning daemon passes its own data directory here.
		layout.Data = dir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := eventlog.Open(ctx, layout.EventLogPath(), logger)
	if err != nil {
		logger.Error("failed to open event log", "error", err)
		os.Exit(1)
	}
	defer func() { _ = events.Close() }()

	runtimes := map[string]worker.Runtime{
		"command": worker.CommandRuntime{Dir: *workDir},
	}

	cfg := worker.DefaultConfig(*workerID)
	w := worker.New(events, runtimes, cfg, logger)

	logger.Info("worker starting", "runtime_kind", *runtimeKind)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker shut down")
}
