// Command meshd is the node daemon: it opens storage and exposes the
// inbound federation HTTP surface; it takes no DAG submissions. There is no config
// file format — every knob here is a flag, matching internal/daemon's
// explicit choice to carry no configuration-loading layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/meshtask/meshd/internal/daemon"
	"github.com/meshtask/meshd/internal/paths"
	"github.com/meshtask/meshd/internal/telemetry"
)

func main() {
	var (
		nodeID       = flag.String("node-id", "", "this node's identifier (required)")
		serverName   = flag.String("server-name", "", "this node's federation server name; defaults to --node-id")
		listenAddr   = flag.String("listen", ":7420", "address the federation HTTP surface listens on")
		dataRoot     = flag.String("data-root", "", "override the XDG data root")
		logDir       = flag.String("log-dir", "", "directory for rotating log files; empty disables the file sink")
		workerCap    = flag.Int("worker-capacity", 4, "max concurrently running worker subprocesses")
		workerBinary = flag.String("worker-binary", "", "path to the cmd/worker binary; defaults to the binary named \"worker\" beside this one")
	)
	flag.Parse()

	if *nodeID == "" {
		fmt.Fprintln(os.Stderr, "meshd: --node-id is required")
		os.Exit(2)
	}
	if *serverName == "" {
		*serverName = *nodeID
	}
	if *workerBinary == "" {
		*workerBinary = defaultWorkerBinaryPath()
	}

	logger := telemetry.NewLogger(telemetry.DefaultConfig(*logDir))
	logger = logger.With("node_id", *nodeID)

	layout := paths.Default()
	if *dataRoot != "" {
		layout = paths.WithRoot(*dataRoot)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, daemon.Config{
		Layout:           layout,
		NodeID:           *nodeID,
		ServerName:       *serverName,
		WorkerCapacity:   *workerCap,
		WorkerBinaryPath: *workerBinary,
	}, logger)
	if err != nil {
		logger.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}
	defer func() { _ = d.Close() }()

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           d.ServerHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("meshd listening", "addr", *listenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("federation server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("meshd shut down")
}

func defaultWorkerBinaryPath() string {
	self, err := os.Executable()
	if err != nil {
		return "worker"
	}
	return filepath.Join(filepath.Dir(self), "worker")
}
