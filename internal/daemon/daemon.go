// Package daemon wires every component of the substrate into one running
// node: storage, the worker pool, the DAG scheduler, and the federation
// surface. There is no configuration-file or CLI layer here by design —
// callers construct a Config literal directly, the same way the teacher's
// lower-level packages are composed in its own integration tests.
package daemon

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/meshtask/meshd/internal/conflictguard"
	"github.com/meshtask/meshd/internal/dag"
	"github.com/meshtask/meshd/internal/embedder"
	"github.com/meshtask/meshd/internal/errs"
	"github.com/meshtask/meshd/internal/eventlog"
	"github.com/meshtask/meshd/internal/federation"
	"github.com/meshtask/meshd/internal/federation/didauth"
	"github.com/meshtask/meshd/internal/keystore"
	"github.com/meshtask/meshd/internal/memory"
	"github.com/meshtask/meshd/internal/paths"
	"github.com/meshtask/meshd/internal/runstore"
	"github.com/meshtask/meshd/internal/scheduler"
	"github.com/meshtask/meshd/internal/taskspec"
	"github.com/meshtask/meshd/internal/todomonitor"
	"github.com/meshtask/meshd/internal/workerpool"
)

// Config is the full set of knobs a host picks before starting a Daemon.
type Config struct {
	Layout paths.Layout

	// NodeID identifies this node in federation DIDs and worker scoping.
	NodeID string

	// ServerName is this node's federation server name, used in outbound
	// Peer identity and the server-key discovery document.
	ServerName string

	// ACL decides whether a verified peer DID may federate with this node.
	ACL didauth.ACL

	// WorkerCapacity bounds how many worker subprocesses the pool runs
	// concurrently.
	WorkerCapacity int

	// WorkerBinaryPath is the cmd/worker binary CommandSpawner execs.
	WorkerBinaryPath string

	SchedulerConfig scheduler.Config
}

// Daemon holds every long-lived component wired together by New.
type Daemon struct {
	cfg Config

	Logger     *slog.Logger
	Keys       keystore.KeyPair
	Events     *eventlog.Log
	Runs       *runstore.Store
	Memory     *memory.Store
	Guard      *conflictguard.Guard
	Pool       *workerpool.Pool
	Verifier   *didauth.Verifier
	Federation *federation.Client
	Queue      *federation.OfflineQueue
	Pending    *didauth.PendingChallenges
}

// New opens storage, resolves key material, and wires every component.
// It does not start any background loop; call RunDag, and serve
// ServerHandler, for that.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Layout.EnsureAll(); err != nil {
		return nil, fmt.Errorf("%w: failed to prepare data directories: %s", errs.ErrStorage, err)
	}

	keys, err := keystore.Resolve(cfg.Layout.KeysDir())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve node key material: %s", errs.ErrStorage, err)
	}

	events, err := eventlog.Open(ctx, cfg.Layout.EventLogPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open event log: %s", errs.ErrStorage, err)
	}

	runs, err := runstore.Open(ctx, cfg.Layout.RunStorePath())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open run store: %s", errs.ErrStorage, err)
	}

	mem, err := memory.Open(cfg.Layout.MemoryStorePath(), cfg.NodeID, keys.AEADKey, embedder.NewCosine())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open memory store: %s", errs.ErrStorage, err)
	}

	guard := conflictguard.New(mem)

	node := workerpool.LocalNodeInfo(ctx, nil, nil)
	spawner := workerpool.CommandSpawner{BinaryPath: cfg.WorkerBinaryPath, WorkDir: cfg.Layout.Data}
	pool := workerpool.New(cfg.WorkerCapacity, spawner, node, map[string]string{
		"MESHD_DATA_ROOT": cfg.Layout.Data,
	})

	acl := cfg.ACL
	if acl == nil {
		acl = allowAll{}
	}
	verifier := didauth.NewVerifier(cfg.NodeID, keys.Signing, acl)

	client := federation.NewClient(federation.DefaultClientConfig(), logger)
	queueCfg := federation.DefaultQueueConfig()
	queueCfg.PersistToDisk = true
	queueCfg.StoragePath = filepath.Join(cfg.Layout.Data, "offline_queue.json")
	queue := federation.NewOfflineQueue(queueCfg, logger)
	if err := queue.Load(); err != nil {
		logger.Warn("failed to load persisted offline queue", "error", err)
	}

	return &Daemon{
		cfg:        cfg,
		Logger:     logger,
		Keys:       keys,
		Events:     events,
		Runs:       runs,
		Memory:     mem,
		Guard:      guard,
		Pool:       pool,
		Verifier:   verifier,
		Federation: client,
		Queue:      queue,
		Pending:    didauth.NewPendingChallenges(),
	}, nil
}

// Close releases every storage handle the Daemon opened.
func (d *Daemon) Close() error {
	if err := d.Events.Close(); err != nil {
		return err
	}
	if err := d.Runs.Close(); err != nil {
		return err
	}
	return d.Memory.Close()
}

// ServerHandler builds the inbound federation HTTP surface for this node.
func (d *Daemon) ServerHandler() http.Handler {
	return federation.Router(&eventReceiver{events: d.Events, logger: d.Logger}, d, d.Logger)
}

// ServerKeyDocument implements federation.ServerKeyProvider.
func (d *Daemon) ServerKeyDocument() map[string]any {
	pub := d.Keys.Signing.Public().(ed25519.PublicKey)
	validUntil := time.Now().Add(serverKeyValidityWindow)
	return federation.ServerKeyDocument(d.cfg.ServerName, d.cfg.NodeID, base64.StdEncoding.EncodeToString(pub), validUntil)
}

// serverKeyValidityWindow bounds how long a fetched server-key document is
// considered current before a peer should re-fetch it.
const serverKeyValidityWindow = 24 * time.Hour

// eventReceiver adapts a Daemon's EventLog into federation.Receiver:
// inbound federated events are appended to their room verbatim, under the
// sender named in the event; this receiver does not verify that sender.
type eventReceiver struct {
	events *eventlog.Log
	logger *slog.Logger
}

func (r *eventReceiver) ReceiveEvent(event federation.Event) (bool, string) {
	ctx := context.Background()
	if _, err := r.events.Append(ctx, event.RoomID, event.Sender, event.Type, event.Content, event.ParentID, false); err != nil {
		r.logger.Warn("failed to persist inbound federated event", "event_id", event.EventID, "error", err)
		return false, "failed to persist event"
	}
	return true, ""
}

// allowAll accepts every verified DID; the default when a Daemon is built
// without an explicit ACL.
type allowAll struct{}

func (allowAll) CheckDID(string) (didauth.ACLDecision, string) { return didauth.Allowed, "" }

// SubmitDag persists a DagSpec and builds its runtime Graph.
func (d *Daemon) SubmitDag(ctx context.Context, spec taskspec.DagSpec, priority int) (*dag.Graph, error) {
	if err := d.Runs.SaveDagSpec(ctx, spec, priority); err != nil {
		return nil, err
	}
	return dag.NewGraph(spec.Tasks)
}

// RunDag drives one DagRun to completion, wiring a fresh Scheduler over the
// Daemon's shared storage and worker pool, and applying live TodoMonitor
// diffs for the duration if monitor is non-nil.
func (d *Daemon) RunDag(ctx context.Context, runID, dagID string, graph *dag.Graph, monitor *todomonitor.Monitor) error {
	gate := scheduler.NewGate()
	cfg := d.cfg.SchedulerConfig
	if cfg.SchedulerSender == "" {
		cfg = scheduler.DefaultConfig(d.cfg.NodeID)
	}

	s := scheduler.New(runID, dagID, graph, d.Runs, d.Events, d.Guard, d.Pool, gate, cfg, d.Logger, d.Memory)

	if monitor != nil {
		changes := make(chan todomonitor.Diff, 8)
		go monitor.Run(ctx, changes)
		s.WatchTodo(changes)
	}

	return s.Run(ctx)
}
