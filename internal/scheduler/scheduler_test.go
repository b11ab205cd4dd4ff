package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtask/meshd/internal/conflictguard"
	"github.com/meshtask/meshd/internal/dag"
	"github.com/meshtask/meshd/internal/eventlog"
	"github.com/meshtask/meshd/internal/memory"
	"github.com/meshtask/meshd/internal/runstore"
	"github.com/meshtask/meshd/internal/taskspec"
	"github.com/meshtask/meshd/internal/todomonitor"
	"github.com/meshtask/meshd/internal/workerpool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMemoryStore struct {
	records map[string]memory.Record
}

func (f *fakeMemoryStore) Get(_ context.Context, key string) (memory.Record, error) {
	rec, ok := f.records[key]
	if !ok {
		return memory.Record{}, errNotFound{}
	}
	return rec, nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// fakeMemoryIndexer records every IndexSemantic call so tests can assert
// dispatchWithRetry's success branch indexes a completed task's declared
// outputs.
type fakeMemoryIndexer struct {
	mu      sync.Mutex
	indexed []fakeIndexCall
}

type fakeIndexCall struct {
	key, text, category string
}

func (f *fakeMemoryIndexer) IndexSemantic(_ context.Context, key, text, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, fakeIndexCall{key: key, text: text, category: category})
	return nil
}

func (f *fakeMemoryIndexer) calls() []fakeIndexCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeIndexCall(nil), f.indexed...)
}

// noopSpawner never actually starts a process; the test drives worker
// presence directly via Pool.MarkReady/Release instead of a real
// subprocess lifecycle.
type noopSpawner struct{}

func (noopSpawner) Spawn(ctx context.Context, workerID, scope, runtimeKind string, env map[string]string) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, "true"), nil
}

func testNode() workerpool.NodeInfo {
	return workerpool.NodeInfo{Arch: "amd64", OS: "linux", CPUCount: 4, MemoryMB: 8192}
}

// newHarness builds a Scheduler wired to a fresh EventLog/RunStore, with
// one worker slot pre-warmed to WorkerReady so dispatchOnce's Acquire call
// reuses it instead of spawning.
func newHarness(t *testing.T, runID string, graph *dag.Graph) (*Scheduler, *eventlog.Log, string) {
	s, events, workerID, _, _ := newHarnessWithIndexer(t, runID, graph)
	return s, events, workerID
}

// newHarnessWithIndexer is newHarness plus direct access to the backing
// RunStore and a fakeMemoryIndexer, for tests asserting
// dispatchWithRetry's success-path persistence.
func newHarnessWithIndexer(t *testing.T, runID string, graph *dag.Graph) (*Scheduler, *eventlog.Log, string, *runstore.Store, *fakeMemoryIndexer) {
	t.Helper()
	dir := t.TempDir()

	events, err := eventlog.Open(context.Background(), filepath.Join(dir, "events.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	store, err := runstore.Open(context.Background(), filepath.Join(dir, "run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	guard := conflictguard.New(&fakeMemoryStore{records: make(map[string]memory.Record)})
	pool := workerpool.New(1, noopSpawner{}, testNode(), nil)

	worker, err := pool.Acquire(context.Background(), runID, "command", taskspec.NodeSelector{})
	require.NoError(t, err)
	pool.MarkReady(worker.ID)
	pool.Release(worker.ID)

	gate := NewGate()
	cfg := DefaultConfig("scheduler")
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ResultTimeout = 2 * time.Second
	cfg.RetryInterval = 2 * time.Millisecond

	indexer := &fakeMemoryIndexer{}
	s := New(runID, "dag-1", graph, store, events, guard, pool, gate, cfg, discardLogger(), indexer)
	return s, events, worker.ID, store, indexer
}

// runFakeWorker subscribes to workerID's room and answers every
// cis.dag.task event with a cis.dag.result per reply.
func runFakeWorker(ctx context.Context, events *eventlog.Log, workerID string, reply func(TaskEventContent) ResultEventContent) {
	ch := events.Subscribe(ctx, workerID)
	go func() {
		for rec := range ch {
			if rec.Type != TaskEventType {
				continue
			}
			var content TaskEventContent
			if err := json.Unmarshal(rec.Content, &content); err != nil {
				continue
			}
			result := reply(content)
			_, _ = events.Append(ctx, workerID, "worker", ResultEventType, result, "", false)
		}
	}()
}

func TestRun_CompletesSimpleDag(t *testing.T) {
	graph, err := dag.NewGraph([]taskspec.TaskSpec{
		{ID: "t1", Level: taskspec.Level{Kind: taskspec.LevelMechanical}},
	})
	require.NoError(t, err)

	s, events, workerID := newHarness(t, "run-1", graph)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runFakeWorker(ctx, events, workerID, func(c TaskEventContent) ResultEventContent {
		return ResultEventContent{TaskID: c.Task.ID, Success: true, Output: "ok"}
	})

	require.NoError(t, s.Run(ctx))

	node, ok := graph.Node("t1")
	require.True(t, ok)
	assert.Equal(t, dag.Completed, node.Status)
}

func TestRun_RetriesMechanicalThenSucceeds(t *testing.T) {
	graph, err := dag.NewGraph([]taskspec.TaskSpec{
		{ID: "t1", Level: taskspec.Level{Kind: taskspec.LevelMechanical, Retries: 2}},
	})
	require.NoError(t, err)

	s, events, workerID := newHarness(t, "run-2", graph)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attempts := 0
	runFakeWorker(ctx, events, workerID, func(c TaskEventContent) ResultEventContent {
		attempts++
		if attempts < 2 {
			return ResultEventContent{TaskID: c.Task.ID, Success: false, Error: "transient"}
		}
		return ResultEventContent{TaskID: c.Task.ID, Success: true}
	})

	require.NoError(t, s.Run(ctx))

	node, ok := graph.Node("t1")
	require.True(t, ok)
	assert.Equal(t, dag.Completed, node.Status)
	assert.Equal(t, 2, attempts)
}

func TestRun_BlockingFailureAbortsRun(t *testing.T) {
	graph, err := dag.NewGraph([]taskspec.TaskSpec{
		{ID: "t1", Level: taskspec.Level{Kind: taskspec.LevelMechanical}, FailureClass: taskspec.Blocking},
		{ID: "t2", DependsOn: []string{"t1"}, Level: taskspec.Level{Kind: taskspec.LevelMechanical}},
	})
	require.NoError(t, err)

	s, events, workerID := newHarness(t, "run-3", graph)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runFakeWorker(ctx, events, workerID, func(c TaskEventContent) ResultEventContent {
		return ResultEventContent{TaskID: c.Task.ID, Success: false, Error: "boom"}
	})

	err = s.Run(ctx)
	require.Error(t, err)

	node, ok := graph.Node("t1")
	require.True(t, ok)
	assert.Equal(t, dag.Failed, node.Status)

	t2, ok := graph.Node("t2")
	require.True(t, ok)
	assert.NotEqual(t, dag.Completed, t2.Status)
}

func TestRun_IgnorableFailureRecordsDebtAndContinues(t *testing.T) {
	graph, err := dag.NewGraph([]taskspec.TaskSpec{
		{ID: "t1", Level: taskspec.Level{Kind: taskspec.LevelMechanical}, FailureClass: taskspec.Ignorable},
		{ID: "t2", Level: taskspec.Level{Kind: taskspec.LevelMechanical}},
	})
	require.NoError(t, err)

	s, events, workerID := newHarness(t, "run-4", graph)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runFakeWorker(ctx, events, workerID, func(c TaskEventContent) ResultEventContent {
		if c.Task.ID == "t1" {
			return ResultEventContent{TaskID: c.Task.ID, Success: false, Error: "boom"}
		}
		return ResultEventContent{TaskID: c.Task.ID, Success: true}
	})

	require.NoError(t, s.Run(ctx))

	t1, ok := graph.Node("t1")
	require.True(t, ok)
	assert.Equal(t, dag.Debt, t1.Status)
	assert.Equal(t, dag.DebtRetriesExhausted, t1.DebtKind)

	t2, ok := graph.Node("t2")
	require.True(t, ok)
	assert.Equal(t, dag.Completed, t2.Status)
}

func TestRun_ConfirmedLevelAbortsOnExplicitAbort(t *testing.T) {
	graph, err := dag.NewGraph([]taskspec.TaskSpec{
		{ID: "t1", Level: taskspec.Level{Kind: taskspec.LevelConfirmed, ConfirmTimeoutSec: 0}},
	})
	require.NoError(t, err)

	s, events, workerID := newHarness(t, "run-5", graph)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// ConfirmTimeoutSec of 0 falls back to Gate's 24h default wait, so force
	// an immediate abort instead by resolving it directly before Run can
	// block on it: the scheduler registers the pending channel the instant
	// it reaches the gate, so we resolve from a background goroutine.
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.gate.Resolve("t1", taskspec.DefaultAbort)
	}()

	runFakeWorker(ctx, events, workerID, func(c TaskEventContent) ResultEventContent {
		return ResultEventContent{TaskID: c.Task.ID, Success: true}
	})

	require.NoError(t, s.Run(ctx))

	node, ok := graph.Node("t1")
	require.True(t, ok)
	assert.Equal(t, dag.Debt, node.Status)
	assert.Equal(t, dag.DebtAborted, node.DebtKind)
}

func TestRun_PersistsOutputAndIndexesDeclaredOutputs(t *testing.T) {
	graph, err := dag.NewGraph([]taskspec.TaskSpec{
		{ID: "t1", Level: taskspec.Level{Kind: taskspec.LevelMechanical}, Outputs: []string{"t1.result"}},
	})
	require.NoError(t, err)

	s, events, workerID, store, indexer := newHarnessWithIndexer(t, "run-7", graph)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runFakeWorker(ctx, events, workerID, func(c TaskEventContent) ResultEventContent {
		return ResultEventContent{TaskID: c.Task.ID, Success: true, Output: "computed value"}
	})

	require.NoError(t, s.Run(ctx))

	out, err := store.GetTaskOutput(ctx, "run-7", "t1")
	require.NoError(t, err)
	assert.Equal(t, "computed value", string(out.Output))

	calls := indexer.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "t1.result", calls[0].key)
	assert.Equal(t, "computed value", calls[0].text)
	assert.Equal(t, "task_output", calls[0].category)
}

func TestApplyTodoDiff_AddsRemovesAndSkipsModified(t *testing.T) {
	graph, err := dag.NewGraph([]taskspec.TaskSpec{
		{ID: "t1", Level: taskspec.Level{Kind: taskspec.LevelMechanical}},
		{ID: "t2", Level: taskspec.Level{Kind: taskspec.LevelMechanical}},
	})
	require.NoError(t, err)

	s, _, _ := newHarness(t, "run-6", graph)

	_ = graph.SetStatus("t2", dag.Running)

	s.applyTodoDiff(todomonitor.Diff{
		Added:   []todomonitor.TodoItem{{TaskID: "added", Status: "pending", Priority: 3, Description: "new task"}},
		Removed: []string{"t1"},
		Modified: []todomonitor.Modification{
			{TaskID: "t2", StatusFrom: "running", StatusTo: "skipped", Priority: 9},
		},
	})

	_, ok := graph.Node("added")
	assert.True(t, ok)

	_, ok = graph.Node("t1")
	assert.False(t, ok, "removed pending task should be dropped")

	t2, ok := graph.Node("t2")
	require.True(t, ok)
	assert.Equal(t, dag.Running, t2.Status, "a Running node must not be modified by a todo diff")
}
