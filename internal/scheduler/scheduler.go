// Package scheduler runs the main dispatch loop named in spec.md §4.7: it
// walks a DagRun's ready set, resolves each task's decision gate, checks
// ConflictGuard, dispatches to a matching WorkerPool entry over EventLog,
// and applies the resulting state transitions, grounded on
// other_examples/db53d68e_karin478-Apex's semaphore-per-round worker pool
// shape.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshtask/meshd/internal/backoff"
	"github.com/meshtask/meshd/internal/conflictguard"
	"github.com/meshtask/meshd/internal/dag"
	"github.com/meshtask/meshd/internal/errs"
	"github.com/meshtask/meshd/internal/eventlog"
	"github.com/meshtask/meshd/internal/runstore"
	"github.com/meshtask/meshd/internal/taskspec"
	"github.com/meshtask/meshd/internal/todomonitor"
	"github.com/meshtask/meshd/internal/workerpool"
)

// TaskEventType/ResultEventType/ReadyEventType are the event types
// exchanged between Scheduler and Worker, per spec.md §6.
const (
	TaskEventType   = "cis.dag.task"
	ResultEventType = "cis.dag.result"
	ReadyEventType  = "cis.worker.ready"
)

// TaskEventContent is the body of a cis.dag.task event.
type TaskEventContent struct {
	RunID string            `json:"run_id"`
	Task  taskspec.TaskSpec `json:"task"`
}

// ResultEventContent is the body of a cis.dag.result event.
type ResultEventContent struct {
	TaskID   string `json:"task_id"`
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReadyEventContent is the body of a cis.worker.ready event, a Worker's
// startup handshake appended to its own room in place of the original's
// fixed startup sleep.
type ReadyEventContent struct {
	WorkerID string `json:"worker_id"`
}

// MemoryIndexer is the subset of MemoryStore's surface dispatchWithRetry
// needs to index a completed task's declared outputs, per spec.md §4.7
// step 3 ("if configured, index to MemoryStore").
type MemoryIndexer interface {
	IndexSemantic(ctx context.Context, key, text, category string) error
}

// Config tunes one Scheduler's dispatch loop.
type Config struct {
	SchedulerSender  string        // event sender id this scheduler appends as
	MaxParallel      int           // bound on concurrently-dispatched tasks per round; 0 means len(ready)
	PollInterval     time.Duration // idle-loop backoff when nothing is ready
	ResultTimeout    time.Duration // how long to wait for a dispatched task's result before treating it as lost; also bounds the wait for a free pool slot
	RetryInterval    time.Duration // initial spacing between a Mechanical task's dispatch attempts, doubled per attempt up to 5 minutes
}

// DefaultConfig returns sane defaults: unbounded per-round parallelism, a
// 50ms idle poll, a 5 minute per-task result timeout (spec.md §5's default
// per-task execution timeout), and a 500ms initial inter-retry spacing.
func DefaultConfig(sender string) Config {
	return Config{
		SchedulerSender: sender,
		PollInterval:    50 * time.Millisecond,
		ResultTimeout:   5 * time.Minute,
		RetryInterval:   500 * time.Millisecond,
	}
}

// Scheduler runs one DagRun to completion.
type Scheduler struct {
	runID string
	dagID string
	graph *dag.Graph
	store *runstore.Store
	events *eventlog.Log
	guard *conflictguard.Guard
	pool  *workerpool.Pool
	gate  *Gate
	cfg   Config
	logger *slog.Logger

	memIndexer MemoryIndexer

	todoChanges <-chan todomonitor.Diff
}

// New builds a Scheduler for one DagRun. memIndexer may be nil, in which
// case completed tasks' outputs are persisted to RunStore but never
// indexed semantically.
func New(runID, dagID string, graph *dag.Graph, store *runstore.Store, events *eventlog.Log, guard *conflictguard.Guard, pool *workerpool.Pool, gate *Gate, cfg Config, logger *slog.Logger, memIndexer MemoryIndexer) *Scheduler {
	return &Scheduler{
		runID: runID, dagID: dagID, graph: graph, store: store, events: events,
		guard: guard, pool: pool, gate: gate, cfg: cfg, logger: logger,
		memIndexer: memIndexer,
	}
}

// WatchTodo wires a TodoMonitor's change channel so Run applies diffs as
// they arrive, per spec.md §4.7 step 4.
func (s *Scheduler) WatchTodo(changes <-chan todomonitor.Diff) {
	s.todoChanges = changes
}

// Run drives the DagRun to completion or until ctx is cancelled,
// dispatching each round's ready set concurrently and waiting for the
// round to finish before computing the next ready set — the same
// round-barrier shape as the Apex pool, generalized with decision gates,
// conflict checks, and worker acquisition.
func (s *Scheduler) Run(ctx context.Context) error {
	for !s.graph.IsComplete() {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.applyPendingTodoDiffs()

		ready := s.orderReady(s.graph.ReadySet())
		if len(ready) == 0 {
			if s.graph.IsComplete() {
				break
			}
			if s.graph.HasBlockingFailure() {
				return fmt.Errorf("%w: run %s blocked by a blocking task failure", errs.ErrInternal, s.runID)
			}
			select {
			case <-time.After(s.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		limit := s.cfg.MaxParallel
		if limit <= 0 {
			limit = len(ready)
		}
		sem := make(chan struct{}, limit)
		var wg sync.WaitGroup

		for _, id := range ready {
			node, _ := s.graph.Node(id)
			_ = s.graph.SetStatus(id, dag.Running)

			sem <- struct{}{}
			wg.Add(1)
			go func(n *dag.Node) {
				defer wg.Done()
				defer func() { <-sem }()
				s.runOne(ctx, n)
			}(node)
		}
		wg.Wait()

		if err := s.persist(ctx); err != nil {
			s.logger.Warn("failed to persist run state", "run_id", s.runID, "error", err)
		}
	}

	return s.persist(ctx)
}

// orderReady sorts a round's ready set by explicit priority (descending),
// then topological depth (ascending), then insertion order, per spec.md
// §4.7 step 2. Priority changes applied by applyTodoDiff take effect here
// since ordering is recomputed fresh every round.
func (s *Scheduler) orderReady(ready []string) []string {
	sort.SliceStable(ready, func(i, j int) bool {
		ni, _ := s.graph.Node(ready[i])
		nj, _ := s.graph.Node(ready[j])
		if ni.Spec.Priority != nj.Spec.Priority {
			return ni.Spec.Priority > nj.Spec.Priority
		}
		if ni.Depth != nj.Depth {
			return ni.Depth < nj.Depth
		}
		return s.graph.InsertionIndex(ready[i]) < s.graph.InsertionIndex(ready[j])
	})
	return ready
}

func (s *Scheduler) applyPendingTodoDiffs() {
	if s.todoChanges == nil {
		return
	}
	for {
		select {
		case d := <-s.todoChanges:
			s.applyTodoDiff(d)
		default:
			return
		}
	}
}

// applyTodoDiff implements spec.md §4.7 step 4: added items become new
// Pending nodes (rejected if AddNode refuses them), removed Pending items
// are dropped, and for a node that is not Running a modification's
// priority is applied and a status change to "skipped" marks it Skipped;
// other status changes are not applied.
func (s *Scheduler) applyTodoDiff(d todomonitor.Diff) {
	for _, item := range d.Added {
		spec := taskspec.TaskSpec{ID: item.TaskID, Priority: item.Priority, Title: item.Description}
		if err := s.graph.AddNode(spec); err != nil {
			s.logger.Warn("todo diff added a task the graph rejected, dropping", "task_id", item.TaskID, "error", err)
		}
	}
	for _, id := range d.Removed {
		s.graph.RemoveNode(id)
	}
	for _, mod := range d.Modified {
		node, ok := s.graph.Node(mod.TaskID)
		if !ok || node.Status == dag.Running {
			continue
		}
		node.Spec.Priority = mod.Priority
		if mod.StatusTo == "skipped" {
			_ = s.graph.SetStatus(mod.TaskID, dag.Skipped)
		}
	}
}

// runOne resolves the decision gate, the conflict guard, acquires a
// worker, dispatches, and awaits the result for a single ready node.
func (s *Scheduler) runOne(ctx context.Context, node *dag.Node) {
	task := node.Spec
	level := task.EffectiveLevel()

	action, err := s.gate.Await(ctx, task.ID, level)
	if err != nil {
		_ = s.graph.SetStatus(task.ID, dag.Failed)
		return
	}
	switch action {
	case taskspec.DefaultSkip:
		_ = s.graph.SetStatus(task.ID, dag.Skipped)
		return
	case taskspec.DefaultAbort:
		node.DebtKind = dag.DebtAborted
		_ = s.graph.SetStatus(task.ID, dag.Debt)
		return
	}

	if len(task.MemoryKeys) > 0 {
		if _, err := s.guard.CheckAndBuildContext(ctx, task.MemoryKeys); err != nil {
			s.logger.Warn("task blocked by unresolved memory conflict", "task_id", task.ID, "error", err)
			node.DebtKind = dag.DebtConflictBlocked
			_ = s.graph.SetStatus(task.ID, dag.Debt)
			return
		}
	}

	s.dispatchWithRetry(ctx, task, level)
}

func (s *Scheduler) dispatchWithRetry(ctx context.Context, task taskspec.TaskSpec, level taskspec.Level) {
	maxRetries := 0
	if level.Kind == taskspec.LevelMechanical {
		maxRetries = level.Retries
	}

	policy := backoff.NewExponentialBackoffPolicy(s.cfg.RetryInterval)
	policy.MaxInterval = 5 * time.Minute
	retrier := backoff.NewRetrier(policy)

	var lastErr string
	start := time.Now()
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := s.dispatchOnce(ctx, task)
		if errs.Is(err, errs.ErrAtCapacity) && time.Since(start) < s.cfg.ResultTimeout {
			// A full pool is not a dispatch: wait for a slot without spending a retry.
			select {
			case <-time.After(s.cfg.PollInterval):
				attempt--
				continue
			case <-ctx.Done():
			}
		}
		if err == nil && result.Success {
			s.persistOutput(ctx, task, result)
			_ = s.graph.SetStatus(task.ID, dag.Completed)
			return
		}
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = result.Error
		}
		s.logger.Warn("task dispatch failed", "task_id", task.ID, "attempt", attempt, "error", lastErr)

		if attempt < maxRetries {
			if waitErr := retrier.Next(ctx, err); waitErr != nil {
				break
			}
		}
	}

	node, _ := s.graph.Node(task.ID)
	if task.FailureClass == taskspec.Blocking {
		_ = s.graph.SetStatus(task.ID, dag.Failed)
	} else {
		node.DebtKind = dag.DebtRetriesExhausted
		_ = s.graph.SetStatus(task.ID, dag.Debt)
	}
}

// awaitHandshake blocks until the given worker's cis.worker.ready event
// arrives on ch, then marks it ready in the pool. A freshly spawned
// worker sits in WorkerStarting until this fires, replacing the
// original's fixed startup sleep (spec.md §9).
func (s *Scheduler) awaitHandshake(ctx context.Context, workerID string, ch <-chan eventlog.Record) error {
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: worker %s room closed before it announced readiness", errs.ErrInternal, workerID)
			}
			if rec.Type != ReadyEventType {
				continue
			}
			var ready ReadyEventContent
			if err := json.Unmarshal(rec.Content, &ready); err != nil || ready.WorkerID != workerID {
				continue
			}
			s.pool.MarkReady(workerID)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: timed out waiting for worker %s to announce readiness", errs.ErrNetwork, workerID)
		}
	}
}

// persistOutput writes a succeeded task's output to RunStore and, if a
// MemoryIndexer is configured, indexes each of its declared Outputs keys
// semantically, per spec.md §4.7 step 3.
func (s *Scheduler) persistOutput(ctx context.Context, task taskspec.TaskSpec, result ResultEventContent) {
	out := runstore.TaskOutput{
		RunID:    s.runID,
		TaskID:   task.ID,
		Output:   []byte(result.Output),
		ExitCode: result.ExitCode,
		Format:   "text",
	}
	if err := s.store.SaveTaskOutput(ctx, out); err != nil {
		s.logger.Warn("failed to save task output", "task_id", task.ID, "error", err)
	}

	if s.memIndexer == nil {
		return
	}
	for _, key := range task.Outputs {
		if err := s.memIndexer.IndexSemantic(ctx, key, result.Output, "task_output"); err != nil {
			s.logger.Warn("failed to index task output semantically", "task_id", task.ID, "key", key, "error", err)
		}
	}
}

// dispatchOnce acquires a worker, awaits its startup handshake if it was
// just spawned, appends the task event to its room, and waits for the
// matching result event.
func (s *Scheduler) dispatchOnce(ctx context.Context, task taskspec.TaskSpec) (ResultEventContent, error) {
	var selector taskspec.NodeSelector
	if task.Selector != nil {
		selector = *task.Selector
	}
	runtimeKind := task.RuntimeKind
	if runtimeKind == "" {
		runtimeKind = "command"
	}

	worker, err := s.pool.Acquire(ctx, s.runID, runtimeKind, selector)
	if err != nil {
		return ResultEventContent{}, err
	}
	defer s.pool.Release(worker.ID)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ResultTimeout)
	defer cancel()
	resultCh := s.events.Subscribe(waitCtx, worker.ID)

	if worker.Status == workerpool.WorkerStarting {
		if err := s.awaitHandshake(waitCtx, worker.ID, resultCh); err != nil {
			return ResultEventContent{}, err
		}
	}

	content := TaskEventContent{RunID: s.runID, Task: task}
	if _, err := s.events.Append(ctx, worker.ID, s.cfg.SchedulerSender, TaskEventType, content, "", false); err != nil {
		return ResultEventContent{}, err
	}

	for {
		select {
		case rec, ok := <-resultCh:
			if !ok {
				return ResultEventContent{}, fmt.Errorf("%w: worker %s room closed before result for task %s", errs.ErrInternal, worker.ID, task.ID)
			}
			if rec.Type != ResultEventType {
				continue
			}
			var result ResultEventContent
			if err := json.Unmarshal(rec.Content, &result); err != nil {
				continue
			}
			if result.TaskID != task.ID {
				continue
			}
			return result, nil
		case <-waitCtx.Done():
			return ResultEventContent{}, fmt.Errorf("%w: timed out waiting for result of task %s from worker %s", errs.ErrNetwork, task.ID, worker.ID)
		}
	}
}

// persist writes the graph's current task statuses and the run row to
// RunStore in a single transaction, per spec.md §4.2.
func (s *Scheduler) persist(ctx context.Context) error {
	statuses := make(map[string]string)
	serialized := make(map[string][]byte)
	for _, id := range s.graph.AllIDs() {
		node, ok := s.graph.Node(id)
		if !ok {
			continue
		}
		statuses[id] = string(node.Status)
		body, err := json.Marshal(node.Spec)
		if err != nil {
			return err
		}
		serialized[id] = body
	}

	status := runstore.RunRunning
	if s.graph.IsComplete() {
		if len(s.graph.FailedNodes()) > 0 {
			status = runstore.RunFailed
		} else {
			status = runstore.RunCompleted
		}
	}

	run := runstore.DagRun{RunID: s.runID, DagID: s.dagID, Status: status}
	return s.store.SaveRunAndTasks(ctx, run, statuses, serialized)
}
