// Package workerpool manages the lifecycle of worker processes that
// execute dispatched tasks, per spec.md §4.5: find-or-spawn by scope and
// runtime kind, node-selector matching, capacity limits, and dead-worker
// reaping.
package workerpool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/meshtask/meshd/internal/errs"
	"github.com/meshtask/meshd/internal/taskspec"
)

// NodeInfo describes the host a worker runs on, used to match a task's
// NodeSelector, grounded on
// original_source/cis-core/src/scheduler/node_selector.rs's NodeInfo.
type NodeInfo struct {
	Arch        string
	OS          string
	Features    []string
	Labels      map[string]string
	CPUCount    int
	MemoryMB    int
}

// LocalNodeInfo probes the current process's host for arch/OS/CPU/memory,
// using runtime.GOARCH/GOOS and gopsutil for resource counts.
func LocalNodeInfo(ctx context.Context, features []string, labels map[string]string) NodeInfo {
	info := NodeInfo{
		Arch:     runtime.GOARCH,
		OS:       runtime.GOOS,
		Features: features,
		Labels:   labels,
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCount = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryMB = int(vm.Total / (1024 * 1024))
	}
	return info
}

// Matches reports whether node satisfies selector, per node_selector.rs's
// matches_node: every set constraint must hold; an unset (zero-value)
// constraint imposes nothing.
func Matches(selector taskspec.NodeSelector, node NodeInfo) bool {
	if selector.Arch != "" && selector.Arch != node.Arch {
		return false
	}
	if selector.OS != "" && selector.OS != node.OS {
		return false
	}
	for _, f := range selector.Features {
		if !containsString(node.Features, f) {
			return false
		}
	}
	if selector.MinCPUCount > 0 && node.CPUCount < selector.MinCPUCount {
		return false
	}
	if selector.MinMemoryMB > 0 && node.MemoryMB < selector.MinMemoryMB {
		return false
	}
	for k, v := range selector.Labels {
		if node.Labels[k] != v {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// WorkerStatus is the lifecycle state of one managed worker process.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerReady    WorkerStatus = "ready"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDead     WorkerStatus = "dead"
)

// WorkerEntry tracks one spawned worker subprocess.
type WorkerEntry struct {
	ID         string
	Scope      string
	RuntimeKind string
	Status     WorkerStatus
	Node       NodeInfo
	StartedAt  time.Time
	LastSeen   time.Time

	cmd *exec.Cmd
}

// Spawner starts a worker subprocess and returns its *exec.Cmd, already
// Start()-ed. Split out as an interface so tests can stub it.
type Spawner interface {
	Spawn(ctx context.Context, workerID, scope, runtimeKind string, env map[string]string) (*exec.Cmd, error)
}

// CommandSpawner spawns the worker binary as a detached child process,
// grounded on the teacher's exec.Command + SysProcAttr{Setpgid: true}
// idiom for child processes (internal/digraph/executor's command tests).
type CommandSpawner struct {
	BinaryPath string
	BaseArgs   []string
	WorkDir    string
}

// Spawn starts the worker binary with --worker-id/--scope/--runtime-kind
// flags, in its own process group so a reap of the scheduler does not take
// the worker down with it.
func (s CommandSpawner) Spawn(ctx context.Context, workerID, scope, runtimeKind string, env map[string]string) (*exec.Cmd, error) {
	args := append([]string{}, s.BaseArgs...)
	args = append(args,
		"--worker-id", workerID,
		"--scope", scope,
		"--runtime-kind", runtimeKind,
	)
	cmd := exec.CommandContext(ctx, s.BinaryPath, args...)
	cmd.Dir = s.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to spawn worker: %s", errs.ErrInternal, err)
	}
	return cmd, nil
}

// Pool manages a capacity-bounded set of worker subprocesses, finding or
// spawning one matching a (scope, runtime kind, node selector) request.
type Pool struct {
	mu       sync.Mutex
	workers  map[string]*WorkerEntry
	capacity int
	spawner  Spawner
	node     NodeInfo
	env      map[string]string
}

// New builds a Pool bounded to capacity concurrent workers, using spawner
// to start new ones and node as the local host's matchable NodeInfo.
func New(capacity int, spawner Spawner, node NodeInfo, env map[string]string) *Pool {
	return &Pool{
		workers:  make(map[string]*WorkerEntry),
		capacity: capacity,
		spawner:  spawner,
		node:     node,
		env:      env,
	}
}

// workerID formats spec.md's worker id shape:
// "<scope>-<runtime_kind>[-<uuid>]".
func workerID(scope, runtimeKind string) string {
	return fmt.Sprintf("%s-%s-%s", scope, runtimeKind, uuid.NewString()[:8])
}

// Acquire finds an idle worker matching scope/runtimeKind/selector, or
// spawns a new one if none is idle and the pool has capacity. It returns
// errs.ErrAtCapacity if the pool is full and no idle match exists.
func (p *Pool) Acquire(ctx context.Context, scope, runtimeKind string, selector taskspec.NodeSelector) (*WorkerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !Matches(selector, p.node) {
		return nil, fmt.Errorf("%w: no local node matches selector for scope %s", errs.ErrNotFound, scope)
	}

	for _, w := range p.workers {
		if w.Scope == scope && w.RuntimeKind == runtimeKind && w.Status == WorkerReady {
			w.Status = WorkerBusy
			return w, nil
		}
	}

	if len(p.workers) >= p.capacity {
		return nil, fmt.Errorf("%w: worker pool at capacity (%d)", errs.ErrAtCapacity, p.capacity)
	}

	id := workerID(scope, runtimeKind)
	cmd, err := p.spawner.Spawn(ctx, id, scope, runtimeKind, p.env)
	if err != nil {
		return nil, err
	}

	entry := &WorkerEntry{
		ID: id, Scope: scope, RuntimeKind: runtimeKind,
		Status: WorkerStarting, Node: p.node,
		StartedAt: time.Now(), LastSeen: time.Now(),
		cmd: cmd,
	}
	p.workers[id] = entry
	return entry, nil
}

// MarkReady transitions worker to WorkerReady, called once its
// cis.worker.ready handshake event has been observed (see the scheduler's
// awaitHandshake), replacing the original's fixed startup sleep.
func (p *Pool) MarkReady(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		w.Status = WorkerReady
		w.LastSeen = time.Now()
	}
}

// Release returns a busy worker to the ready pool.
func (p *Pool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok && w.Status == WorkerBusy {
		w.Status = WorkerReady
		w.LastSeen = time.Now()
	}
}

// Touch updates a worker's last-seen heartbeat timestamp.
func (p *Pool) Touch(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		w.LastSeen = time.Now()
	}
}

// ReapDead removes from the pool every worker whose last heartbeat is
// older than staleAfter, or whose *exec.Cmd already carries a
// ProcessState (set only once Wait has returned; the pool never calls
// Wait itself). Returns the reaped worker ids.
func (p *Pool) ReapDead(staleAfter time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reaped []string
	now := time.Now()
	for id, w := range p.workers {
		stale := now.Sub(w.LastSeen) > staleAfter
		exited := w.cmd != nil && w.cmd.ProcessState != nil
		if stale || exited {
			w.Status = WorkerDead
			delete(p.workers, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// Entries returns a snapshot of every worker currently tracked.
func (p *Pool) Entries() []WorkerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerEntry, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	return out
}

// Size returns the number of workers currently tracked (any status).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
