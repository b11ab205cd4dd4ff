// Package dag builds a runtime execution graph from a taskspec.DagSpec:
// cycle detection, topological levels and ordering, ready-set computation,
// and terminal-status bookkeeping, per spec.md §3/§4.5.
package dag

import (
	"fmt"
	"sync"

	"github.com/meshtask/meshd/internal/taskspec"
)

// Status is a node's runtime state in the graph.
type Status string

const (
	Pending    Status = "pending"
	Ready      Status = "ready"
	Running    Status = "running"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Skipped    Status = "skipped"
	Arbitrated Status = "arbitrated"
	Debt       Status = "debt"
)

// DebtKind records why a Debt-status node stopped advancing.
type DebtKind string

const (
	// DebtAborted marks a decision gate that fell through to DefaultAbort.
	DebtAborted DebtKind = "aborted"
	// DebtConflictBlocked marks a node ConflictGuard refused to clear.
	DebtConflictBlocked DebtKind = "conflict_blocked"
	// DebtRetriesExhausted marks an Ignorable task that ran out of retries.
	DebtRetriesExhausted DebtKind = "retries_exhausted"
)

// Node is one task's position and runtime state in the graph.
type Node struct {
	Spec         taskspec.TaskSpec
	Dependencies []string
	Dependents   []string
	Status       Status
	DebtKind     DebtKind
	Depth        int
}

func (n Node) isTerminal() bool {
	switch n.Status {
	case Completed, Skipped, Failed, Debt:
		return true
	default:
		return false
	}
}

func (n Node) satisfiesDependency() bool {
	return n.Status == Completed || n.Status == Skipped
}

// CycleError reports the offending dependency path when a Graph cannot be
// built acyclically.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in dependency graph: %v", e.Path)
}

// Graph is the runtime execution graph for one DagRun. Safe for concurrent
// use: the Scheduler reads ReadySet/Node from its round-barrier goroutines
// while SetStatus/AddNode/RemoveNode may be called from the same round.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // insertion order, used as the final priority tiebreaker
}

// NewGraph builds a Graph from a task set, validating dependency
// referential integrity and acyclicity. On success every node carries an
// assigned topological depth.
func NewGraph(tasks []taskspec.TaskSpec) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(tasks)), order: make([]string, 0, len(tasks))}

	for _, t := range tasks {
		if _, exists := g.nodes[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		g.nodes[t.ID] = &Node{Spec: t, Dependencies: append([]string(nil), t.DependsOn...), Status: Pending}
		g.order = append(g.order, t.ID)
	}

	for id, n := range g.nodes {
		for _, dep := range n.Dependencies {
			depNode, ok := g.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
			depNode.Dependents = append(depNode.Dependents, id)
		}
	}

	if cycle := g.detectCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	g.assignDepths()
	return g, nil
}

// detectCycle runs DFS with a recursion set, returning the cycle path if
// one exists, grounded on the original scheduler's detect_cycle_dfs.
func (g *Graph) detectCycle() []string {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range g.nodes[id].Dependencies {
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return cycle
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return nil
	}

	for id := range g.nodes {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// assignDepths assigns each node's topological depth via BFS from the
// roots (zero-dependency nodes), per spec.md §4.5.
func (g *Graph) assignDepths() {
	inDegree := make(map[string]int, len(g.nodes))
	queue := make([]string, 0, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.Dependencies)
		if inDegree[id] == 0 {
			n.Depth = 0
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := g.nodes[id]
		for _, dependent := range n.Dependents {
			dn := g.nodes[dependent]
			if candidate := n.Depth + 1; candidate > dn.Depth {
				dn.Depth = candidate
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
}

// Node returns the node with the given id, or (nil, false). The returned
// pointer is shared; callers mutating it directly (as the Scheduler does
// for DebtKind) must not do so concurrently with another goroutine holding
// the same id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// SetStatus transitions a node's status. Returns an error if id is unknown.
func (g *Graph) SetStatus(id string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %q not found", id)
	}
	n.Status = status
	return nil
}

// AllIDs returns every node id currently in the graph, in insertion order.
func (g *Graph) AllIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ReadySet returns the ids of every node in Pending or Ready status whose
// dependencies are all Completed or Skipped, per spec.md §4.5. Order
// follows insertion order for a stable, deterministic iteration; callers
// apply their own priority ordering on top (spec.md §4.7 step 2).
func (g *Graph) ReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != Pending && n.Status != Ready {
			continue
		}
		if g.dependenciesSatisfied(n) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (g *Graph) dependenciesSatisfied(n *Node) bool {
	for _, dep := range n.Dependencies {
		depNode, ok := g.nodes[dep]
		if !ok || !depNode.satisfiesDependency() {
			return false
		}
	}
	return true
}

// TopologicalLevels groups node ids by depth; nodes in the same level may
// be dispatched in parallel.
func (g *Graph) TopologicalLevels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	byDepth := make(map[int][]string)
	maxDepth := 0
	for _, id := range g.order {
		d := g.nodes[id].Depth
		byDepth[d] = append(byDepth[d], id)
		if d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, maxDepth+1)
	for d := 0; d <= maxDepth; d++ {
		levels[d] = byDepth[d]
	}
	return levels
}

// TopologicalSort returns a total dependency order via Kahn's algorithm,
// used for offline preview per spec.md §4.5.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inDegree := make(map[string]int, len(g.nodes))
	queue := make([]string, 0, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].Dependencies)
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, dependent := range g.nodes[id].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, fmt.Errorf("cycle detected during topological sort")
	}
	return result, nil
}

// IsComplete reports whether every node has reached a terminal status.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if !n.isTerminal() {
			return false
		}
	}
	return true
}

// FailedNodes returns the ids of every node currently Failed.
func (g *Graph) FailedNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var failed []string
	for _, id := range g.order {
		if g.nodes[id].Status == Failed {
			failed = append(failed, id)
		}
	}
	return failed
}

// HasBlockingFailure reports whether any Failed node has FailureClass
// Blocking, which per spec.md §4.5 moves the whole run to Failed.
func (g *Graph) HasBlockingFailure() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == Failed && n.Spec.FailureClass == taskspec.Blocking {
			return true
		}
	}
	return false
}

// Reset returns every node to Pending, used for retry-from-scratch flows.
// Supplemented from the original scheduler's reset(), not named directly
// in spec.md's distillation.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.Status = Pending
	}
}

// Stats is a point-in-time count of nodes per status, supplemented from
// the original scheduler's get_stats().
type Stats struct {
	Total      int
	Pending    int
	Ready      int
	Running    int
	Completed  int
	Failed     int
	Skipped    int
	Arbitrated int
	Debt       int
}

// Stats computes the current Stats snapshot.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var s Stats
	for _, n := range g.nodes {
		switch n.Status {
		case Pending:
			s.Pending++
		case Ready:
			s.Ready++
		case Running:
			s.Running++
		case Completed:
			s.Completed++
		case Failed:
			s.Failed++
		case Skipped:
			s.Skipped++
		case Arbitrated:
			s.Arbitrated++
		case Debt:
			s.Debt++
		}
	}
	s.Total = len(g.nodes)
	return s
}

// InsertionIndex returns the position id was first declared in, used by
// the Scheduler as the final priority tiebreaker (explicit priority field
// > topological depth > insertion order, per spec.md §4.7).
func (g *Graph) InsertionIndex(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i, existing := range g.order {
		if existing == id {
			return i
		}
	}
	return -1
}

// AddNode inserts a new Pending node discovered via a TodoMonitor diff,
// validating it does not introduce a cycle. Per spec.md §4.7 step 4:
// "added items become new Pending nodes (insertion validated for cycles)".
func (g *Graph) AddNode(t taskspec.TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[t.ID]; exists {
		return fmt.Errorf("task id %q already present", t.ID)
	}
	for _, dep := range t.DependsOn {
		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
		}
	}

	n := &Node{Spec: t, Dependencies: append([]string(nil), t.DependsOn...), Status: Pending}
	g.nodes[t.ID] = n
	g.order = append(g.order, t.ID)
	for _, dep := range n.Dependencies {
		g.nodes[dep].Dependents = append(g.nodes[dep].Dependents, t.ID)
	}

	if cycle := g.detectCycle(); cycle != nil {
		// Roll back the insertion; the caller's diff is rejected.
		g.removeNode(t.ID)
		return &CycleError{Path: cycle}
	}
	g.assignDepths()
	return nil
}

// RemoveNode drops a still-Pending node, per spec.md §4.7 step 4: "removed
// items that are still Pending are dropped". Returns false if the node is
// missing or not Pending.
func (g *Graph) RemoveNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok || n.Status != Pending {
		return false
	}
	g.removeNode(id)
	return true
}

func (g *Graph) removeNode(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, dep := range n.Dependencies {
		if depNode, ok := g.nodes[dep]; ok {
			depNode.Dependents = removeString(depNode.Dependents, id)
		}
	}
	delete(g.nodes, id)
	g.order = removeString(g.order, id)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
