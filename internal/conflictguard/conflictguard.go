// Package conflictguard implements the structural "no delivery on
// unresolved conflict" guard named in spec.md §4.4/§9: the real
// vector-clock incomparability check (the original source stubs this to
// always report no conflicts; per spec.md §9's Open Question, this module
// implements the intended algorithm) and the sole constructor of
// SafeMemoryContext.
package conflictguard

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshtask/meshd/internal/errs"
	"github.com/meshtask/meshd/internal/memory"
)

// RemoteVersion is one replicated copy of a public record received from a
// peer but not yet reconciled with the local version.
type RemoteVersion struct {
	NodeID string
	Clock  memory.VectorClock
	Value  []byte
}

// Notification is spec.md §3's ConflictNotification: a key, its local
// version, and every remote version found concurrent with it.
type Notification struct {
	Key     string
	Local   memory.Record
	Remotes []RemoteVersion
}

// CheckResult is the outcome of Check: either every key was conflict-free,
// or a subset of them had divergent versions.
type CheckResult struct {
	Conflicts map[string]Notification // empty/nil means NoConflicts
}

func (r CheckResult) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// Store is the subset of memory.Store the guard needs.
type Store interface {
	Get(ctx context.Context, key string) (memory.Record, error)
}

// Guard detects public-memory version divergence and is the sole producer
// of SafeMemoryContext, per spec.md §4.4/§9.
type Guard struct {
	store Store

	mu        sync.RWMutex
	unresolved map[string][]RemoteVersion // key -> remote versions pending reconciliation
}

// New builds a Guard over store.
func New(store Store) *Guard {
	return &Guard{store: store, unresolved: make(map[string][]RemoteVersion)}
}

// ReceiveRemoteVersion records a replicated public version for later
// conflict evaluation. Called by Federation when a cis.memory.replicate
// event arrives for a key this node also holds.
func (g *Guard) ReceiveRemoteVersion(key string, rv RemoteVersion) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unresolved[key] = append(g.unresolved[key], rv)
}

// Check inspects each key's local public record against any remote
// versions received but not reconciled, per spec.md §4.4. Two versions of
// a key are in conflict iff their vector clocks are concurrent (neither
// dominates the other).
func (g *Guard) Check(ctx context.Context, keys []string) (CheckResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conflicts := make(map[string]Notification)
	for _, key := range keys {
		remotes, ok := g.unresolved[key]
		if !ok || len(remotes) == 0 {
			continue
		}

		local, err := g.store.Get(ctx, key)
		if err != nil {
			// No local version to conflict against; nothing to gate here.
			continue
		}

		var divergent []RemoteVersion
		for _, rv := range remotes {
			if memory.Concurrent(local.Clock, rv.Clock) {
				divergent = append(divergent, rv)
			}
		}
		if len(divergent) > 0 {
			conflicts[key] = Notification{Key: key, Local: local, Remotes: divergent}
		}
	}

	return CheckResult{Conflicts: conflicts}, nil
}

// SafeMemoryContext is the only handle Scheduler may inject into a task's
// preparation step. Its constructor is unexported: the only way to obtain
// one is CheckAndBuildContext below, which only succeeds when Check
// reported NoConflicts. This makes "task ran with unresolved conflicting
// memory" structurally unreachable from outside this package.
type SafeMemoryContext struct {
	records map[string]memory.Record
}

// newSafeMemoryContext is intentionally unexported: no code outside this
// package can construct a SafeMemoryContext by any other path, per
// spec.md §9's "enforcing the guard invariant" note.
func newSafeMemoryContext(records map[string]memory.Record) *SafeMemoryContext {
	return &SafeMemoryContext{records: records}
}

// Get returns the memory record bound into this context for key.
func (c *SafeMemoryContext) Get(key string) (memory.Record, bool) {
	rec, ok := c.records[key]
	return rec, ok
}

// Keys returns every key bound into this context.
func (c *SafeMemoryContext) Keys() []string {
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	return keys
}

// CheckAndBuildContext performs Check and, on NoConflicts, fetches each
// key's record and wraps it in a SafeMemoryContext. On any conflict it
// returns errs.ErrConflictBlocked without exposing any record, per
// spec.md §4.4.
func (g *Guard) CheckAndBuildContext(ctx context.Context, keys []string) (*SafeMemoryContext, error) {
	result, err := g.Check(ctx, keys)
	if err != nil {
		return nil, err
	}
	if result.HasConflicts() {
		return nil, fmt.Errorf("%w: %d of %d declared keys have unresolved conflicts", errs.ErrConflictBlocked, len(result.Conflicts), len(keys))
	}

	records := make(map[string]memory.Record, len(keys))
	for _, key := range keys {
		rec, err := g.store.Get(ctx, key)
		if err != nil {
			continue // absent input keys are simply not bound; not every declared key must exist
		}
		records[key] = rec
	}
	return newSafeMemoryContext(records), nil
}

// ResolutionChoice is how an operator resolves a conflict, per spec.md
// §4.4.
type ResolutionChoice string

const (
	KeepLocal  ResolutionChoice = "keep_local"
	KeepRemote ResolutionChoice = "keep_remote"
	KeepBoth   ResolutionChoice = "keep_both"
	AIMerge    ResolutionChoice = "ai_merge"
)

// Writer is the subset of memory.Store the guard needs to apply a
// resolution.
type Writer interface {
	Store
	Set(ctx context.Context, key string, value []byte, domain memory.Domain, category string) (memory.Record, error)
}

// Resolve applies choice to key's conflict and clears it from the
// unresolved set, per spec.md §4.4. remoteNodeID selects which remote
// version KeepRemote adopts; it is ignored for other choices. KeepBoth
// renames the local version to "<key>_local" and adopts the remote as the
// canonical key.
func (g *Guard) Resolve(ctx context.Context, writer Writer, key string, choice ResolutionChoice, remoteNodeID string) error {
	g.mu.Lock()
	remotes := g.unresolved[key]
	delete(g.unresolved, key)
	g.mu.Unlock()

	switch choice {
	case KeepLocal:
		return nil // local record already canonical; nothing to write
	case KeepRemote:
		for _, rv := range remotes {
			if rv.NodeID == remoteNodeID {
				_, err := writer.Set(ctx, key, rv.Value, memory.Public, "")
				return err
			}
		}
		return fmt.Errorf("%w: no remote version from node %s for key %s", errs.ErrNotFound, remoteNodeID, key)
	case KeepBoth:
		local, err := writer.Get(ctx, key)
		if err != nil {
			return err
		}
		if _, err := writer.Set(ctx, key+"_local", local.Value, memory.Public, local.Category); err != nil {
			return err
		}
		for _, rv := range remotes {
			if rv.NodeID == remoteNodeID {
				_, err := writer.Set(ctx, key, rv.Value, memory.Public, local.Category)
				return err
			}
		}
		return fmt.Errorf("%w: no remote version from node %s for key %s", errs.ErrNotFound, remoteNodeID, key)
	case AIMerge:
		// Merge strategy is a host-supplied capability (akin to Embedder);
		// this core records the resolution intent but performs no content
		// merge of its own, per spec.md §1's "opaque AI provider" scoping.
		return fmt.Errorf("%w: AIMerge requires a host-supplied merge capability", errs.ErrInvalidInput)
	default:
		return fmt.Errorf("%w: unknown resolution choice %q", errs.ErrInvalidInput, choice)
	}
}
