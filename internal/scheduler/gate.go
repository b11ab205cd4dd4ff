package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/meshtask/meshd/internal/taskspec"
)

// Gate resolves the four-tier decision levels named in spec.md §4.6:
// Mechanical proceeds unconditionally; Recommended/Confirmed/Arbitrated
// wait for an external override up to their configured timeout, falling
// back to a timeout default when none arrives.
type Gate struct {
	mu      sync.Mutex
	pending map[string]chan taskspec.RecommendedDefault
}

// NewGate builds an empty Gate.
func NewGate() *Gate {
	return &Gate{pending: make(map[string]chan taskspec.RecommendedDefault)}
}

// Resolve supplies an external override for taskID's pending decision
// (an operator confirming, an arbitration vote concluding, etc). It is a
// no-op if no decision is currently pending for taskID.
func (g *Gate) Resolve(taskID string, action taskspec.RecommendedDefault) {
	g.mu.Lock()
	ch, ok := g.pending[taskID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- action:
	default:
	}
}

// Await blocks until taskID's level is resolved: immediately for
// Mechanical, on external Resolve or timeout otherwise. The returned
// action is always DefaultExecute for Mechanical.
func (g *Gate) Await(ctx context.Context, taskID string, level taskspec.Level) (taskspec.RecommendedDefault, error) {
	switch level.Kind {
	case taskspec.LevelMechanical:
		return taskspec.DefaultExecute, nil
	case taskspec.LevelRecommended:
		return g.await(ctx, taskID, time.Duration(level.TimeoutSec)*time.Second, level.Default)
	case taskspec.LevelConfirmed:
		return g.await(ctx, taskID, time.Duration(level.ConfirmTimeoutSec)*time.Second, taskspec.DefaultAbort)
	case taskspec.LevelArbitrated:
		return g.await(ctx, taskID, time.Duration(level.VoteTimeoutSec)*time.Second, taskspec.DefaultAbort)
	default:
		return taskspec.DefaultExecute, nil
	}
}

func (g *Gate) await(ctx context.Context, taskID string, timeout time.Duration, fallback taskspec.RecommendedDefault) (taskspec.RecommendedDefault, error) {
	ch := make(chan taskspec.RecommendedDefault, 1)
	g.mu.Lock()
	g.pending[taskID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, taskID)
		g.mu.Unlock()
	}()

	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case action := <-ch:
		return action, nil
	case <-timer.C:
		return fallback, nil
	case <-ctx.Done():
		return taskspec.DefaultAbort, ctx.Err()
	}
}
