// Package todomonitor watches an externally mutable plan and diffs it
// against a DagRun's live todo snapshot, per spec.md §4.10: on each tick
// it loads the external plan, computes {added, removed, modified}, and
// emits a Diff for the Scheduler to apply.
package todomonitor

import (
	"context"
	"log/slog"
	"time"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
)

// TodoItem is one entry of the external plan, keyed by TaskID.
type TodoItem struct {
	TaskID      string
	Status      string
	Priority    int
	Description string
}

// Loader is the seam an external plan store implements — file-backed,
// DB-backed, or anything else the host supplies. The monitor only
// consumes it.
type Loader interface {
	// Load returns the current external plan as a snapshot keyed by task
	// id.
	Load(ctx context.Context) (map[string]TodoItem, error)
	// WatchPath optionally returns a filesystem path to watch for
	// out-of-band wake-ups; "" means ticks are the only trigger.
	WatchPath() string
}

// Modification records the fields that changed on an item present both
// before and after a diff.
type Modification struct {
	TaskID      string
	StatusFrom  string
	StatusTo    string
	Priority    int
	Description string
}

// Diff is the change set produced by one comparison of the live snapshot
// against the freshly loaded external plan.
type Diff struct {
	Added    []TodoItem
	Removed  []string
	Modified []Modification
}

func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Monitor ticks on a fixed interval, loading the external plan via Loader
// and diffing it against the snapshot last seen, per spec.md §4.10.
type Monitor struct {
	loader   Loader
	interval time.Duration
	logger   *slog.Logger

	snapshot map[string]TodoItem
}

// New builds a Monitor polling loader every interval.
func New(loader Loader, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{loader: loader, interval: interval, logger: logger, snapshot: make(map[string]TodoItem)}
}

// diff compares current (the monitor's last-seen snapshot) against next
// (the freshly loaded external plan).
func diff(current, next map[string]TodoItem) Diff {
	var d Diff
	for id, item := range next {
		prev, existed := current[id]
		if !existed {
			d.Added = append(d.Added, item)
			continue
		}
		if prev.Status != item.Status || prev.Priority != item.Priority || prev.Description != item.Description {
			d.Modified = append(d.Modified, Modification{
				TaskID: id, StatusFrom: prev.Status, StatusTo: item.Status,
				Priority: item.Priority, Description: item.Description,
			})
		}
	}
	for id := range current {
		if _, stillPresent := next[id]; !stillPresent {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

// ApplyToSnapshot merges mod's changed fields onto base using a
// field-level merge (only non-zero fields in mod override base),
// grounded on the teacher's dario.cat/mergo dependency.
func ApplyToSnapshot(base TodoItem, mod Modification) (TodoItem, error) {
	update := TodoItem{
		TaskID:      mod.TaskID,
		Status:      mod.StatusTo,
		Priority:    mod.Priority,
		Description: mod.Description,
	}
	if err := mergo.Merge(&base, update, mergo.WithOverride); err != nil {
		return TodoItem{}, err
	}
	return base, nil
}

// Run ticks every m.interval (and on any fsnotify event for the loader's
// watch path, if set) until ctx is cancelled, sending every non-empty
// Diff on changes. The tick remains the source of truth; the watcher only
// wakes a tick early.
func (m *Monitor) Run(ctx context.Context, changes chan<- Diff) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var watcher *fsnotify.Watcher
	if path := m.loader.WatchPath(); path != "" {
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(path); err == nil {
				watcher = w
				defer watcher.Close()
			} else {
				w.Close()
			}
		}
	}

	var watchEvents <-chan fsnotify.Event
	if watcher != nil {
		watchEvents = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, changes)
		case _, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			m.tick(ctx, changes)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, changes chan<- Diff) {
	next, err := m.loader.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to load external plan", "error", err)
		return
	}

	d := diff(m.snapshot, next)
	m.snapshot = next
	if d.IsEmpty() {
		return
	}

	select {
	case changes <- d:
	case <-ctx.Done():
	}
}

// Diff exposes one manual diff pass without waiting for a tick, useful for
// tests and for an initial synchronous load before Run starts.
func (m *Monitor) Diff(ctx context.Context) (Diff, error) {
	next, err := m.loader.Load(ctx)
	if err != nil {
		return Diff{}, err
	}
	d := diff(m.snapshot, next)
	m.snapshot = next
	return d, nil
}
