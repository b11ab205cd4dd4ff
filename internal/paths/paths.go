// Package paths resolves the on-disk layout of a running daemon: data,
// config, models, logs, and cache directories under an XDG-conformant root.
package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Layout is the resolved set of directories a daemon instance writes under.
type Layout struct {
	Data   string
	Config string
	Models string
	Logs   string
	Cache  string
}

// appName is the XDG subdirectory name every path below is namespaced under.
const appName = "meshd"

// Default resolves a Layout rooted at the user's XDG data/config/cache
// directories, matching the persistent layout named in spec.md §6.
func Default() Layout {
	return Layout{
		Data:   filepath.Join(xdg.DataHome, appName, "data"),
		Config: filepath.Join(xdg.ConfigHome, appName, "config"),
		Models: filepath.Join(xdg.DataHome, appName, "models"),
		Logs:   filepath.Join(xdg.StateHome, appName, "logs"),
		Cache:  filepath.Join(xdg.CacheHome, appName),
	}
}

// WithRoot resolves a Layout rooted at an explicit directory, overriding XDG
// resolution. Used by tests and by hosts that want a self-contained
// instance directory.
func WithRoot(root string) Layout {
	return Layout{
		Data:   filepath.Join(root, "data"),
		Config: filepath.Join(root, "config"),
		Models: filepath.Join(root, "models"),
		Logs:   filepath.Join(root, "logs"),
		Cache:  filepath.Join(root, "cache"),
	}
}

// EnsureAll creates every directory in the layout, including the keys/
// subdirectory under Config used by internal/keystore.
func (l Layout) EnsureAll() error {
	for _, dir := range []string{l.Data, l.Config, filepath.Join(l.Config, "keys"), l.Models, l.Logs, l.Cache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// KeysDir is where keystore persists the node's secret key material.
func (l Layout) KeysDir() string {
	return filepath.Join(l.Config, "keys")
}

// RunStorePath is the sqlite database file backing internal/runstore.
func (l Layout) RunStorePath() string {
	return filepath.Join(l.Data, "runstore.db")
}

// EventLogPath is the sqlite database file backing internal/eventlog.
func (l Layout) EventLogPath() string {
	return filepath.Join(l.Data, "eventlog.db")
}

// MemoryStorePath is the bbolt database file backing internal/memory.
func (l Layout) MemoryStorePath() string {
	return filepath.Join(l.Data, "memory.db")
}
