// Package memory implements the conflict-gated key/value store named in
// spec.md §4.3: scope-namespaced records with vector clocks, per-node
// encryption of private values, and a pending-sync queue for public ones.
package memory

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// travelSentinel is the fixed hash returned for any path containing a
// traversal segment, preventing an attacker-chosen ".." path from
// colliding with a legitimate scope namespace, per spec.md §4.3.
const travelSentinel = "PATH_TRAVERSAL_DETECTED"
const virtualPathSalt = "VIRTUAL_PATH_SALT"

// ScopeID computes the stable 16-hex-character namespace for a project
// path, grounded on original_source/cis-core/src/memory/scope.rs's
// hash_path: paths containing ".." segments hash to a fixed sentinel;
// existing paths are canonicalized before hashing; non-existent paths are
// hashed with a virtual-path salt so they never collide with a real path
// that happens to share a name.
func ScopeID(path string) string {
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return hash16(travelSentinel)
		}
	}

	canonical, err := filepath.EvalSymlinks(path)
	if err == nil {
		abs, absErr := filepath.Abs(canonical)
		if absErr == nil {
			canonical = abs
		}
		return hash16(canonical)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		if wd, wdErr := os.Getwd(); wdErr == nil {
			abs = filepath.Join(wd, abs)
		}
	}
	return hash16(virtualPathSalt + abs)
}

func hash16(s string) string {
	sum := sha256.Sum256([]byte(s))
	// Fold the 256-bit digest down to a 64-bit value to keep the 16-hex-
	// character width the original hasher produced, rather than expose a
	// full SHA-256 digest as the scope namespace.
	var v uint64
	for i := 0; i < len(sum); i += 8 {
		v ^= binary.BigEndian.Uint64(sum[i : i+8])
	}
	return fmt.Sprintf("%016x", v)
}

// GlobalScopeID is the reserved scope id for cross-project memory.
const GlobalScopeID = "global"

// LoadOrGenerateScopeID implements the stability contract of spec.md §4.3
// and the "Scope stability" testable property in §8: if stored already
// holds a concrete value, it is returned unchanged; "" or "auto" triggers
// generation from path, which the caller is responsible for persisting
// back to its project configuration file.
func LoadOrGenerateScopeID(stored, path string) string {
	if stored != "" && stored != "auto" {
		return stored
	}
	return ScopeID(path)
}

// Key namespaces a bare key under a scope id, per spec.md §4.3:
// "<scope_id>::<key>".
func Key(scopeID, key string) string {
	return scopeID + "::" + key
}
