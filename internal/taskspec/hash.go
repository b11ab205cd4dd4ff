package taskspec

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/goccy/go-yaml"
)

// Hash computes a content hash over a TaskSpec set: equal content (same
// tasks, any order) yields an equal hash, per spec.md §3's content-hash
// invariant. Tasks are sorted by id before serialization so task order in
// the submission document does not affect the hash.
func Hash(tasks []TaskSpec) string {
	sorted := make([]TaskSpec, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	// Errors here would only come from a type yaml.Marshal cannot handle,
	// which TaskSpec's plain field set never produces.
	b, _ := yaml.Marshal(sorted)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
