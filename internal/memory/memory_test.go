package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtask/meshd/internal/embedder"
)

func openTestStore(t *testing.T, nodeID string) *Store {
	t.Helper()
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), nodeID, key, embedder.NewCosine())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScopeID_DeterministicForSamePath(t *testing.T) {
	dir := t.TempDir()
	id1 := ScopeID(dir)
	id2 := ScopeID(dir)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 16)
}

func TestScopeID_PathTraversalRejected(t *testing.T) {
	id := ScopeID("../../etc/passwd")
	assert.Equal(t, hash16(travelSentinel), id)
}

func TestLoadOrGenerateScopeID(t *testing.T) {
	assert.Equal(t, "explicit-id", LoadOrGenerateScopeID("explicit-id", "/some/path"))
	assert.Equal(t, ScopeID("/some/path"), LoadOrGenerateScopeID("", "/some/path"))
	assert.Equal(t, ScopeID("/some/path"), LoadOrGenerateScopeID("auto", "/some/path"))
}

func TestPrivateRecord_EncryptDecryptRoundtrip(t *testing.T) {
	s := openTestStore(t, "nodeA")
	ctx := context.Background()

	_, err := s.Set(ctx, "scope::secret", []byte("sensitive"), Private, "credentials")
	require.NoError(t, err)

	got, err := s.Get(ctx, "scope::secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("sensitive"), got.Value)
	assert.True(t, got.Encrypted)
	assert.Nil(t, got.Clock)
}

func TestPublicRecord_IncrementsVectorClock(t *testing.T) {
	s := openTestStore(t, "nodeA")
	ctx := context.Background()

	r1, err := s.Set(ctx, "scope::k", []byte("v1"), Public, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Clock["nodeA"])

	r2, err := s.Set(ctx, "scope::k", []byte("v2"), Public, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.Clock["nodeA"])
}

func TestVectorClock_ConcurrentDetection(t *testing.T) {
	a := VectorClock{"A": 1}
	b := VectorClock{"B": 1}
	assert.True(t, Concurrent(a, b))

	merged := VectorClock{"A": 1, "B": 1}
	assert.False(t, Concurrent(merged, a))
	assert.True(t, merged.Dominates(a))
}

func TestPendingSync_MarkedAndCleared(t *testing.T) {
	s := openTestStore(t, "nodeA")
	ctx := context.Background()

	_, err := s.Set(ctx, "scope::k", []byte("v"), Public, "")
	require.NoError(t, err)

	pending, err := s.PendingSync(ctx)
	require.NoError(t, err)
	assert.Contains(t, pending, "scope::k")

	require.NoError(t, s.MarkSynced(ctx, "scope::k"))
	pending, err = s.PendingSync(ctx)
	require.NoError(t, err)
	assert.NotContains(t, pending, "scope::k")
}

func TestSemanticSearch_ExactTextRoundtrip(t *testing.T) {
	s := openTestStore(t, "nodeA")
	ctx := context.Background()

	require.NoError(t, s.IndexSemantic(ctx, "scope::note", "remember the deployment password rotation", "note"))

	matches, err := s.SemanticSearch(ctx, "remember the deployment password rotation", 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "scope::note", matches[0].Key)
}
