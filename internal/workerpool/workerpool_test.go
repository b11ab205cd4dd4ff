package workerpool

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtask/meshd/internal/errs"
	"github.com/meshtask/meshd/internal/taskspec"
)

type fakeSpawner struct {
	calls int
}

func (f *fakeSpawner) Spawn(ctx context.Context, workerID, scope, runtimeKind string, env map[string]string) (*exec.Cmd, error) {
	f.calls++
	cmd := exec.CommandContext(ctx, "sleep", "5")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func testNode() NodeInfo {
	return NodeInfo{Arch: "amd64", OS: "linux", CPUCount: 8, MemoryMB: 16384, Features: []string{"metal"}}
}

func TestMatches_EmptySelectorMatchesAny(t *testing.T) {
	assert.True(t, Matches(taskspec.NodeSelector{}, testNode()))
}

func TestMatches_ArchAndOS(t *testing.T) {
	sel := taskspec.NodeSelector{Arch: "amd64", OS: "linux"}
	assert.True(t, Matches(sel, testNode()))

	sel.Arch = "arm64"
	assert.False(t, Matches(sel, testNode()))
}

func TestMatches_Resources(t *testing.T) {
	sel := taskspec.NodeSelector{MinCPUCount: 4, MinMemoryMB: 1024}
	assert.True(t, Matches(sel, testNode()))

	sel.MinCPUCount = 64
	assert.False(t, Matches(sel, testNode()))
}

func TestMatches_Features(t *testing.T) {
	assert.True(t, Matches(taskspec.NodeSelector{Features: []string{"metal"}}, testNode()))
	assert.False(t, Matches(taskspec.NodeSelector{Features: []string{"cuda"}}, testNode()))
}

func TestAcquire_SpawnsThenReusesReady(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := New(2, spawner, testNode(), nil)

	w, err := pool.Acquire(context.Background(), "scope-a", "cmd", taskspec.NodeSelector{})
	require.NoError(t, err)
	assert.Equal(t, 1, spawner.calls)

	pool.MarkReady(w.ID)
	pool.Release(w.ID)

	w2, err := pool.Acquire(context.Background(), "scope-a", "cmd", taskspec.NodeSelector{})
	require.NoError(t, err)
	assert.Equal(t, w.ID, w2.ID)
	assert.Equal(t, 1, spawner.calls, "second acquire should reuse the released worker, not spawn")
}

func TestAcquire_RejectsAtCapacity(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := New(1, spawner, testNode(), nil)

	_, err := pool.Acquire(context.Background(), "scope-a", "cmd", taskspec.NodeSelector{})
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "scope-b", "cmd", taskspec.NodeSelector{})
	assert.ErrorIs(t, err, errs.ErrAtCapacity)
}

func TestAcquire_RejectsUnmatchedSelector(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := New(2, spawner, testNode(), nil)

	_, err := pool.Acquire(context.Background(), "scope-a", "cmd", taskspec.NodeSelector{Arch: "arm64"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReapDead_RemovesStaleWorkers(t *testing.T) {
	spawner := &fakeSpawner{}
	pool := New(2, spawner, testNode(), nil)

	w, err := pool.Acquire(context.Background(), "scope-a", "cmd", taskspec.NodeSelector{})
	require.NoError(t, err)
	pool.MarkReady(w.ID)

	time.Sleep(2 * time.Millisecond)
	reaped := pool.ReapDead(time.Millisecond)
	assert.Contains(t, reaped, w.ID)
	assert.Equal(t, 0, pool.Size())
}
