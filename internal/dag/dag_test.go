package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtask/meshd/internal/taskspec"
)

func mustGraph(t *testing.T, tasks []taskspec.TaskSpec) *Graph {
	t.Helper()
	g, err := NewGraph(tasks)
	require.NoError(t, err)
	return g
}

func TestNewGraph_LinearChain(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{
		{ID: "t1"},
		{ID: "t2", DependsOn: []string{"t1"}},
		{ID: "t3", DependsOn: []string{"t2"}},
	})

	sorted, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, sorted)

	levels := g.TopologicalLevels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"t1"}, levels[0])
	assert.Equal(t, []string{"t2"}, levels[1])
	assert.Equal(t, []string{"t3"}, levels[2])

	assert.Equal(t, []string{"t1"}, g.ReadySet())
}

func TestNewGraph_UnknownDependency(t *testing.T) {
	_, err := NewGraph([]taskspec.TaskSpec{
		{ID: "t1", DependsOn: []string{"ghost"}},
	})
	require.Error(t, err)
}

func TestNewGraph_DuplicateID(t *testing.T) {
	_, err := NewGraph([]taskspec.TaskSpec{
		{ID: "t1"},
		{ID: "t1"},
	})
	require.Error(t, err)
}

func TestNewGraph_CycleDetection(t *testing.T) {
	_, err := NewGraph([]taskspec.TaskSpec{
		{ID: "t1", DependsOn: []string{"t2"}},
		{ID: "t2", DependsOn: []string{"t1"}},
	})
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Path, "t1")
	assert.Contains(t, cycleErr.Path, "t2")
}

func TestReadySet_RespectsSkippedAsSatisfying(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{
		{ID: "t1"},
		{ID: "t2", DependsOn: []string{"t1"}},
	})
	require.NoError(t, g.SetStatus("t1", Skipped))
	assert.Equal(t, []string{"t2"}, g.ReadySet())
}

func TestDiamond_IgnorableFailureDoesNotBlock(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{
		{ID: "t1"},
		{ID: "t2", DependsOn: []string{"t1"}, FailureClass: taskspec.Ignorable},
		{ID: "t3", DependsOn: []string{"t1"}},
		{ID: "t4", DependsOn: []string{"t2", "t3"}},
	})
	require.NoError(t, g.SetStatus("t1", Completed))
	require.NoError(t, g.SetStatus("t2", Failed))
	require.NoError(t, g.SetStatus("t3", Completed))

	assert.False(t, g.HasBlockingFailure())
	assert.Equal(t, []string{"t4"}, g.ReadySet())
}

func TestBlockingFailure(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{
		{ID: "t1", FailureClass: taskspec.Blocking},
	})
	require.NoError(t, g.SetStatus("t1", Failed))
	assert.True(t, g.HasBlockingFailure())
}

func TestAddNode_RejectsUnknownDependency(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{
		{ID: "t1"},
		{ID: "t2", DependsOn: []string{"t1"}},
	})
	err := g.AddNode(taskspec.TaskSpec{ID: "t3", DependsOn: []string{"t2", "missing"}})
	require.Error(t, err)
}

func TestAddNode_AssignsDepth(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{
		{ID: "t1"},
	})
	require.NoError(t, g.AddNode(taskspec.TaskSpec{ID: "t2", DependsOn: []string{"t1"}}))
	n, ok := g.Node("t2")
	require.True(t, ok)
	assert.Equal(t, 1, n.Depth)
}

func TestRemoveNode_OnlyWhenPending(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{{ID: "t1"}})
	require.NoError(t, g.SetStatus("t1", Running))
	assert.False(t, g.RemoveNode("t1"))

	g2 := mustGraph(t, []taskspec.TaskSpec{{ID: "t1"}})
	assert.True(t, g2.RemoveNode("t1"))
	_, ok := g2.Node("t1")
	assert.False(t, ok)
}

func TestStatsAndReset(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{{ID: "t1"}, {ID: "t2"}})
	require.NoError(t, g.SetStatus("t1", Completed))

	stats := g.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Pending)

	g.Reset()
	assert.Equal(t, 2, g.Stats().Pending)
}

func TestIsComplete(t *testing.T) {
	g := mustGraph(t, []taskspec.TaskSpec{{ID: "t1"}})
	assert.False(t, g.IsComplete())
	require.NoError(t, g.SetStatus("t1", Completed))
	assert.True(t, g.IsComplete())
}
