package eventlog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(context.Background(), filepath.Join(dir, "events.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppend_AssignsMonotonicSequence(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	r1, err := l.Append(ctx, "!room:node", "nodeA", "cis.dag.task", map[string]string{"k": "v"}, "", false)
	require.NoError(t, err)
	r2, err := l.Append(ctx, "!room:node", "nodeA", "cis.dag.result", map[string]string{"k": "v2"}, r1.EventID, false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.Seq)
	assert.Equal(t, int64(2), r2.Seq)
	assert.Equal(t, r1.EventID, r2.ParentID)
}

func TestRoomsAreIndependent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "!roomA:node", "nodeA", "t", nil, "", false)
	require.NoError(t, err)
	r, err := l.Append(ctx, "!roomB:node", "nodeA", "t", nil, "", false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), r.Seq)
}

func TestFetchRangeAndTail(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "!room:node", "nodeA", "t", map[string]int{"i": i}, "", false)
		require.NoError(t, err)
	}

	ranged, err := l.FetchRange(ctx, "!room:node", 2, 4)
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	assert.Equal(t, int64(2), ranged[0].Seq)

	tail, err := l.Tail(ctx, "!room:node", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Seq)
	assert.Equal(t, int64(5), tail[1].Seq)
}

func TestSubscribe_ReceivesNewAppends(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := l.Subscribe(ctx, "!room:node")

	_, err := l.Append(context.Background(), "!room:node", "nodeA", "t", nil, "", false)
	require.NoError(t, err)

	select {
	case rec := <-ch:
		assert.Equal(t, int64(1), rec.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber notification")
	}
}

func TestFetchByID_NotFound(t *testing.T) {
	l := openTestLog(t)
	_, err := l.FetchByID(context.Background(), "missing")
	require.Error(t, err)
}
