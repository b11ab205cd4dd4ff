package federation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueue_CountsUp(t *testing.T) {
	q := NewOfflineQueue(DefaultQueueConfig(), discardLogger())
	require.NoError(t, q.Enqueue("node-1", Event{EventID: "$1"}))
	assert.Equal(t, 1, q.Size())
	assert.False(t, q.IsEmpty())
}

func TestEnqueue_RejectsWhenFull(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxSize = 2
	q := NewOfflineQueue(cfg, discardLogger())

	require.NoError(t, q.Enqueue("a", Event{}))
	require.NoError(t, q.Enqueue("a", Event{}))
	assert.Error(t, q.Enqueue("a", Event{}))
}

func TestRetrySend_AllSucceed(t *testing.T) {
	q := NewOfflineQueue(DefaultQueueConfig(), discardLogger())
	require.NoError(t, q.Enqueue("node-1", Event{EventID: "$1"}))
	require.NoError(t, q.Enqueue("node-2", Event{EventID: "$2"}))

	sent, err := q.RetrySend(context.Background(), func(ctx context.Context, target string, event Event) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.True(t, q.IsEmpty())
}

func TestRetrySend_PartialFailureStaysQueued(t *testing.T) {
	q := NewOfflineQueue(DefaultQueueConfig(), discardLogger())
	require.NoError(t, q.Enqueue("node-1", Event{EventID: "$1"}))
	require.NoError(t, q.Enqueue("node-2", Event{EventID: "$2"}))

	calls := 0
	sent, err := q.RetrySend(context.Background(), func(ctx context.Context, target string, event Event) error {
		calls++
		if calls == 1 {
			return errors.New("send failed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, q.Size())
}

func TestRetrySend_DiscardsAfterMaxRetries(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxRetries = 1
	q := NewOfflineQueue(cfg, discardLogger())
	require.NoError(t, q.Enqueue("node-1", Event{EventID: "$1"}))

	alwaysFail := func(ctx context.Context, target string, event Event) error { return errors.New("down") }

	_, err := q.RetrySend(context.Background(), alwaysFail)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Size())

	_, err = q.RetrySend(context.Background(), alwaysFail)
	require.NoError(t, err)
	assert.True(t, q.IsEmpty())

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.TotalFailed)
}

func TestClear(t *testing.T) {
	q := NewOfflineQueue(DefaultQueueConfig(), discardLogger())
	require.NoError(t, q.Enqueue("a", Event{}))
	require.NoError(t, q.Clear())
	assert.True(t, q.IsEmpty())
}
