package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meshtask/meshd/internal/errs"
)

// DefaultMaxQueueSize bounds the offline queue, per offline_queue.rs's
// DEFAULT_MAX_QUEUE_SIZE.
const DefaultMaxQueueSize = 1000

// QueueConfig tunes the offline queue, grounded on offline_queue.rs's
// OfflineQueueConfig.
type QueueConfig struct {
	MaxSize         int
	MaxRetries      int
	RetryInterval   time.Duration
	PersistToDisk   bool
	StoragePath     string
}

// DefaultQueueConfig returns offline_queue.rs's OfflineQueueConfig::default.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:       DefaultMaxQueueSize,
		MaxRetries:    5,
		RetryInterval: 60 * time.Second,
	}
}

// QueuedMessage is one event awaiting delivery to target, per
// offline_queue.rs's QueuedMessage.
type QueuedMessage struct {
	Target     string    `json:"target"`
	Event      Event     `json:"event"`
	QueuedAt   time.Time `json:"queued_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

func (m *QueuedMessage) incrementRetry(errMsg string) {
	m.RetryCount++
	m.LastError = errMsg
}

func (m *QueuedMessage) exceededMaxRetries(max int) bool {
	return m.RetryCount >= max
}

// QueueStats mirrors offline_queue.rs's QueueStats.
type QueueStats struct {
	TotalQueued  uint64
	TotalSent    uint64
	TotalFailed  uint64
	CurrentSize  int
	LastRetryAt  time.Time
}

// OfflineQueue buffers events bound for unreachable peers, per spec.md
// §4.9, retrying them with bounded attempts when the target becomes
// reachable again.
type OfflineQueue struct {
	mu     sync.Mutex
	queue  []QueuedMessage
	cfg    QueueConfig
	stats  QueueStats
	logger *slog.Logger
}

// NewOfflineQueue builds an OfflineQueue with cfg.
func NewOfflineQueue(cfg QueueConfig, logger *slog.Logger) *OfflineQueue {
	return &OfflineQueue{cfg: cfg, logger: logger}
}

// Enqueue appends a message for target, failing if the queue is at
// capacity.
func (q *OfflineQueue) Enqueue(target string, event Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) >= q.cfg.MaxSize {
		return fmt.Errorf("%w: offline queue full (max %d)", errs.ErrAtCapacity, q.cfg.MaxSize)
	}

	q.queue = append(q.queue, QueuedMessage{Target: target, Event: event, QueuedAt: time.Now()})
	q.stats.TotalQueued++
	q.stats.CurrentSize = len(q.queue)

	q.logger.Debug("message enqueued to offline queue", "target", target, "queue_size", len(q.queue))

	if q.cfg.PersistToDisk {
		if err := q.persistLocked(); err != nil {
			q.logger.Warn("failed to persist offline queue", "error", err)
		}
	}
	return nil
}

// Sender delivers one queued message; a non-nil error leaves it queued for
// a later retry pass.
type Sender func(ctx context.Context, target string, event Event) error

// RetrySend attempts to send every queued message via sender, dropping any
// that have exceeded their retry budget and re-queuing any that fail
// again, per offline_queue.rs's retry_send.
func (q *OfflineQueue) RetrySend(ctx context.Context, sender Sender) (sent int, err error) {
	q.mu.Lock()
	pending := q.queue
	q.queue = nil
	q.mu.Unlock()

	var remaining []QueuedMessage
	var failed int

	for _, msg := range pending {
		if msg.exceededMaxRetries(q.cfg.MaxRetries) {
			q.logger.Warn("message exceeded max retries, discarding", "target", msg.Target, "retry_count", msg.RetryCount)
			failed++
			continue
		}

		if sendErr := sender(ctx, msg.Target, msg.Event); sendErr != nil {
			msg.incrementRetry(sendErr.Error())
			remaining = append(remaining, msg)
			continue
		}
		sent++
		q.logger.Debug("message successfully sent from offline queue", "target", msg.Target)
	}

	q.mu.Lock()
	q.queue = append(remaining, q.queue...)
	q.stats.TotalSent += uint64(sent)
	q.stats.TotalFailed += uint64(failed)
	q.stats.CurrentSize = len(q.queue)
	q.stats.LastRetryAt = time.Now()
	persistToDisk := q.cfg.PersistToDisk
	var persistErr error
	if persistToDisk {
		persistErr = q.persistLocked()
	}
	q.mu.Unlock()
	if persistErr != nil {
		q.logger.Warn("failed to persist offline queue", "error", persistErr)
	}

	q.logger.Info("offline queue retry completed", "sent", sent, "failed", failed, "remaining", len(remaining))
	return sent, nil
}

// RunRetryLoop runs RetrySend every cfg.RetryInterval until ctx is
// cancelled.
func (q *OfflineQueue) RunRetryLoop(ctx context.Context, sender Sender) {
	ticker := time.NewTicker(q.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RetrySend(ctx, sender); err != nil {
				q.logger.Warn("offline queue retry pass failed", "error", err)
			}
		}
	}
}

// Size returns the current queue length.
func (q *OfflineQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// IsEmpty reports whether the queue holds no messages.
func (q *OfflineQueue) IsEmpty() bool {
	return q.Size() == 0
}

// Clear discards every queued message.
func (q *OfflineQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = nil
	q.stats.CurrentSize = 0
	if q.cfg.PersistToDisk {
		return q.persistLocked()
	}
	return nil
}

// Stats returns a snapshot of the queue's counters.
func (q *OfflineQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// persistLocked writes the queue to disk; callers must hold q.mu.
func (q *OfflineQueue) persistLocked() error {
	if !q.cfg.PersistToDisk {
		return nil
	}
	if q.cfg.StoragePath == "" {
		return fmt.Errorf("%w: offline queue storage path not configured", errs.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(q.cfg.StoragePath), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create queue directory: %s", errs.ErrStorage, err)
	}
	data, err := json.MarshalIndent(q.queue, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to serialize queue: %s", errs.ErrInternal, err)
	}
	if err := os.WriteFile(q.cfg.StoragePath, data, 0o600); err != nil {
		return fmt.Errorf("%w: failed to write queue file: %s", errs.ErrStorage, err)
	}
	return nil
}

// Load restores a persisted queue from disk, per offline_queue.rs's load.
func (q *OfflineQueue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.cfg.PersistToDisk {
		return nil
	}
	data, err := os.ReadFile(q.cfg.StoragePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read queue file: %s", errs.ErrStorage, err)
	}
	var messages []QueuedMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return fmt.Errorf("%w: failed to deserialize queue: %s", errs.ErrInternal, err)
	}
	q.queue = messages
	q.stats.CurrentSize = len(messages)
	return nil
}
