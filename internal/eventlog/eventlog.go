// Package eventlog implements the per-room append-only ordered event log
// named in spec.md §4.1: a single-writer embedded database with WAL, whose
// writes are atomic and whose reads never observe partial state.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/meshtask/meshd/internal/errs"
)

// Record is one entry in a room's ordered log.
type Record struct {
	RoomID    string
	EventID   string
	Seq       int64
	Sender    string
	Type      string
	Content   json.RawMessage
	TimestampMS int64
	ParentID  string
	Federate  bool
}

// Log is a room-scoped append-only event store.
type Log struct {
	db     *sql.DB
	logger *slog.Logger

	subsMu sync.Mutex
	subs   map[string][]chan Record
}

// Open opens (creating if absent) the sqlite-backed event log at path,
// performing WAL recovery per spec.md §4.2's startup-recovery contract
// (shared here since both stores use the same single-writer WAL model).
func Open(ctx context.Context, path string, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open event log: %s", errs.ErrStorage, err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded DB

	l := &Log{db: db, logger: logger, subs: make(map[string][]chan Record)}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.checkpoint(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: WAL checkpoint on open failed: %s", errs.ErrStorage, err)
	}
	return l, nil
}

func (l *Log) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	room_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	parent_id TEXT,
	federate INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_event_id ON events(event_id);
`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to migrate event log schema: %s", errs.ErrStorage, err)
	}
	return nil
}

// checkpoint forces a WAL checkpoint; called on open (recovery) and
// exposed for periodic/shutdown use.
func (l *Log) checkpoint(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Checkpoint runs the same TRUNCATE checkpoint as checkpoint (not a
// PASSIVE one), for a periodic background task or a shutdown signal handler.
func (l *Log) Checkpoint(ctx context.Context) error {
	return l.checkpoint(ctx)
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes a new event to roomID, returning its server-assigned id
// and sequence. The write is durable before this call returns, and is
// atomic: on error the event is not readable by any subsequent read.
func (l *Log) Append(ctx context.Context, roomID, sender, typ string, content any, parentID string, federate bool) (Record, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to encode event content: %s", errs.ErrInvalidInput, err)
	}

	rec := Record{
		RoomID:      roomID,
		EventID:     uuid.NewString(),
		Sender:      sender,
		Type:        typ,
		Content:     body,
		TimestampMS: time.Now().UnixMilli(),
		ParentID:    parentID,
		Federate:    federate,
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to begin append transaction: %s", errs.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextSeq int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE room_id = ?`, roomID)
	if err := row.Scan(&nextSeq); err != nil {
		return Record{}, fmt.Errorf("%w: failed to allocate sequence: %s", errs.ErrStorage, err)
	}
	rec.Seq = nextSeq

	_, err = tx.ExecContext(ctx, `
INSERT INTO events (room_id, seq, event_id, sender, type, content, timestamp_ms, parent_id, federate)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RoomID, rec.Seq, rec.EventID, rec.Sender, rec.Type, string(rec.Content), rec.TimestampMS, nullable(rec.ParentID), boolToInt(rec.Federate))
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to append event: %s", errs.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("%w: failed to commit append: %s", errs.ErrStorage, err)
	}

	l.notify(roomID, rec)
	return rec, nil
}

// FetchByID returns the event with the given event_id.
func (l *Log) FetchByID(ctx context.Context, eventID string) (Record, error) {
	row := l.db.QueryRowContext(ctx, `SELECT room_id, seq, event_id, sender, type, content, timestamp_ms, parent_id, federate FROM events WHERE event_id = ?`, eventID)
	return scanRecord(row)
}

// FetchRange returns every event in roomID with seq in [fromSeq, toSeq].
func (l *Log) FetchRange(ctx context.Context, roomID string, fromSeq, toSeq int64) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT room_id, seq, event_id, sender, type, content, timestamp_ms, parent_id, federate
FROM events WHERE room_id = ? AND seq BETWEEN ? AND ? ORDER BY seq ASC`, roomID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch range: %s", errs.ErrStorage, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Tail returns the last n events in roomID, oldest first.
func (l *Log) Tail(ctx context.Context, roomID string, n int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT room_id, seq, event_id, sender, type, content, timestamp_ms, parent_id, federate
FROM events WHERE room_id = ? ORDER BY seq DESC LIMIT ?`, roomID, n)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch tail: %s", errs.ErrStorage, err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Subscribe returns a channel receiving every event appended to roomID
// after this call. The channel is closed when ctx is cancelled.
func (l *Log) Subscribe(ctx context.Context, roomID string) <-chan Record {
	ch := make(chan Record, 16)
	l.subsMu.Lock()
	l.subs[roomID] = append(l.subs[roomID], ch)
	l.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		subs := l.subs[roomID]
		for i, existing := range subs {
			if existing == ch {
				l.subs[roomID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (l *Log) notify(roomID string, rec Record) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs[roomID] {
		select {
		case ch <- rec:
		default:
			l.logger.Warn("dropping event for slow subscriber", "room_id", roomID, "event_id", rec.EventID)
		}
	}
}

func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	var content string
	var parentID sql.NullString
	var federate int
	if err := row.Scan(&rec.RoomID, &rec.Seq, &rec.EventID, &rec.Sender, &rec.Type, &content, &rec.TimestampMS, &parentID, &federate); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, fmt.Errorf("%w: event not found", errs.ErrNotFound)
		}
		return Record{}, fmt.Errorf("%w: failed to scan event: %s", errs.ErrStorage, err)
	}
	rec.Content = json.RawMessage(content)
	rec.ParentID = parentID.String
	rec.Federate = federate != 0
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var content string
		var parentID sql.NullString
		var federate int
		if err := rows.Scan(&rec.RoomID, &rec.Seq, &rec.EventID, &rec.Sender, &rec.Type, &content, &rec.TimestampMS, &parentID, &federate); err != nil {
			return nil, fmt.Errorf("%w: failed to scan event: %s", errs.ErrStorage, err)
		}
		rec.Content = json.RawMessage(content)
		rec.ParentID = parentID.String
		rec.Federate = federate != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
