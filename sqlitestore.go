package tabletop

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue is a DurableQueue backed by a local SQLite file. Entries
// survive a full process restart, and the database's transaction isolation
// serializes list/clear against concurrent appends, so an entry enqueued
// mid-drain is never lost.
type SQLiteQueue struct {
	db *sql.DB
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	payload BLOB NOT NULL,
	enqueued_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_queue ON queue_entries (queue, id);
`

// OpenSQLiteQueue opens or creates the queue database at path.
func OpenSQLiteQueue(path string) (*SQLiteQueue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	if _, err := db.Exec(queueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

// Close closes the database handle.
func (q *SQLiteQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *SQLiteQueue) Append(ctx context.Context, queue string, entry QueueEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_entries (queue, idempotency_key, payload, enqueued_at_ms) VALUES (?, ?, ?, ?)`,
		queue, entry.IdempotencyKey, []byte(entry.Payload), toMillis(entry.EnqueuedAt))
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", queue, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", queue, err)
	}
	return id, nil
}

func (q *SQLiteQueue) List(ctx context.Context, queue string) ([]QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, idempotency_key, payload, enqueued_at_ms FROM queue_entries WHERE queue = ? ORDER BY id`,
		queue)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", queue, err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var entry QueueEntry
		var payload []byte
		var enqueuedMs int64
		if err := rows.Scan(&entry.ID, &entry.IdempotencyKey, &payload, &enqueuedMs); err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", queue, err)
		}
		entry.Payload = payload
		entry.EnqueuedAt = fromMillis(enqueuedMs)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", queue, err)
	}
	return entries, nil
}

func (q *SQLiteQueue) Clear(ctx context.Context, queue string, throughID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE queue = ? AND id <= ?`,
		queue, throughID)
	if err != nil {
		return fmt.Errorf("clear %s: %w", queue, err)
	}
	return nil
}

func (q *SQLiteQueue) Len(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE queue = ?`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", queue, err)
	}
	return n, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
