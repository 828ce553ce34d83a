package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// ErrSinkClosed is returned by SQLiteSink queries after Close.
var ErrSinkClosed = errors.New("telemetry sink closed")

// JournalEntry is one row of the SQLite event journal.
type JournalEntry struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type journalOp struct {
	entry JournalEntry
	flush chan struct{}
}

// SQLiteSink journals events into a local SQLite database. Publish hands the
// encoded event to a buffered channel drained by a single writer goroutine;
// when the buffer is full the event is dropped and counted.
type SQLiteSink struct {
	db      *sql.DB
	logger  *log.Logger
	queue   chan journalOp
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// OpenSQLiteSink opens (or creates) the journal at dsn. Use ":memory:" for a
// throwaway journal.
func OpenSQLiteSink(dsn string, buffer int, logger *log.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = log.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps ":memory:" databases shared between the
	// writer and readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		logger: logger.With("component", "telemetry.sqlite"),
		queue:  make(chan journalOp, buffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Publish implements Publisher.
func (s *SQLiteSink) Publish(topic string, fields Fields) {
	now := time.Now()
	body, err := Encode(topic, fields, now)
	if err != nil {
		s.logger.Warn("Failed to encode event", "topic", topic, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- journalOp{entry: JournalEntry{Topic: topic, Payload: body, CreatedAt: now}}:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteSink) writeLoop() {
	defer close(s.done)
	for op := range s.queue {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		entry := op.entry
		_, err := s.db.Exec(
			`INSERT INTO events (event_type, payload, created_at) VALUES (?, ?, ?)`,
			entry.Topic, string(entry.Payload), entry.CreatedAt.UnixNano(),
		)
		if err != nil {
			s.logger.Warn("Failed to journal event", "topic", entry.Topic, "error", err)
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full
// or the sink was closed.
func (s *SQLiteSink) Dropped() int64 {
	return s.dropped.Load()
}

// Flush waits until every event queued before the call has been written, or
// ctx ends.
func (s *SQLiteSink) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- journalOp{flush: marker}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns up to limit journal entries, newest first. An empty topic
// matches every event.
func (s *SQLiteSink) Recent(ctx context.Context, topic string, limit int) ([]JournalEntry, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSinkClosed
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, event_type, payload, created_at FROM events`
	args := []any{}
	if topic != "" {
		query += ` WHERE event_type = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var payload string
		var created int64
		if err := rows.Scan(&e.ID, &e.Topic, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close stops accepting events, drains the buffer and closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}
