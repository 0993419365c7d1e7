// Package journal persists emitted escrow and ledger events to SQLite so
// operators and clients can audit every committed transition.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"escrowengine/core/events"
	"escrowengine/core/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Entry is one persisted event.
type Entry struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Ref        string            `json:"ref,omitempty"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Ref   string
	Type  string
	After int64
	Limit int
}

// Journal is an events.Emitter backed by SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open creates or opens the journal database at path. ":memory:" is accepted
// for tests.
func Open(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: path required")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// sequence allocation.
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, logger: slog.Default(), nowFn: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            ref TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL,
            recorded_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_ref ON events(ref, sequence);`,
		`CREATE INDEX IF NOT EXISTS events_type ON events(type, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: init schema: %w", err)
		}
	}
	return nil
}

// SetLogger overrides the logger used to report write failures from Emit.
func (j *Journal) SetLogger(logger *slog.Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// SetNowFunc overrides the clock used for RecordedAt. Intended for tests.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	j.nowFn = now
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit implements events.Emitter. Emitters cannot fail, so write errors are
// logged and the event is dropped from the journal only.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt.Event()); err != nil {
		j.logger.Error("journal: append failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append stores evt and returns its sequence number.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (int64, error) {
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return 0, fmt.Errorf("journal: event type required")
	}
	attrs := evt.Clone().Attributes
	payload, err := json.Marshal(attrs)
	if err != nil {
		return 0, fmt.Errorf("journal: encode attributes: %w", err)
	}
	const stmt = `INSERT INTO events(type, ref, payload, recorded_at) VALUES (?, ?, ?, ?)`
	res, err := j.db.ExecContext(ctx, stmt, evt.Type, attrs["ref"], string(payload), j.nowFn().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: insert: %w", err)
	}
	return res.LastInsertId()
}

// List returns entries matching filter in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := `SELECT sequence, type, ref, payload, recorded_at FROM events WHERE sequence > ?`
	args := []any{filter.After}
	if ref := strings.TrimSpace(filter.Ref); ref != "" {
		query += ` AND ref = ?`
		args = append(args, ref)
	}
	if typ := strings.TrimSpace(filter.Type); typ != "" {
		query += ` AND type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry    Entry
			payload  string
			recorded int64
		)
		if err := rows.Scan(&entry.Sequence, &entry.Type, &entry.Ref, &payload, &recorded); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode entry %d: %w", entry.Sequence, err)
		}
		entry.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// LastSequence returns the highest sequence stored, or zero when empty.
func (j *Journal) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
