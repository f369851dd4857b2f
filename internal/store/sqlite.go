package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// Timestamps are stored as unix nanoseconds so that range predicates compare
// integers rather than driver-formatted strings.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    id               TEXT PRIMARY KEY,
    entity_id        TEXT NOT NULL DEFAULT '',
    actor_id         TEXT NOT NULL DEFAULT '',
    kind             TEXT NOT NULL,
    metrics          TEXT NOT NULL DEFAULT '{}',
    event_data       TEXT NOT NULL DEFAULT '{}',
    actor_properties TEXT NOT NULL DEFAULT '{}',
    source           TEXT NOT NULL DEFAULT '',
    session_id       TEXT NOT NULL DEFAULT '',
    ts               INTEGER NOT NULL,
    processed        INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON events(entity_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_kind_ts   ON events(kind, ts);
CREATE INDEX IF NOT EXISTS idx_events_actor     ON events(actor_id);
CREATE INDEX IF NOT EXISTS idx_events_created   ON events(created_at);

CREATE TABLE IF NOT EXISTS summaries (
    id               TEXT PRIMARY KEY,
    metric_type      TEXT NOT NULL,
    period           TEXT NOT NULL,
    period_start     INTEGER NOT NULL,
    period_end       INTEGER NOT NULL,
    summary_data     TEXT NOT NULL DEFAULT '{}',
    entity_id        TEXT NOT NULL DEFAULT '',
    entity_type      TEXT NOT NULL DEFAULT '',
    anomaly_detected INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_summaries_window ON summaries(entity_type, entity_id, period, period_start);
CREATE INDEX IF NOT EXISTS idx_summaries_entity_created ON summaries(entity_id, entity_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_summaries_created ON summaries(created_at);
`

const (
	sqliteEventCols   = `id, entity_id, actor_id, kind, metrics, event_data, actor_properties, source, session_id, ts, processed, created_at`
	sqliteSummaryCols = `id, metric_type, period, period_start, period_end, summary_data, entity_id, entity_type, anomaly_detected, created_at, updated_at`
)

// SQLiteStore is an embedded, file-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) InsertEvents(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (`+sqliteEventCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert event: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
		e.Normalize(now)
		metrics, err := marshalMap(e.Metrics)
		if err != nil {
			return fmt.Errorf("event %s metrics: %w", e.ID, err)
		}
		data, err := marshalMap(e.EventData)
		if err != nil {
			return fmt.Errorf("event %s event_data: %w", e.ID, err)
		}
		props, err := marshalMap(e.ActorProperties)
		if err != nil {
			return fmt.Errorf("event %s actor_properties: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.EntityID, e.ActorID, e.Kind, metrics, data, props,
			e.Source, e.SessionID, e.Timestamp.UnixNano(), boolInt(e.Processed), e.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByWindow(ctx context.Context, q Query) ([]event.Event, error) {
	where, args := sqliteWindowClause(q.EntityID, q.Kinds, q.Start, q.End)
	if q.OnlyUnprocessed {
		where = append(where, "processed = 0")
	}
	query := `SELECT ` + sqliteEventCols + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts ASC, id ASC`
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLiteStore) CountByWindow(ctx context.Context, entityID string, kinds []string, start, end time.Time) (int, error) {
	where, args := sqliteWindowClause(entityID, kinds, start, end)
	query := `SELECT COUNT(*) FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// markBatch keeps each statement well under SQLite's bound-variable limit.
const markBatch = 500

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for lo := 0; lo < len(ids); lo += markBatch {
		hi := min(lo+markBatch, len(ids))
		args := make([]any, 0, hi-lo)
		for _, id := range ids[lo:hi] {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET processed = 1 WHERE id IN (`+placeholders(len(args))+`)`, args...); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark processed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DistinctEntityIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM events WHERE entity_id != '' AND ts >= ? ORDER BY entity_id`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("distinct entities: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) EventsByActor(ctx context.Context, actorID string) ([]event.Event, error) {
	if actorID == "" {
		return nil, nil
	}
	return s.queryEvents(ctx, `SELECT `+sqliteEventCols+` FROM events WHERE actor_id = ? ORDER BY ts ASC, id ASC`, actorID)
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, sum *event.Summary) (*event.Summary, error) {
	if sum == nil {
		return nil, errors.New("save summary: nil summary")
	}
	out := *sum
	now := time.Now()
	if out.ID == "" {
		out.ID = uuid.Must(uuid.NewV7()).String()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = out.CreatedAt
	}
	data, err := marshalMap(out.Data)
	if err != nil {
		return nil, fmt.Errorf("summary data: %w", err)
	}
	if sum.ID != "" {
		res, err := s.db.ExecContext(ctx, `UPDATE summaries SET metric_type = ?, period_end = ?, summary_data = ?,
			anomaly_detected = ?, updated_at = ? WHERE id = ?`,
			out.MetricType, out.PeriodEnd.UnixNano(), data, boolInt(out.AnomalyDetected), out.UpdatedAt.UnixNano(), out.ID)
		if err != nil {
			return nil, fmt.Errorf("update summary %s: %w", out.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &out, nil
		}
	}
	// Upsert on the window key; the existing row keeps its id and created_at.
	var created int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO summaries (`+sqliteSummaryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, period, period_start) DO UPDATE SET
			metric_type = excluded.metric_type,
			period_end = excluded.period_end,
			summary_data = excluded.summary_data,
			anomaly_detected = excluded.anomaly_detected,
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		out.ID, out.MetricType, string(out.Period), out.PeriodStart.UnixNano(), out.PeriodEnd.UnixNano(), data,
		out.EntityID, out.EntityType, boolInt(out.AnomalyDetected), out.CreatedAt.UnixNano(), out.UpdatedAt.UnixNano(),
	).Scan(&out.ID, &created)
	if err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}
	out.CreatedAt = time.Unix(0, created).UTC()
	return &out, nil
}

func (s *SQLiteStore) FindLatestSummary(ctx context.Context, entityID, entityType string) (*event.Summary, error) {
	sums, err := s.querySummaries(ctx, `SELECT `+sqliteSummaryCols+` FROM summaries
		WHERE entity_id = ? AND entity_type = ? ORDER BY created_at DESC, id DESC LIMIT 1`, entityID, entityType)
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, nil
	}
	return &sums[0], nil
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, f SummaryFilter) ([]event.Summary, error) {
	var where []string
	var args []any
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.Period != "" {
		where = append(where, "period = ?")
		args = append(args, string(f.Period))
	}
	query := `SELECT ` + sqliteSummaryCols + ` FROM summaries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_start DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.querySummaries(ctx, query, args...)
}

func (s *SQLiteStore) SummariesByActor(ctx context.Context, actorID string) ([]event.Summary, error) {
	if actorID == "" {
		return nil, nil
	}
	return s.ListSummaries(ctx, SummaryFilter{EntityID: actorID, EntityType: event.EntityTypeUser})
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, rt event.RecordType, cutoff time.Time) (int64, error) {
	table, err := tableFor(rt)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountOlderThan(ctx context.Context, rt event.RecordType, cutoff time.Time) (int64, error) {
	table, err := tableFor(rt)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE created_at < ?`, cutoff.UnixNano()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLiteStore) AnonymizeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET actor_id = '' WHERE actor_id != '' AND created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("anonymize events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) AnonymizeActor(ctx context.Context, actorID string) (int64, error) {
	if actorID == "" {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE events SET actor_id = '' WHERE actor_id = ?`, actorID)
	if err != nil {
		return 0, fmt.Errorf("anonymize events: %w", err)
	}
	n, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, `UPDATE summaries SET entity_id = ? || id WHERE entity_type = ? AND entity_id = ?`,
		ForgottenPrefix, event.EntityTypeUser, actorID)
	if err != nil {
		return 0, fmt.Errorf("anonymize summaries: %w", err)
	}
	m, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit anonymize: %w", err)
	}
	return n + m, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []event.Event
	for rows.Next() {
		var e event.Event
		var metrics, data, props []byte
		var ts, created int64
		var processed int
		if err := rows.Scan(&e.ID, &e.EntityID, &e.ActorID, &e.Kind, &metrics, &data, &props,
			&e.Source, &e.SessionID, &ts, &processed, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Metrics = unmarshalMap(metrics)
		e.EventData = unmarshalMap(data)
		e.ActorProperties = unmarshalMap(props)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.CreatedAt = time.Unix(0, created).UTC()
		e.Processed = processed != 0
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) querySummaries(ctx context.Context, query string, args ...any) ([]event.Summary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	var out []event.Summary
	for rows.Next() {
		var sum event.Summary
		var period string
		var data []byte
		var start, end, created, updated int64
		var anomaly int
		if err := rows.Scan(&sum.ID, &sum.MetricType, &period, &start, &end, &data,
			&sum.EntityID, &sum.EntityType, &anomaly, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Period = event.Period(period)
		sum.PeriodStart = time.Unix(0, start).UTC()
		sum.PeriodEnd = time.Unix(0, end).UTC()
		sum.Data = unmarshalMap(data)
		sum.AnomalyDetected = anomaly != 0
		sum.CreatedAt = time.Unix(0, created).UTC()
		sum.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

func sqliteWindowClause(entityID string, kinds []string, start, end time.Time) ([]string, []any) {
	var where []string
	var args []any
	if entityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, entityID)
	}
	if len(kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(kinds))+")")
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	if !start.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, start.UnixNano())
	}
	if !end.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, end.UnixNano())
	}
	return where, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func tableFor(rt event.RecordType) (string, error) {
	switch rt {
	case event.RecordEvents:
		return "events", nil
	case event.RecordSummaries:
		return "summaries", nil
	}
	return "", fmt.Errorf("unsupported record type %q", rt)
}
