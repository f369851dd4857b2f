package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

const (
	pgEventCols   = `id, entity_id, actor_id, kind, metrics, event_data, actor_properties, source, session_id, ts, processed, created_at`
	pgSummaryCols = `id, metric_type, period, period_start, period_end, summary_data, entity_id, entity_type, anomaly_detected, created_at, updated_at`
)

// PgStore is a PostgreSQL-backed Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore on an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// ConnectPg opens a pool for dsn and verifies it with a ping.
func ConnectPg(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPgStore(pool), nil
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id               TEXT PRIMARY KEY,
			entity_id        TEXT NOT NULL DEFAULT '',
			actor_id         TEXT NOT NULL DEFAULT '',
			kind             TEXT NOT NULL,
			metrics          JSONB NOT NULL DEFAULT '{}',
			event_data       JSONB NOT NULL DEFAULT '{}',
			actor_properties JSONB NOT NULL DEFAULT '{}',
			source           TEXT NOT NULL DEFAULT '',
			session_id       TEXT NOT NULL DEFAULT '',
			ts               TIMESTAMPTZ NOT NULL,
			processed        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON events(entity_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_ts ON events(kind, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id) WHERE actor_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_unprocessed ON events(ts) WHERE NOT processed`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id               TEXT PRIMARY KEY,
			metric_type      TEXT NOT NULL,
			period           TEXT NOT NULL,
			period_start     TIMESTAMPTZ NOT NULL,
			period_end       TIMESTAMPTZ NOT NULL,
			summary_data     JSONB NOT NULL DEFAULT '{}',
			entity_id        TEXT NOT NULL DEFAULT '',
			entity_type      TEXT NOT NULL DEFAULT '',
			anomaly_detected BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_summaries_window ON summaries(entity_type, entity_id, period, period_start)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_entity_created ON summaries(entity_id, entity_type, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_created ON summaries(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgStore) InsertEvents(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().Truncate(time.Microsecond)
	batch := &pgx.Batch{}
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
		batch.Queue(`INSERT INTO events (`+pgEventCols+`)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12)`,
			e.ID, e.EntityID, e.ActorID, e.Kind, metrics, data, props, e.Source, e.SessionID, e.Timestamp, e.Processed, e.CreatedAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

func (s *PgStore) FindByWindow(ctx context.Context, q Query) ([]event.Event, error) {
	where, args := pgWindowClause(q.EntityID, q.Kinds, q.Start, q.End)
	if q.OnlyUnprocessed {
		where = append(where, "NOT processed")
	}
	query := `SELECT ` + pgEventCols + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts ASC, id ASC`
	return s.queryEvents(ctx, query, args...)
}

func (s *PgStore) CountByWindow(ctx context.Context, entityID string, kinds []string, start, end time.Time) (int, error) {
	where, args := pgWindowClause(entityID, kinds, start, end)
	query := `SELECT COUNT(*) FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PgStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE events SET processed = TRUE WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *PgStore) DistinctEntityIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT entity_id FROM events WHERE entity_id != '' AND ts >= $1 ORDER BY entity_id`, since)
	if err != nil {
		return nil, fmt.Errorf("distinct entities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("distinct entities: %w", err)
	}
	return ids, nil
}

func (s *PgStore) EventsByActor(ctx context.Context, actorID string) ([]event.Event, error) {
	if actorID == "" {
		return nil, nil
	}
	return s.queryEvents(ctx, `SELECT `+pgEventCols+` FROM events WHERE actor_id = $1 ORDER BY ts ASC, id ASC`, actorID)
}

func (s *PgStore) SaveSummary(ctx context.Context, sum *event.Summary) (*event.Summary, error) {
	if sum == nil {
		return nil, errors.New("save summary: nil summary")
	}
	out := *sum
	now := time.Now().Truncate(time.Microsecond)
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
		tag, err := s.pool.Exec(ctx, `UPDATE summaries SET metric_type = $1, period_end = $2, summary_data = $3::jsonb,
			anomaly_detected = $4, updated_at = $5 WHERE id = $6`,
			out.MetricType, out.PeriodEnd, data, out.AnomalyDetected, out.UpdatedAt, out.ID)
		if err != nil {
			return nil, fmt.Errorf("update summary %s: %w", out.ID, err)
		}
		if tag.RowsAffected() == 1 {
			return &out, nil
		}
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO summaries (`+pgSummaryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11)
		ON CONFLICT (entity_type, entity_id, period, period_start) DO UPDATE SET
			metric_type = EXCLUDED.metric_type,
			period_end = EXCLUDED.period_end,
			summary_data = EXCLUDED.summary_data,
			anomaly_detected = EXCLUDED.anomaly_detected,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		out.ID, out.MetricType, string(out.Period), out.PeriodStart, out.PeriodEnd, data,
		out.EntityID, out.EntityType, out.AnomalyDetected, out.CreatedAt, out.UpdatedAt,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}
	return &out, nil
}

func (s *PgStore) FindLatestSummary(ctx context.Context, entityID, entityType string) (*event.Summary, error) {
	sums, err := s.querySummaries(ctx, `SELECT `+pgSummaryCols+` FROM summaries
		WHERE entity_id = $1 AND entity_type = $2 ORDER BY created_at DESC, id DESC LIMIT 1`, entityID, entityType)
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, nil
	}
	return &sums[0], nil
}

func (s *PgStore) ListSummaries(ctx context.Context, f SummaryFilter) ([]event.Summary, error) {
	var where []string
	var args []any
	argIdx := 1
	if f.EntityID != "" {
		where = append(where, fmt.Sprintf("entity_id = $%d", argIdx))
		args = append(args, f.EntityID)
		argIdx++
	}
	if f.EntityType != "" {
		where = append(where, fmt.Sprintf("entity_type = $%d", argIdx))
		args = append(args, f.EntityType)
		argIdx++
	}
	if f.Period != "" {
		where = append(where, fmt.Sprintf("period = $%d", argIdx))
		args = append(args, string(f.Period))
		argIdx++
	}
	query := `SELECT ` + pgSummaryCols + ` FROM summaries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_start DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}
	return s.querySummaries(ctx, query, args...)
}

func (s *PgStore) SummariesByActor(ctx context.Context, actorID string) ([]event.Summary, error) {
	if actorID == "" {
		return nil, nil
	}
	return s.ListSummaries(ctx, SummaryFilter{EntityID: actorID, EntityType: event.EntityTypeUser})
}

func (s *PgStore) DeleteOlderThan(ctx context.Context, rt event.RecordType, cutoff time.Time) (int64, error) {
	table, err := tableFor(rt)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) CountOlderThan(ctx context.Context, rt event.RecordType, cutoff time.Time) (int64, error) {
	table, err := tableFor(rt)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE created_at < $1`, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *PgStore) AnonymizeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET actor_id = '' WHERE actor_id != '' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("anonymize events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) AnonymizeActor(ctx context.Context, actorID string) (int64, error) {
	if actorID == "" {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	evTag, err := tx.Exec(ctx, `UPDATE events SET actor_id = '' WHERE actor_id = $1`, actorID)
	if err != nil {
		return 0, fmt.Errorf("anonymize events: %w", err)
	}
	sumTag, err := tx.Exec(ctx, `UPDATE summaries SET entity_id = $1::text || id WHERE entity_type = $2 AND entity_id = $3`,
		ForgottenPrefix, event.EntityTypeUser, actorID)
	if err != nil {
		return 0, fmt.Errorf("anonymize summaries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit anonymize: %w", err)
	}
	return evTag.RowsAffected() + sumTag.RowsAffected(), nil
}

func (s *PgStore) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []event.Event
	for rows.Next() {
		var e event.Event
		var metrics, data, props []byte
		if err := rows.Scan(&e.ID, &e.EntityID, &e.ActorID, &e.Kind, &metrics, &data, &props,
			&e.Source, &e.SessionID, &e.Timestamp, &e.Processed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Metrics = unmarshalMap(metrics)
		e.EventData = unmarshalMap(data)
		e.ActorProperties = unmarshalMap(props)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}

func (s *PgStore) querySummaries(ctx context.Context, query string, args ...any) ([]event.Summary, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	var out []event.Summary
	for rows.Next() {
		var sum event.Summary
		var period string
		var data []byte
		if err := rows.Scan(&sum.ID, &sum.MetricType, &period, &sum.PeriodStart, &sum.PeriodEnd, &data,
			&sum.EntityID, &sum.EntityType, &sum.AnomalyDetected, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Period = event.Period(period)
		sum.Data = unmarshalMap(data)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

func pgWindowClause(entityID string, kinds []string, start, end time.Time) ([]string, []any) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if entityID != "" {
		add("entity_id = $%d", entityID)
	}
	if len(kinds) > 0 {
		add("kind = ANY($%d)", kinds)
	}
	if !start.IsZero() {
		add("ts >= $%d", start)
	}
	if !end.IsZero() {
		add("ts < $%d", end)
	}
	return where, args
}
