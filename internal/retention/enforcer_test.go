package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

var now = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

func TestExecutePolicy_CutoffIsStrict(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	cutoff := now.Add(-90 * 24 * time.Hour)
	require.NoError(t, s.InsertEvents(ctx, []event.Event{
		{ID: "old", Kind: "view", CreatedAt: cutoff.Add(-time.Second)},
		{ID: "edge", Kind: "view", CreatedAt: cutoff},
		{ID: "new", Kind: "view", CreatedAt: cutoff.Add(time.Second)},
	}))

	e := NewEnforcer(s, []event.RetentionPolicy{
		{ID: "events-90", RecordType: event.RecordEvents, RetentionPeriodDays: 90, Enabled: true},
	}, nil)

	n, err := e.ExecutePolicy(ctx, "events-90", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := s.FindByWindow(ctx, store.Query{})
	require.NoError(t, err)
	var ids []string
	for _, ev := range left {
		ids = append(ids, ev.ID)
	}
	assert.ElementsMatch(t, []string{"edge", "new"}, ids)

	p := e.Policies()[0]
	require.NotNil(t, p.LastRunAt)
	assert.True(t, p.LastRunAt.Equal(now))
}

func TestExecuteAllPolicies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	old := now.AddDate(0, 0, -400)
	require.NoError(t, s.InsertEvents(ctx, []event.Event{
		{ID: "a", Kind: "view", ActorID: "u1", CreatedAt: old},
		{ID: "b", Kind: "view", ActorID: "u2", CreatedAt: now},
	}))
	_, err := s.SaveSummary(ctx, &event.Summary{
		MetricType: "event_summary", Period: event.PeriodDaily, PeriodStart: old, PeriodEnd: old,
		EntityType: event.EntityTypeSystem, CreatedAt: old,
	})
	require.NoError(t, err)

	e := NewEnforcer(s, []event.RetentionPolicy{
		{ID: "summaries", RecordType: event.RecordSummaries, RetentionPeriodDays: 365, Enabled: true},
		{ID: "events-off", RecordType: event.RecordEvents, RetentionPeriodDays: 1, Enabled: false},
		{ID: "sessions", RecordType: event.RecordType("sessions"), RetentionPeriodDays: 30, Enabled: true},
		{ID: "events-anon", RecordType: event.RecordEvents, RetentionPeriodDays: 30, Enabled: true, Action: event.ActionAnonymize},
	}, nil)

	res, err := e.ExecuteAllPolicies(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"summaries":   1,
		"events-off":  0,
		"sessions":    0,
		"events-anon": 1,
	}, res)

	evs, err := s.FindByWindow(ctx, store.Query{})
	require.NoError(t, err)
	assert.Len(t, evs, 2, "anonymize keeps the rows")
	byActor, err := s.EventsByActor(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, byActor)

	for _, p := range e.Policies() {
		if p.ID == "events-off" {
			assert.Nil(t, p.LastRunAt, "disabled policies are not run")
			continue
		}
		require.NotNil(t, p.LastRunAt, p.ID)
	}
}

type failingStore struct{ store.Store }

func (failingStore) DeleteOlderThan(context.Context, event.RecordType, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestExecutePolicy_FailureStillStamps(t *testing.T) {
	e := NewEnforcer(failingStore{store.NewMemoryStore()}, []event.RetentionPolicy{
		{ID: "p", RecordType: event.RecordEvents, RetentionPeriodDays: 10, Enabled: true},
	}, nil)

	_, err := e.ExecutePolicy(context.Background(), "p", now)
	require.Error(t, err)
	require.NotNil(t, e.Policies()[0].LastRunAt)

	_, err = e.ExecutePolicy(context.Background(), "missing", now)
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestReplacePolicy(t *testing.T) {
	e := NewEnforcer(store.NewMemoryStore(), []event.RetentionPolicy{
		{ID: "p", RecordType: event.RecordEvents, RetentionPeriodDays: 10, Enabled: true},
	}, nil)
	_, err := e.ExecutePolicy(context.Background(), "p", now)
	require.NoError(t, err)

	require.NoError(t, e.ReplacePolicy(event.RetentionPolicy{
		ID: "p", RecordType: event.RecordEvents, RetentionPeriodDays: 20, Enabled: false,
	}))
	got := e.Policies()[0]
	assert.Equal(t, 20, got.RetentionPeriodDays)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastRunAt, "replacement keeps the last run")

	err = e.ReplacePolicy(event.RetentionPolicy{ID: "nope", RecordType: event.RecordEvents, RetentionPeriodDays: 1})
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	err = e.ReplacePolicy(event.RetentionPolicy{ID: "p", RecordType: event.RecordSummaries, RetentionPeriodDays: 1, Action: event.ActionAnonymize})
	assert.Error(t, err)

	// Snapshots are copies.
	snap := e.Policies()
	snap[0].RetentionPeriodDays = 999
	assert.Equal(t, 20, e.Policies()[0].RetentionPeriodDays)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.InsertEvents(ctx, []event.Event{
		{ID: "d40", Kind: "view", CreatedAt: now.AddDate(0, 0, -40)},
		{ID: "d100", Kind: "view", CreatedAt: now.AddDate(0, 0, -100)},
		{ID: "d400", Kind: "view", CreatedAt: now.AddDate(0, 0, -400)},
		{ID: "d1", Kind: "view", CreatedAt: now.AddDate(0, 0, -1)},
	}))
	e := NewEnforcer(s, nil, nil)

	st, err := e.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{30: 3, 90: 2, 365: 1}, st[event.RecordEvents])
	assert.Equal(t, map[int]int64{30: 0, 90: 0, 365: 0}, st[event.RecordSummaries])
}
