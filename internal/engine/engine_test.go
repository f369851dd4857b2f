package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventlens/internal/config"
	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

var now = time.Date(2024, 10, 2, 6, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, st store.Store, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Retention.Policies = []event.RetentionPolicy{
		{ID: "events", RecordType: event.RecordEvents, RetentionPeriodDays: 30, Enabled: true, Action: event.ActionDelete},
	}
	if mutate != nil {
		mutate(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e, err := New(ctx, st, cfg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Shutdown()
		cancel()
	})
	return e
}

func TestEngine_IngestAndDailySummary(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st, nil)

	yesterday := now.Add(-20 * time.Hour)
	events := []event.Event{
		{Kind: "register", ActorID: "u1", Timestamp: yesterday},
		{Kind: "view", ActorID: "u2", Timestamp: yesterday.Add(time.Minute)},
		{Kind: "view"}, // timestamp defaults to now
	}
	require.NoError(t, e.Ingest(ctx, events, "test"))
	for _, ev := range events {
		assert.NotEmpty(t, ev.ID)
	}
	assert.Equal(t, now, events[2].Timestamp)

	res, err := e.RunJob(ctx, JobDailySummary)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	sum, ok := res.Output.(*event.Summary)
	require.True(t, ok)
	require.NotNil(t, sum)
	assert.Equal(t, 2, sum.Data["total_events"])
	assert.False(t, e.Running(JobDailySummary))

	// Weekly and monthly windows hold nothing yet.
	w, err := e.RunWeeklySummary(ctx)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestEngine_RetentionAndScanEntryPoints(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st, nil)
	require.NoError(t, st.InsertEvents(ctx, []event.Event{
		{ID: "old", Kind: "view", CreatedAt: now.AddDate(0, 0, -60)},
		{ID: "new", Kind: "view", CreatedAt: now},
	}))

	res, err := e.RunRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"events": 1}, res)

	report, err := e.ScanAllForAnomalies(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
}

func TestEngine_UnknownJob(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), nil)
	_, err := e.RunJob(context.Background(), "reindex")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

// blockingStore parks retention deletes until release is closed.
type blockingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingStore) DeleteOlderThan(ctx context.Context, rt event.RecordType, cutoff time.Time) (int64, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return b.Store.DeleteOlderThan(ctx, rt, cutoff)
}

func TestEngine_SingleInstanceGuard(t *testing.T) {
	bs := &blockingStore{Store: store.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(t, bs, nil)

	require.NoError(t, e.Enqueue(JobRetention))
	<-bs.entered
	assert.True(t, e.Running(JobRetention))
	assert.Positive(t, e.QueueUtilization())

	err := e.Enqueue(JobRetention)
	assert.ErrorIs(t, err, ErrJobRunning)

	// Other jobs are not blocked by the guard.
	res, err := e.RunJob(context.Background(), JobMonthlySummary)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)

	close(bs.release)
	require.Eventually(t, func() bool { return !e.Running(JobRetention) }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, bs.calls.Load())
}

func TestScheduler_SkipsWhileRunning(t *testing.T) {
	bs := &blockingStore{Store: store.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(t, bs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(e, map[string]time.Duration{JobRetention: 5 * time.Millisecond, JobDailySummary: 0}, nil)
	s.Start(ctx)

	<-bs.entered
	time.Sleep(30 * time.Millisecond) // several ticks while the first run is parked
	assert.EqualValues(t, 1, bs.calls.Load())

	close(bs.release)
	require.Eventually(t, func() bool { return bs.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestEngine_ShutdownRefusesJobs(t *testing.T) {
	cfg := config.Default()
	e, err := New(context.Background(), store.NewMemoryStore(), cfg)
	require.NoError(t, err)
	e.Shutdown()
	assert.ErrorIs(t, e.Enqueue(JobRetention), ErrShutdown)
	e.Shutdown()
}

func TestEngine_ApplyHotReload(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), nil)
	cfg := config.Default()
	cfg.Anomaly.RateThresholdPct = 80
	cfg.Retention.Policies = []event.RetentionPolicy{
		{ID: "a", RecordType: event.RecordEvents, RetentionPeriodDays: 1, Enabled: true},
		{ID: "b", RecordType: event.RecordSummaries, RetentionPeriodDays: 1, Enabled: true},
	}
	e.Apply(cfg)

	assert.Equal(t, 80.0, e.Detector().Config().RateThresholdPct)
	assert.Len(t, e.Enforcer().Policies(), 2)
}

func TestNew_BadLocation(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Location = "Nowhere/Special"
	_, err := New(context.Background(), store.NewMemoryStore(), cfg)
	assert.Error(t, err)
}
