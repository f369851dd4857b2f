package anomaly

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

var now = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func events(entity, kind string, n int, at time.Time) []event.Event {
	out := make([]event.Event, n)
	for i := range out {
		ts := at.Add(-time.Duration(i) * time.Minute)
		out[i] = event.Event{
			ID:        fmt.Sprintf("%s-%s-%d-%d", entity, kind, at.Unix(), i),
			EntityID:  entity,
			ActorID:   fmt.Sprintf("u%d", i),
			Kind:      kind,
			Timestamp: ts,
			CreatedAt: ts,
		}
	}
	return out
}

func seed(t *testing.T, s store.Store, batches ...[]event.Event) {
	t.Helper()
	for _, b := range batches {
		require.NoError(t, s.InsertEvents(context.Background(), b))
	}
}

func byRule(findings []event.AnomalyFinding, r event.Rule) *event.AnomalyFinding {
	for i := range findings {
		if findings[i].Rule == r {
			return &findings[i]
		}
	}
	return nil
}

func TestDetectStatistical(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		sigma  float64
		want   []float64
	}{
		{"zero variance", []float64{5, 5, 5}, 2, []float64{}},
		{"too short", []float64{1, 100}, 2, []float64{}},
		{"single outlier", []float64{1, 2, 3, 4, 5, 100}, 2, []float64{100}},
		{"outlier at lower sigma", []float64{1, 2, 3, 4, 100}, 1.5, []float64{100}},
		// With five samples no point can sit strictly beyond two population
		// standard deviations, so the same series yields nothing at sigma 2.
		{"five samples bound", []float64{1, 2, 3, 4, 100}, 2, []float64{}},
		{"default sigma", []float64{1, 2, 3, 4, 5, 100}, 0, []float64{100}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectStatistical(tc.values, tc.sigma))
		})
	}
}

func TestZScores(t *testing.T) {
	z := ZScores([]float64{2, 4, 4, 4, 5, 5, 7, 9}) // mean 5, std 2
	require.Len(t, z, 8)
	assert.InDelta(t, -1.5, z[0], 1e-9)
	assert.InDelta(t, 2.0, z[7], 1e-9)

	assert.Equal(t, []float64{0, 0, 0}, ZScores([]float64{3, 3, 3}))
}

func TestDetectForEntity_RateDoubling(t *testing.T) {
	s := store.NewMemoryStore()
	// 20 registrations in the last day and 50 earlier in the week: 70/7 = 10 per day.
	seed(t, s,
		events("ent", "register", 20, now.Add(-time.Hour)),
		events("ent", "register", 50, now.Add(-72*time.Hour)),
	)
	d := New(s, DefaultConfig(), WithClock(fixedClock))

	findings, err := d.DetectForEntity(context.Background(), "ent", 24)
	require.NoError(t, err)

	rate := byRule(findings, event.RuleRate)
	require.NotNil(t, rate)
	assert.True(t, rate.IsAnomaly)
	assert.Equal(t, 1.0, rate.Confidence)
	assert.Equal(t, 20.0, rate.CurrentValue)
	assert.Equal(t, 10.0, rate.BaselineValue)
	assert.Equal(t, event.RuleRate, findings[0].Rule, "rate is evaluated first")

	for _, f := range findings {
		assert.True(t, f.IsAnomaly)
		assert.GreaterOrEqual(t, f.Confidence, 0.0)
		assert.LessOrEqual(t, f.Confidence, 1.0)
	}
}

func TestDetectForEntity_HealthyRatio(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s,
		events("ent", "register", 10, now.Add(-2*time.Hour)),
		events("ent", "check_in", 9, now.Add(-time.Hour)),
	)
	d := New(s, DefaultConfig(), WithClock(fixedClock))

	findings, err := d.DetectForEntity(context.Background(), "ent", 24)
	require.NoError(t, err)
	assert.Nil(t, byRule(findings, event.RuleRatio), "0.9 is within 0.3 of 0.7")
}

func TestDetectForEntity_LowRatio(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s,
		events("ent", "register", 10, now.Add(-2*time.Hour)),
		events("ent", "attend", 2, now.Add(-time.Hour)),
	)
	d := New(s, DefaultConfig(), WithClock(fixedClock))

	findings, err := d.DetectForEntity(context.Background(), "ent", 24)
	require.NoError(t, err)
	ratio := byRule(findings, event.RuleRatio)
	require.NotNil(t, ratio)
	assert.InDelta(t, 0.2, ratio.CurrentValue, 1e-9)
	assert.InDelta(t, 1.0, ratio.Confidence, 1e-9)
}

func TestDetectForEntity_InsufficientData(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, events("ent", "register", 2, now.Add(-time.Hour)))
	d := New(s, DefaultConfig(), WithClock(fixedClock))

	findings, err := d.DetectForEntity(context.Background(), "ent", 0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetectForEntity_NoBaselineSkipsRate(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, events("ent", "view", 5, now.Add(-time.Hour)))
	d := New(s, DefaultConfig(), WithClock(fixedClock))

	findings, err := d.DetectForEntity(context.Background(), "ent", 24)
	require.NoError(t, err)
	assert.Nil(t, byRule(findings, event.RuleRate))
}

func TestDetectForEntity_StableActivityIsQuiet(t *testing.T) {
	s := store.NewMemoryStore()
	// Same volume every day for a week, healthy attendance.
	for day := 0; day < 7; day++ {
		at := now.Add(-time.Duration(day)*24*time.Hour - time.Hour)
		seed(t, s,
			events("ent", "register", 10, at),
			events("ent", "check_in", 7, at),
			events("ent", "view", 4, at),
		)
	}
	d := New(s, DefaultConfig(), WithClock(fixedClock))

	findings, err := d.DetectForEntity(context.Background(), "ent", 24)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

type failingStore struct {
	store.Store
	failEntity string
}

func (f failingStore) FindByWindow(ctx context.Context, q store.Query) ([]event.Event, error) {
	if q.EntityID == f.failEntity {
		return nil, errors.New("boom")
	}
	return f.Store.FindByWindow(ctx, q)
}

func TestScanAll(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	seed(t, mem,
		events("with-summary", "register", 20, now.Add(-time.Hour)),
		events("with-summary", "register", 50, now.Add(-72*time.Hour)),
		events("no-summary", "register", 20, now.Add(-time.Hour)),
		events("no-summary", "register", 50, now.Add(-72*time.Hour)),
		events("quiet", "view", 1, now.Add(-time.Hour)),
		events("bad", "register", 5, now.Add(-time.Hour)),
	)
	_, err := mem.SaveSummary(ctx, &event.Summary{
		MetricType: "entity_activity", Period: event.PeriodDaily,
		PeriodStart: now.Add(-48 * time.Hour), PeriodEnd: now.Add(-24*time.Hour - time.Nanosecond),
		EntityID: "with-summary", EntityType: event.EntityTypeEntity,
		Data: map[string]interface{}{"total_events": 1}, CreatedAt: now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	s := failingStore{Store: mem, failEntity: "bad"}
	d := New(s, DefaultConfig(), WithClock(fixedClock))

	report, err := d.ScanAll(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Entities)
	assert.Equal(t, 2, report.Flagged)
	assert.Equal(t, 1, report.Failed)
	assert.Positive(t, report.Dropped)

	latest, err := mem.FindLatestSummary(ctx, "with-summary", event.EntityTypeEntity)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.AnomalyDetected)
	assert.NotEmpty(t, latest.Anomalies())
	assert.True(t, latest.UpdatedAt.Equal(now))
	assert.Equal(t, 1, latest.Data["total_events"])
}

type brokenStore struct{ store.Store }

func (brokenStore) DistinctEntityIDs(context.Context, time.Time) ([]string, error) {
	return nil, errors.New("db down")
}

func TestScanAll_LookupFailureFailsRun(t *testing.T) {
	d := New(brokenStore{store.NewMemoryStore()}, DefaultConfig(), WithClock(fixedClock))
	_, err := d.ScanAll(context.Background(), 0)
	assert.Error(t, err)
}
