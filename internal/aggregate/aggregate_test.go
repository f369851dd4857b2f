package aggregate

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func sample() []event.Event {
	return []event.Event{
		{ID: "1", EntityID: "e1", ActorID: "a1", Kind: "register", Timestamp: t0.Add(2 * time.Hour),
			Metrics: map[string]interface{}{"amount": 10.0, "seats": 2}},
		{ID: "2", EntityID: "e1", ActorID: "a2", Kind: "check_in", Timestamp: t0,
			Metrics: map[string]interface{}{"amount": "n/a"}},
		{ID: "3", EntityID: "e2", ActorID: "a1", Kind: "register", Timestamp: t0.Add(time.Hour),
			Metrics: map[string]interface{}{"amount": json.Number("4.5")}},
		{ID: "4", Kind: "view", Timestamp: t0.Add(30 * time.Minute),
			Metrics: map[string]interface{}{"duration": nil}},
	}
}

func TestAggregate_Basics(t *testing.T) {
	res := Aggregate(sample())

	assert.Equal(t, 4, res.TotalEvents)
	assert.Equal(t, map[string]int{"register": 2, "check_in": 1, "view": 1}, res.KindCounts)
	assert.Equal(t, 2, res.UniqueActors)
	assert.Equal(t, 2, res.UniqueEntities)

	amount := res.Metrics["amount"]
	assert.Equal(t, 2, amount.Count)
	assert.InDelta(t, 14.5, amount.Sum, 1e-9)
	assert.InDelta(t, 7.25, amount.Avg, 1e-9)
	assert.Equal(t, 4.5, amount.Min)
	assert.Equal(t, 10.0, amount.Max)

	seats := res.Metrics["seats"]
	assert.Equal(t, 1, seats.Count)
	assert.Equal(t, 2.0, seats.Avg)

	_, ok := res.Metrics["duration"]
	assert.False(t, ok, "non-numeric only metric must not appear")

	require.NotNil(t, res.TimeBounds.Earliest)
	assert.True(t, res.TimeBounds.Earliest.Equal(t0))
	assert.True(t, res.TimeBounds.Latest.Equal(t0.Add(2*time.Hour)))
}

func TestAggregate_Empty(t *testing.T) {
	res := Aggregate(nil)
	assert.Equal(t, 0, res.TotalEvents)
	assert.Nil(t, res.TimeBounds.Earliest)
	assert.Nil(t, res.TimeBounds.Latest)
	assert.Empty(t, res.Metrics)

	m := res.ToMap()
	_, err := json.Marshal(m)
	require.NoError(t, err)
}

func TestAggregate_PermutationInvariant(t *testing.T) {
	events := sample()
	want := Aggregate(events)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]event.Event(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Aggregate(shuffled)
		assert.Equal(t, want.TotalEvents, got.TotalEvents)
		assert.Equal(t, want.KindCounts, got.KindCounts)
		assert.Equal(t, want.UniqueActors, got.UniqueActors)
		for name, st := range want.Metrics {
			assert.InDelta(t, st.Sum, got.Metrics[name].Sum, 1e-9)
			assert.Equal(t, st.Count, got.Metrics[name].Count)
			assert.Equal(t, st.Min, got.Metrics[name].Min)
			assert.Equal(t, st.Max, got.Metrics[name].Max)
		}
		assert.True(t, want.TimeBounds.Earliest.Equal(*got.TimeBounds.Earliest))
		assert.True(t, want.TimeBounds.Latest.Equal(*got.TimeBounds.Latest))
	}
}

func TestAggregate_SumMatchesFold(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var events []event.Event
	var sum float64
	for i := 0; i < 200; i++ {
		v := rng.Float64() * 100
		sum += v
		events = append(events, event.Event{Kind: "view", Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Metrics: map[string]interface{}{"v": v}})
	}
	res := Aggregate(events)
	assert.Equal(t, len(events), res.TotalEvents)
	assert.InDelta(t, sum, res.Metrics["v"].Sum, 1e-6)
	assert.InDelta(t, res.Metrics["v"].Sum/float64(res.Metrics["v"].Count), res.Metrics["v"].Avg, 1e-12)
}

func TestMetricStats_Sentinels(t *testing.T) {
	st := MetricStats{Min: math.Inf(1), Max: math.Inf(-1)}
	assert.False(t, st.HasData())

	res := Result{Metrics: map[string]MetricStats{"x": st}}
	m := res.ToMap()["metrics"].(map[string]interface{})["x"].(map[string]interface{})
	assert.Nil(t, m["min"])
	assert.Nil(t, m["max"])
}

func TestToFloat64(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{int(3), 3, true},
		{int64(-2), -2, true},
		{uint8(7), 7, true},
		{float32(1.5), 1.5, true},
		{json.Number("2.25"), 2.25, true},
		{json.Number("abc"), 0, false},
		{"3", 0, false},
		{true, 0, false},
		{math.NaN(), 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := ToFloat64(tc.in)
		assert.Equal(t, tc.ok, ok, "%#v", tc.in)
		assert.Equal(t, tc.want, got, "%#v", tc.in)
	}
}
