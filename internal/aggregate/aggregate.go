// Package aggregate folds a batch of events into point-in-time statistics.
package aggregate

import (
	"encoding/json"
	"math"
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// MetricStats holds the fold of one named metric. Min and Max stay at +Inf/-Inf
// when no numeric sample was seen; check HasData before reading them.
type MetricStats struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// HasData reports whether at least one numeric sample was folded.
func (m MetricStats) HasData() bool { return m.Count > 0 }

// TimeBounds are the earliest and latest event timestamps; nil when empty.
type TimeBounds struct {
	Earliest *time.Time `json:"earliest,omitempty"`
	Latest   *time.Time `json:"latest,omitempty"`
}

// Result is the aggregate over one batch of events.
type Result struct {
	TotalEvents    int                    `json:"total_events"`
	KindCounts     map[string]int         `json:"event_kind_counts"`
	UniqueActors   int                    `json:"unique_actors"`
	UniqueEntities int                    `json:"unique_entities"`
	TimeBounds     TimeBounds             `json:"time_bounds"`
	Metrics        map[string]MetricStats `json:"metrics"`
}

// Aggregate computes statistics over events. It has no side effects and the
// result does not depend on input order.
func Aggregate(events []event.Event) Result {
	res := Result{
		TotalEvents: len(events),
		KindCounts:  make(map[string]int),
		Metrics:     make(map[string]MetricStats),
	}
	actors := make(map[string]struct{})
	entities := make(map[string]struct{})
	var earliest, latest time.Time

	for i := range events {
		e := &events[i]
		res.KindCounts[e.Kind]++
		if e.ActorID != "" {
			actors[e.ActorID] = struct{}{}
		}
		if e.EntityID != "" {
			entities[e.EntityID] = struct{}{}
		}
		if i == 0 || e.Timestamp.Before(earliest) {
			earliest = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
		for name, raw := range e.Metrics {
			v, ok := ToFloat64(raw)
			if !ok {
				continue
			}
			st, seen := res.Metrics[name]
			if !seen {
				st = MetricStats{Min: math.Inf(1), Max: math.Inf(-1)}
			}
			st.Sum += v
			st.Count++
			st.Min = math.Min(st.Min, v)
			st.Max = math.Max(st.Max, v)
			res.Metrics[name] = st
		}
	}

	for name, st := range res.Metrics {
		st.Avg = st.Sum / float64(st.Count)
		res.Metrics[name] = st
	}
	res.UniqueActors = len(actors)
	res.UniqueEntities = len(entities)
	if len(events) > 0 {
		res.TimeBounds = TimeBounds{Earliest: &earliest, Latest: &latest}
	}
	return res
}

// ToMap renders the result as the loosely-typed payload stored on a Summary.
// Sentinel extremes are rendered as nil so the payload stays JSON-encodable.
func (r Result) ToMap() map[string]interface{} {
	kinds := make(map[string]interface{}, len(r.KindCounts))
	for k, n := range r.KindCounts {
		kinds[k] = n
	}
	metrics := make(map[string]interface{}, len(r.Metrics))
	for name, st := range r.Metrics {
		m := map[string]interface{}{
			"sum":   st.Sum,
			"count": st.Count,
			"avg":   st.Avg,
			"min":   nil,
			"max":   nil,
		}
		if st.HasData() {
			m["min"] = st.Min
			m["max"] = st.Max
		}
		metrics[name] = m
	}
	bounds := map[string]interface{}{"earliest": nil, "latest": nil}
	if r.TimeBounds.Earliest != nil {
		bounds["earliest"] = r.TimeBounds.Earliest.UTC().Format(time.RFC3339Nano)
		bounds["latest"] = r.TimeBounds.Latest.UTC().Format(time.RFC3339Nano)
	}
	return map[string]interface{}{
		"total_events":      r.TotalEvents,
		"event_kind_counts": kinds,
		"unique_actors":     r.UniqueActors,
		"unique_entities":   r.UniqueEntities,
		"time_bounds":       bounds,
		"metrics":           metrics,
	}
}

// ToFloat64 coerces a numeric value to float64. NaN is rejected.
func ToFloat64(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
