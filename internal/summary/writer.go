// Package summary persists calendar-aligned aggregates of the event log.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/aggregate"
	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/metrics"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

// MetricType is the metric type stamped on every summary the Writer produces.
const MetricType = "event_summary"

// Bounds returns the most recently completed calendar period before now,
// evaluated in loc. start is inclusive, end is start+unit-1ns.
// Weeks start on Monday.
func Bounds(p event.Period, now time.Time, loc *time.Location) (start, end time.Time, err error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	var next time.Time
	switch p {
	case event.PeriodDaily:
		start = today.AddDate(0, 0, -1)
		next = today
	case event.PeriodWeekly:
		// Monday=0 ... Sunday=6
		offset := (int(today.Weekday()) + 6) % 7
		thisWeek := today.AddDate(0, 0, -offset)
		start = thisWeek.AddDate(0, 0, -7)
		next = thisWeek
	case event.PeriodMonthly:
		thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		start = thisMonth.AddDate(0, -1, 0)
		next = thisMonth
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", p)
	}
	return start, next.Add(-time.Nanosecond), nil
}

// Writer builds and stores one Summary per period run.
type Writer struct {
	store store.Store
	loc   *time.Location
	log   *slog.Logger
}

// NewWriter returns a Writer computing bounds in loc (UTC when nil).
func NewWriter(s store.Store, loc *time.Location, log *slog.Logger) *Writer {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: s, loc: loc, log: log}
}

// RunPeriod aggregates the events of the last completed period and saves the
// result. A daily run only fires when the window has unprocessed events; it
// then re-aggregates the whole window, so late events extend the stored
// summary instead of replacing it, and marks the new events processed once the
// summary is stored. Weekly and monthly runs always read every event in the
// window. It returns nil without writing when there is nothing to summarize.
func (w *Writer) RunPeriod(ctx context.Context, p event.Period, now time.Time) (*event.Summary, error) {
	start, end, err := Bounds(p, now, w.loc)
	if err != nil {
		return nil, err
	}
	daily := p == event.PeriodDaily
	window := store.Query{Start: start, End: end.Add(time.Nanosecond)}

	var fresh []event.Event
	if daily {
		unprocessed := window
		unprocessed.OnlyUnprocessed = true
		fresh, err = w.store.FindByWindow(ctx, unprocessed)
		if err != nil {
			return nil, fmt.Errorf("load unprocessed %s events: %w", p, err)
		}
		if len(fresh) == 0 {
			w.log.Info("summary skipped: no new events", "period", p, "start", start, "end", end)
			return nil, nil
		}
	}

	events, err := w.store.FindByWindow(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("load %s events: %w", p, err)
	}
	if len(events) == 0 {
		w.log.Info("summary skipped: no events", "period", p, "start", start, "end", end)
		return nil, nil
	}

	res := aggregate.Aggregate(events)
	sum, err := w.store.SaveSummary(ctx, &event.Summary{
		MetricType:  MetricType,
		Period:      p,
		PeriodStart: start,
		PeriodEnd:   end,
		Data:        res.ToMap(),
		EntityType:  event.EntityTypeSystem,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("save %s summary: %w", p, err)
	}
	metrics.SummariesWritten.WithLabelValues(string(p)).Inc()

	if daily {
		ids := make([]string, len(fresh))
		for i := range fresh {
			ids[i] = fresh[i].ID
		}
		if err := w.store.MarkProcessed(ctx, ids); err != nil {
			return sum, fmt.Errorf("mark daily events processed: %w", err)
		}
	}

	w.log.Info("summary written",
		"period", p,
		"summary_id", sum.ID,
		"events", res.TotalEvents,
		"start", start,
		"end", end,
	)
	return sum, nil
}
