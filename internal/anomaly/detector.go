// Package anomaly compares recent per-entity activity against a trailing
// seven-day baseline and annotates summaries with what it finds.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/metrics"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

const (
	baselineDays = 7
	minEvents    = 3
)

// Config holds the rule thresholds and the kind groupings the rules count.
type Config struct {
	WindowHours            int
	LookbackDays           int
	Concurrency            int
	RateThresholdPct       float64
	EngagementThresholdPct float64
	RatioBaseline          float64
	RatioThreshold         float64
	RegisterKinds          []string
	AttendKinds            []string
	EngagementKinds        []string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		WindowHours:            24,
		LookbackDays:           7,
		Concurrency:            8,
		RateThresholdPct:       50,
		EngagementThresholdPct: 60,
		RatioBaseline:          0.7,
		RatioThreshold:         0.3,
		RegisterKinds:          []string{"register"},
		AttendKinds:            []string{"attend", "check_in"},
		EngagementKinds:        []string{"view", "interact", "share", "feedback"},
	}
}

// Detector runs the per-entity rules against a store.
type Detector struct {
	store store.Store
	cfg   atomic.Pointer[Config]
	log   *slog.Logger
	now   func() time.Time
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// New creates a Detector over s.
func New(s store.Store, cfg Config, opts ...Option) *Detector {
	d := &Detector{store: s, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	d.SetConfig(cfg)
	return d
}

// SetConfig atomically replaces the rule configuration (used on hot-reload).
func (d *Detector) SetConfig(cfg Config) {
	def := DefaultConfig()
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = def.WindowHours
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if len(cfg.RegisterKinds) == 0 {
		cfg.RegisterKinds = def.RegisterKinds
	}
	if len(cfg.AttendKinds) == 0 {
		cfg.AttendKinds = def.AttendKinds
	}
	if len(cfg.EngagementKinds) == 0 {
		cfg.EngagementKinds = def.EngagementKinds
	}
	d.cfg.Store(&cfg)
}

// Config returns the active configuration.
func (d *Detector) Config() Config { return *d.cfg.Load() }

// DetectForEntity evaluates the rate, ratio and engagement rules for one
// entity over the trailing windowHours (<= 0 means the configured window).
// Only findings that flag an anomaly are returned, in rule order.
// Fewer than three events in the window, or a zero baseline for a rule,
// produce no finding rather than an error.
func (d *Detector) DetectForEntity(ctx context.Context, entityID string, windowHours int) ([]event.AnomalyFinding, error) {
	cfg := d.cfg.Load()
	if windowHours <= 0 {
		windowHours = cfg.WindowHours
	}
	now := d.now()
	start := now.Add(-time.Duration(windowHours) * time.Hour)

	events, err := d.store.FindByWindow(ctx, store.Query{EntityID: entityID, Start: start, End: now})
	if err != nil {
		return nil, fmt.Errorf("load window for %s: %w", entityID, err)
	}
	findings := []event.AnomalyFinding{}
	if len(events) < minEvents {
		return findings, nil
	}

	var registers, attends, engaged int
	for i := range events {
		k := events[i].Kind
		switch {
		case contains(cfg.RegisterKinds, k):
			registers++
		case contains(cfg.AttendKinds, k):
			attends++
		case contains(cfg.EngagementKinds, k):
			engaged++
		}
	}

	if f, ok, err := d.rateRule(ctx, entityID, now, cfg.RegisterKinds, float64(registers), cfg.RateThresholdPct, event.RuleRate, "registration_rate"); err != nil {
		return nil, err
	} else if ok {
		findings = append(findings, f)
	}

	ratio := float64(attends) / math.Max(float64(registers), 1)
	dev := ratio - cfg.RatioBaseline
	if math.Abs(dev) > cfg.RatioThreshold {
		findings = append(findings, event.AnomalyFinding{
			Rule:          event.RuleRatio,
			IsAnomaly:     true,
			Confidence:    math.Min(math.Abs(dev)/0.5, 1),
			MetricName:    "attendance_ratio",
			CurrentValue:  ratio,
			BaselineValue: cfg.RatioBaseline,
			Threshold:     cfg.RatioThreshold,
			Message:       fmt.Sprintf("attendance ratio %.2f deviates from expected %.2f", ratio, cfg.RatioBaseline),
			DetectedAt:    now,
		})
	}

	if f, ok, err := d.rateRule(ctx, entityID, now, cfg.EngagementKinds, float64(engaged), cfg.EngagementThresholdPct, event.RuleEngagement, "engagement_rate"); err != nil {
		return nil, err
	} else if ok {
		findings = append(findings, f)
	}

	for _, f := range findings {
		metrics.AnomaliesFound.WithLabelValues(string(f.Rule)).Inc()
	}
	return findings, nil
}

// rateRule compares current against the daily average over the trailing
// seven days. A zero baseline is skipped.
func (d *Detector) rateRule(ctx context.Context, entityID string, now time.Time, kinds []string, current, thresholdPct float64, rule event.Rule, name string) (event.AnomalyFinding, bool, error) {
	total, err := d.store.CountByWindow(ctx, entityID, kinds, now.AddDate(0, 0, -baselineDays), now)
	if err != nil {
		return event.AnomalyFinding{}, false, fmt.Errorf("%s baseline for %s: %w", rule, entityID, err)
	}
	baseline := float64(total) / baselineDays
	if baseline == 0 {
		return event.AnomalyFinding{}, false, nil
	}
	change := (current - baseline) / baseline * 100
	if math.Abs(change) <= thresholdPct {
		return event.AnomalyFinding{}, false, nil
	}
	return event.AnomalyFinding{
		Rule:          rule,
		IsAnomaly:     true,
		Confidence:    math.Min(math.Abs(change)/100, 1),
		MetricName:    name,
		CurrentValue:  current,
		BaselineValue: baseline,
		Threshold:     thresholdPct,
		Message:       fmt.Sprintf("%s changed %.1f%% against a daily baseline of %.2f", name, change, baseline),
		DetectedAt:    now,
	}, true, nil
}

// ScanReport summarises one ScanAll run.
type ScanReport struct {
	Entities int `json:"entities"`
	Flagged  int `json:"flagged"`
	Findings int `json:"findings"`
	// Dropped counts findings for entities that had no summary to attach to.
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

// ScanAll runs DetectForEntity for every entity with events in the last
// lookbackDays (<= 0 means the configured lookback) and appends the findings
// to each entity's latest summary. Failures for one entity are logged and
// counted; only the initial entity lookup can fail the scan.
func (d *Detector) ScanAll(ctx context.Context, lookbackDays int) (ScanReport, error) {
	cfg := d.cfg.Load()
	if lookbackDays <= 0 {
		lookbackDays = cfg.LookbackDays
	}
	since := d.now().AddDate(0, 0, -lookbackDays)
	ids, err := d.store.DistinctEntityIDs(ctx, since)
	if err != nil {
		return ScanReport{}, fmt.Errorf("list active entities: %w", err)
	}

	var (
		mu     sync.Mutex
		report = ScanReport{Entities: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			n, dropped, err := d.annotate(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				d.log.Warn("anomaly_scan_entity_failed", "entity_id", id, "err", err)
				return nil
			}
			if n > 0 {
				report.Flagged++
				report.Findings += n
			}
			report.Dropped += dropped
			return nil
		})
	}
	_ = g.Wait()

	d.log.Info("anomaly_scan_completed",
		"entities", report.Entities,
		"flagged", report.Flagged,
		"findings", report.Findings,
		"dropped", report.Dropped,
		"failed", report.Failed,
	)
	return report, nil
}

func (d *Detector) annotate(ctx context.Context, entityID string) (found, dropped int, err error) {
	findings, err := d.DetectForEntity(ctx, entityID, 0)
	if err != nil {
		return 0, 0, err
	}
	if len(findings) == 0 {
		return 0, 0, nil
	}
	latest, err := d.store.FindLatestSummary(ctx, entityID, event.EntityTypeEntity)
	if err != nil {
		return 0, 0, fmt.Errorf("latest summary: %w", err)
	}
	if latest == nil {
		d.log.Debug("anomaly_findings_dropped", "entity_id", entityID, "findings", len(findings))
		return len(findings), len(findings), nil
	}
	latest.AppendAnomalies(findings, d.now())
	if _, err := d.store.SaveSummary(ctx, latest); err != nil {
		return 0, 0, fmt.Errorf("save summary %s: %w", latest.ID, err)
	}
	return len(findings), 0, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
