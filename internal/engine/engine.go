// Package engine exposes the analytics entry points and runs them as named
// jobs on a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/eventlens/internal/anomaly"
	"github.com/gyaneshwarpardhi/eventlens/internal/config"
	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/metrics"
	"github.com/gyaneshwarpardhi/eventlens/internal/privacy"
	"github.com/gyaneshwarpardhi/eventlens/internal/retention"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
	"github.com/gyaneshwarpardhi/eventlens/internal/summary"
)

// Job names.
const (
	JobDailySummary   = "daily_summary"
	JobWeeklySummary  = "weekly_summary"
	JobMonthlySummary = "monthly_summary"
	JobAnomalyScan    = "anomaly_scan"
	JobRetention      = "retention"
)

const defaultJobTimeout = 10 * time.Minute

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
	ErrQueueFull  = errors.New("job queue full")
	ErrShutdown   = errors.New("engine shut down")
)

// JobResult is the outcome of one job run.
type JobResult struct {
	Job        string      `json:"job"`
	Status     string      `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	DurationMs int64       `json:"duration_ms"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type jobWork struct {
	name    string
	resultC chan *JobResult
}

// Engine wires the store to the summary writer, anomaly detector, retention
// enforcer and privacy components.
type Engine struct {
	store       store.Store
	writer      *summary.Writer
	detector    *anomaly.Detector
	enforcer    *retention.Enforcer
	transformer *privacy.Transformer
	rights      *privacy.Rights
	log         *slog.Logger
	now         func() time.Time

	timeout atomic.Int64 // job timeout in nanoseconds
	pool    *workerPool[*jobWork]

	mu      sync.RWMutex // guards closed against pool submission
	closed  bool
	running sync.Map // job name → struct{}
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used by every entry point.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine over st using cfg and starts the job workers.
func New(ctx context.Context, st store.Store, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{store: st, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	loc, err := cfg.Engine.LoadLocation()
	if err != nil {
		return nil, fmt.Errorf("engine location: %w", err)
	}

	e.writer = summary.NewWriter(st, loc, e.log)
	e.detector = anomaly.New(st, AnomalyConfig(cfg), anomaly.WithClock(e.now), anomaly.WithLogger(e.log))
	e.enforcer = retention.NewEnforcer(st, cfg.Retention.Policies, e.log)
	e.transformer = privacy.NewTransformer(cfg.Privacy.PseudonymSecret)
	e.rights = privacy.NewRights(st, e.log)
	e.timeout.Store(int64(time.Duration(cfg.Engine.JobTimeoutMs) * time.Millisecond))

	e.pool = newWorkerPool[*jobWork](ctx, cfg.Engine.Workers, cfg.Engine.QueueDepth, e.process)
	return e, nil
}

// AnomalyConfig converts the config sections the detector reads.
func AnomalyConfig(cfg *config.Config) anomaly.Config {
	a := cfg.Anomaly
	return anomaly.Config{
		WindowHours:            a.WindowHours,
		LookbackDays:           a.LookbackDays,
		Concurrency:            cfg.Engine.ScanConcurrency,
		RateThresholdPct:       a.RateThresholdPct,
		EngagementThresholdPct: a.EngagementThresholdPct,
		RatioBaseline:          a.RatioBaseline,
		RatioThreshold:         a.RatioThreshold,
		RegisterKinds:          a.RegisterKinds,
		AttendKinds:            a.AttendKinds,
		EngagementKinds:        a.EngagementKinds,
	}
}

// Apply takes the hot-reloadable parts of a new config: anomaly rules,
// retention policies and the job timeout.
func (e *Engine) Apply(cfg *config.Config) {
	e.detector.SetConfig(AnomalyConfig(cfg))
	e.enforcer.SetPolicies(cfg.Retention.Policies)
	e.timeout.Store(int64(time.Duration(cfg.Engine.JobTimeoutMs) * time.Millisecond))
}

func (e *Engine) Store() store.Store                { return e.store }
func (e *Engine) Detector() *anomaly.Detector       { return e.detector }
func (e *Engine) Enforcer() *retention.Enforcer     { return e.enforcer }
func (e *Engine) Transformer() *privacy.Transformer { return e.transformer }
func (e *Engine) Rights() *privacy.Rights           { return e.rights }
func (e *Engine) Now() time.Time                    { return e.now() }

// Ingest assigns missing ids, normalizes and stores events. source labels the ingest metric.
func (e *Engine) Ingest(ctx context.Context, events []event.Event, source string) error {
	now := e.now()
	for i := range events {
		if events[i].ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("event id: %w", err)
			}
			events[i].ID = id.String()
		}
		events[i].Normalize(now)
	}
	if err := e.store.InsertEvents(ctx, events); err != nil {
		return fmt.Errorf("ingest %d events: %w", len(events), err)
	}
	metrics.EventsIngested.WithLabelValues(source).Add(float64(len(events)))
	return nil
}

// RunDailySummary summarizes yesterday's unprocessed events.
func (e *Engine) RunDailySummary(ctx context.Context) (*event.Summary, error) {
	return e.writer.RunPeriod(ctx, event.PeriodDaily, e.now())
}

// RunWeeklySummary summarizes last week.
func (e *Engine) RunWeeklySummary(ctx context.Context) (*event.Summary, error) {
	return e.writer.RunPeriod(ctx, event.PeriodWeekly, e.now())
}

// RunMonthlySummary summarizes last month.
func (e *Engine) RunMonthlySummary(ctx context.Context) (*event.Summary, error) {
	return e.writer.RunPeriod(ctx, event.PeriodMonthly, e.now())
}

// ScanAllForAnomalies scans every recently active entity.
func (e *Engine) ScanAllForAnomalies(ctx context.Context) (anomaly.ScanReport, error) {
	return e.detector.ScanAll(ctx, 0)
}

// RunRetention executes every retention policy.
func (e *Engine) RunRetention(ctx context.Context) (map[string]int64, error) {
	return e.enforcer.ExecuteAllPolicies(ctx, e.now())
}

// Jobs lists the job names the engine can run.
func Jobs() []string {
	return []string{JobDailySummary, JobWeeklySummary, JobMonthlySummary, JobAnomalyScan, JobRetention}
}

func (e *Engine) entry(name string) (func(context.Context) (interface{}, error), bool) {
	switch name {
	case JobDailySummary:
		return func(ctx context.Context) (interface{}, error) { return e.RunDailySummary(ctx) }, true
	case JobWeeklySummary:
		return func(ctx context.Context) (interface{}, error) { return e.RunWeeklySummary(ctx) }, true
	case JobMonthlySummary:
		return func(ctx context.Context) (interface{}, error) { return e.RunMonthlySummary(ctx) }, true
	case JobAnomalyScan:
		return func(ctx context.Context) (interface{}, error) { return e.ScanAllForAnomalies(ctx) }, true
	case JobRetention:
		return func(ctx context.Context) (interface{}, error) { return e.RunRetention(ctx) }, true
	}
	return nil, false
}

// RunJob runs the named job on the pool and waits for its result.
// A job that is already queued or running is refused with ErrJobRunning.
func (e *Engine) RunJob(ctx context.Context, name string) (*JobResult, error) {
	resultC := make(chan *JobResult, 1)
	if err := e.submit(name, resultC); err != nil {
		return nil, err
	}

	timeout := e.jobTimeout()
	select {
	case res := <-resultC:
		return res, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("job %s: no result after %v", name, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue schedules the named job in the background.
func (e *Engine) Enqueue(name string) error {
	return e.submit(name, nil)
}

func (e *Engine) submit(name string, resultC chan *JobResult) error {
	if _, ok := e.entry(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrShutdown
	}
	if _, busy := e.running.LoadOrStore(name, struct{}{}); busy {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	if !e.pool.Submit(&jobWork{name: name, resultC: resultC}) {
		e.running.Delete(name)
		metrics.JobsRun.WithLabelValues(name, "dropped").Inc()
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, e.pool.QueueCap())
	}
	return nil
}

func (e *Engine) process(ctx context.Context, w *jobWork) {
	fn, _ := e.entry(w.name)

	jobCtx, cancel := context.WithTimeout(ctx, e.jobTimeout())
	defer cancel()

	start := time.Now()
	res := &JobResult{Job: w.name, Status: "success", StartedAt: start}
	out, err := fn(jobCtx)
	res.DurationMs = time.Since(start).Milliseconds()
	res.Output = out
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
		e.log.Error("job failed", "job", w.name, "duration_ms", res.DurationMs, "err", err)
	} else {
		e.log.Info("job finished", "job", w.name, "duration_ms", res.DurationMs)
	}

	metrics.JobsRun.WithLabelValues(w.name, res.Status).Inc()
	metrics.JobDuration.WithLabelValues(w.name).Observe(float64(res.DurationMs))

	e.running.Delete(w.name)
	if w.resultC != nil {
		w.resultC <- res
	}
}

func (e *Engine) jobTimeout() time.Duration {
	if d := time.Duration(e.timeout.Load()); d > 0 {
		return d
	}
	return defaultJobTimeout
}

// Running reports whether the named job is queued or in progress.
func (e *Engine) Running(name string) bool {
	_, ok := e.running.Load(name)
	return ok
}

// QueueUtilization returns (queued + in progress) / capacity, clamped to 1.
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	u := float64(e.pool.QueueLen()+e.pool.Busy()) / float64(e.pool.QueueCap())
	if u > 1 {
		u = 1
	}
	return u
}

// Shutdown refuses new jobs and drains the pool.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.pool.Drain()
}
