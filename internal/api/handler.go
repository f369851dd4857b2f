package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/eventlens/internal/aggregate"
	"github.com/gyaneshwarpardhi/eventlens/internal/anomaly"
	"github.com/gyaneshwarpardhi/eventlens/internal/config"
	"github.com/gyaneshwarpardhi/eventlens/internal/engine"
	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/metrics"
	"github.com/gyaneshwarpardhi/eventlens/internal/privacy"
	"github.com/gyaneshwarpardhi/eventlens/internal/retention"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

const (
	maxBatchSize = 100
	sourceHTTP   = "http"
	defaultLimit = 500
	readyMaxUtil = 0.8
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng     *engine.Engine
	loader  *config.Loader
	limiter *ingestLimiter
	mux     *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loader may be nil
// when the process runs without a config file.
func New(eng *engine.Engine, loader *config.Loader, server config.ServerConf) http.Handler {
	h := &Handler{
		eng:     eng,
		loader:  loader,
		limiter: newIngestLimiter(server.IngestRatePerSec, server.IngestBurst),
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/events", h.limiter.wrap(h.ingestEvent))
	h.mux.HandleFunc("POST /v1/events/batch", h.limiter.wrap(h.ingestBatch))
	h.mux.HandleFunc("GET /v1/events", h.listEvents)
	h.mux.HandleFunc("GET /v1/aggregate", h.aggregate)
	h.mux.HandleFunc("GET /v1/summaries", h.listSummaries)
	h.mux.HandleFunc("GET /v1/anomalies/{entityID}", h.entityAnomalies)
	h.mux.HandleFunc("POST /v1/anomalies/statistical", h.statistical)
	h.mux.HandleFunc("GET /v1/jobs", h.listJobs)
	h.mux.HandleFunc("POST /v1/jobs/{name}", h.runJob)
	h.mux.HandleFunc("GET /v1/retention/policies", h.listPolicies)
	h.mux.HandleFunc("PUT /v1/retention/policies/{id}", h.replacePolicy)
	h.mux.HandleFunc("GET /v1/retention/stats", h.retentionStats)
	h.mux.HandleFunc("GET /v1/subjects/{actorID}/export", h.exportSubject)
	h.mux.HandleFunc("POST /v1/subjects/{actorID}/forget", h.forgetSubject)
	h.mux.HandleFunc("POST /v1/subjects/{actorID}/rectify", h.rectifySubject)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// POST /v1/events: store a single event.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decodeBody(w, r, &ev); err != nil {
		metrics.EventsRejected.WithLabelValues("invalid_json").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Kind == "" {
		metrics.EventsRejected.WithLabelValues("missing_kind").Inc()
		writeError(w, http.StatusBadRequest, "event_kind is required")
		return
	}
	events := []event.Event{ev}
	if err := h.eng.Ingest(r.Context(), events, sourceHTTP); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, events[0])
}

// POST /v1/events/batch: store up to 100 events at once.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []event.Event
	if err := decodeBody(w, r, &events); err != nil {
		metrics.EventsRejected.WithLabelValues("invalid_json").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		metrics.EventsRejected.WithLabelValues("batch_too_large").Add(float64(len(events)))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}
	for i := range events {
		if events[i].Kind == "" {
			metrics.EventsRejected.WithLabelValues("missing_kind").Add(float64(len(events)))
			writeError(w, http.StatusBadRequest, fmt.Sprintf("events[%d]: event_kind is required", i))
			return
		}
	}
	if err := h.eng.Ingest(r.Context(), events, sourceHTTP); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"total": len(events),
		"ids":   ids,
	})
}

// privacyRequest reads the access level and transform options from the query.
// With no option flags present the default options apply.
func privacyRequest(r *http.Request) privacy.Request {
	q := r.URL.Query()
	req := privacy.Request{
		Level:       privacy.ParseLevel(q.Get("level")),
		RequesterID: q.Get("requester_id"),
		EntityID:    q.Get("entity_id"),
	}
	var opts privacy.Options
	seen := false
	for key, dst := range map[string]*bool{
		"exclude_user_data":      &opts.ExcludeUserData,
		"anonymize_user_data":    &opts.AnonymizeUserData,
		"mask_sensitive_fields":  &opts.MaskSensitiveFields,
		"restrict_personal_data": &opts.RestrictPersonalData,
	} {
		if v, ok := queryBool(r, key); ok {
			*dst = v
			seen = true
		}
	}
	if !seen {
		opts = privacy.DefaultOptions()
	}
	req.Options = opts
	return req
}

// GET /v1/events: privacy-filtered event listing.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q, ok := h.eventQuery(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.eng.Store().FindByWindow(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	recs := h.eng.Transformer().Apply(privacy.EventViews(events), privacyRequest(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(recs),
		"events": recs,
	})
}

func (h *Handler) eventQuery(w http.ResponseWriter, r *http.Request) (store.Query, bool) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return store.Query{}, false
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return store.Query{}, false
	}
	q := store.Query{EntityID: r.URL.Query().Get("entity_id"), Start: from, End: to}
	if kinds := r.URL.Query()["kind"]; len(kinds) > 0 {
		q.Kinds = kinds
	}
	return q, true
}

// GET /v1/aggregate: on-demand aggregate over a window.
func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request) {
	q, ok := h.eventQuery(w, r)
	if !ok {
		return
	}
	events, err := h.eng.Store().FindByWindow(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, aggregate.Aggregate(events).ToMap())
}

// GET /v1/summaries: privacy-filtered summary listing.
func (h *Handler) listSummaries(w http.ResponseWriter, r *http.Request) {
	f := store.SummaryFilter{
		EntityID:   r.URL.Query().Get("entity_id"),
		EntityType: r.URL.Query().Get("entity_type"),
	}
	if p := r.URL.Query().Get("period"); p != "" {
		period, err := event.ParsePeriod(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Period = period
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = limit

	sums, err := h.eng.Store().ListSummaries(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recs := h.eng.Transformer().Apply(privacy.SummaryViews(sums), privacyRequest(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(recs),
		"summaries": recs,
	})
}

// GET /v1/anomalies/{entityID}: run the detector for one entity now.
func (h *Handler) entityAnomalies(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entityID")
	hours, err := queryInt(r, "window_hours", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	findings, err := h.eng.Detector().DetectForEntity(r.Context(), entityID, hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
		"anomalies": findings,
	})
}

type statisticalRequest struct {
	Values []float64 `json:"values"`
	Sigma  float64   `json:"sigma"`
}

// POST /v1/anomalies/statistical: outliers of a numeric series.
func (h *Handler) statistical(w http.ResponseWriter, r *http.Request) {
	var req statisticalRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sigma := req.Sigma
	if sigma <= 0 {
		sigma = anomaly.DefaultSigma
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sigma":    sigma,
		"outliers": anomaly.DetectStatistical(req.Values, sigma),
		"z_scores": anomaly.ZScores(req.Values),
	})
}

// GET /v1/jobs: job names and whether each is active.
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := make([]map[string]interface{}, 0, len(engine.Jobs()))
	for _, name := range engine.Jobs() {
		jobs = append(jobs, map[string]interface{}{"name": name, "running": h.eng.Running(name)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// POST /v1/jobs/{name}: run an entry point now and wait for it.
func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.RunJob(r.Context(), r.PathValue("name"))
	switch {
	case errors.Is(err, engine.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, engine.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, engine.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, engine.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	status := http.StatusOK
	if res.Status != "success" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

// GET /v1/retention/policies
func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": h.eng.Enforcer().Policies()})
}

// PUT /v1/retention/policies/{id}: replace one policy in place.
func (h *Handler) replacePolicy(w http.ResponseWriter, r *http.Request) {
	var p event.RetentionPolicy
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = r.PathValue("id")
	if p.Action == "" {
		p.Action = event.ActionDelete
	}
	err := h.eng.Enforcer().ReplacePolicy(p)
	switch {
	case errors.Is(err, retention.ErrPolicyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	slog.Info("retention policy replaced", "policy_id", p.ID, "record_type", p.RecordType, "days", p.RetentionPeriodDays)
	writeJSON(w, http.StatusOK, p)
}

// GET /v1/retention/stats
func (h *Handler) retentionStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.Enforcer().Stats(r.Context(), h.eng.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string]map[string]int64, len(st))
	for rt, byAge := range st {
		m := make(map[string]int64, len(byAge))
		for days, n := range byAge {
			m[fmt.Sprintf("older_than_%dd", days)] = n
		}
		out[string(rt)] = m
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/subjects/{actorID}/export
func (h *Handler) exportSubject(w http.ResponseWriter, r *http.Request) {
	exp, err := h.eng.Rights().Export(r.Context(), r.PathValue("actorID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// POST /v1/subjects/{actorID}/forget
func (h *Handler) forgetSubject(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Rights().Forget(r.Context(), r.PathValue("actorID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/subjects/{actorID}/rectify: accepted, not applied.
func (h *Handler) rectifySubject(w http.ResponseWriter, r *http.Request) {
	var changes map[string]interface{}
	if err := decodeBody(w, r, &changes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.eng.Rights().Rectify(r.Context(), r.PathValue("actorID"), changes))
}

// POST /v1/config/reload: re-read the config file and apply it.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotFound, "no config file loaded")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":           true,
		"retention_policies": len(cfg.Retention.Policies),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the job queue is more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > readyMaxUtil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}
