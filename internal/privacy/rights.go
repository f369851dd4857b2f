package privacy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

// RectifyNotImplemented is the status Rectify reports.
const RectifyNotImplemented = "not_implemented"

// Export is everything stored about one actor.
type Export struct {
	ActorID    string          `json:"actor_id"`
	Events     []event.Event   `json:"events"`
	Summaries  []event.Summary `json:"summaries"`
	ExportedAt time.Time       `json:"exported_at"`
}

// ForgetResult reports an anonymize-in-place run.
type ForgetResult struct {
	ActorID     string    `json:"actor_id"`
	Anonymized  int64     `json:"anonymized"`
	CompletedAt time.Time `json:"completed_at"`
}

// RectifyResult reports a rectification request.
type RectifyResult struct {
	ActorID string `json:"actor_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Rights serves data subject requests against a store.
type Rights struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// NewRights returns a Rights bound to s.
func NewRights(s store.Store, log *slog.Logger) *Rights {
	if log == nil {
		log = slog.Default()
	}
	return &Rights{store: s, log: log, now: time.Now}
}

// Export returns the actor's events and the summaries kept about them as a
// user entity.
func (r *Rights) Export(ctx context.Context, actorID string) (*Export, error) {
	if actorID == "" {
		return nil, fmt.Errorf("export: actor id is required")
	}
	events, err := r.store.EventsByActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("export events for %s: %w", actorID, err)
	}
	sums, err := r.store.SummariesByActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("export summaries for %s: %w", actorID, err)
	}
	if events == nil {
		events = []event.Event{}
	}
	if sums == nil {
		sums = []event.Summary{}
	}
	return &Export{ActorID: actorID, Events: events, Summaries: sums, ExportedAt: r.now()}, nil
}

// Forget clears the actor id on the actor's events and user summaries.
// Rows are kept so aggregate counts do not change.
func (r *Rights) Forget(ctx context.Context, actorID string) (*ForgetResult, error) {
	if actorID == "" {
		return nil, fmt.Errorf("forget: actor id is required")
	}
	n, err := r.store.AnonymizeActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("forget %s: %w", actorID, err)
	}
	r.log.Info("subject data anonymized", "records", n)
	return &ForgetResult{ActorID: actorID, Anonymized: n, CompletedAt: r.now()}, nil
}

// Rectify accepts a correction request but does not change stored data yet.
// TODO: apply changes to ActorProperties once a field allowlist for
// user-editable properties exists.
func (r *Rights) Rectify(_ context.Context, actorID string, changes map[string]interface{}) RectifyResult {
	r.log.Info("rectification requested", "fields", len(changes))
	return RectifyResult{
		ActorID: actorID,
		Status:  RectifyNotImplemented,
		Message: "rectification is accepted but not applied",
	}
}
