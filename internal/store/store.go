// Package store holds the event log adapters the analytics engine queries.
// Every implementation surfaces failures synchronously; nothing here retries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("not found")

// ForgottenPrefix replaces the entity id of a user summary whose actor was
// forgotten. The summary id is appended so the window key stays unique.
const ForgottenPrefix = "forgotten_"

// Query selects events by entity, kind and timestamp window.
// Start is inclusive, End is exclusive. Zero values mean "no filter".
type Query struct {
	EntityID        string
	Kinds           []string
	Start           time.Time
	End             time.Time
	OnlyUnprocessed bool
}

// SummaryFilter selects summaries for listing.
type SummaryFilter struct {
	EntityID   string
	EntityType string
	Period     event.Period
	Limit      int
}

// Store is the contract for event and summary persistence.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	InsertEvents(ctx context.Context, events []event.Event) error
	FindByWindow(ctx context.Context, q Query) ([]event.Event, error)
	CountByWindow(ctx context.Context, entityID string, kinds []string, start, end time.Time) (int, error)
	MarkProcessed(ctx context.Context, ids []string) error
	DistinctEntityIDs(ctx context.Context, since time.Time) ([]string, error)
	EventsByActor(ctx context.Context, actorID string) ([]event.Event, error)

	SaveSummary(ctx context.Context, s *event.Summary) (*event.Summary, error)
	// FindLatestSummary returns (nil, nil) when no summary matches.
	FindLatestSummary(ctx context.Context, entityID, entityType string) (*event.Summary, error)
	ListSummaries(ctx context.Context, f SummaryFilter) ([]event.Summary, error)
	SummariesByActor(ctx context.Context, actorID string) ([]event.Summary, error)

	// DeleteOlderThan hard-deletes records whose created_at is strictly before cutoff.
	DeleteOlderThan(ctx context.Context, rt event.RecordType, cutoff time.Time) (int64, error)
	CountOlderThan(ctx context.Context, rt event.RecordType, cutoff time.Time) (int64, error)
	// AnonymizeOlderThan clears actor ids on events created strictly before cutoff.
	AnonymizeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// AnonymizeActor clears the actor id on the actor's events and re-keys
	// summaries attached to that actor as a user entity to ForgottenPrefix+id.
	AnonymizeActor(ctx context.Context, actorID string) (int64, error)
}

func containsKind(kinds []string, k string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func inWindow(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && !ts.Before(end) {
		return false
	}
	return true
}
