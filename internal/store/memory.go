package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// MemoryStore keeps everything in process. It backs tests and single-node
// demo deployments; data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []event.Event
	summaries map[string]*event.Summary // uniqueness key → summary
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{summaries: make(map[string]*event.Summary)}
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }
func (s *MemoryStore) Close() error                       { return nil }

func (s *MemoryStore) InsertEvents(_ context.Context, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
		e.Normalize(now)
		s.events = append(s.events, copyEvent(e))
	}
	return nil
}

func (s *MemoryStore) FindByWindow(_ context.Context, q Query) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if q.EntityID != "" && e.EntityID != q.EntityID {
			continue
		}
		if q.OnlyUnprocessed && e.Processed {
			continue
		}
		if !containsKind(q.Kinds, e.Kind) || !inWindow(e.Timestamp, q.Start, q.End) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) CountByWindow(_ context.Context, entityID string, kinds []string, start, end time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		if containsKind(kinds, e.Kind) && inWindow(e.Timestamp, start, end) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if _, ok := set[s.events[i].ID]; ok {
			s.events[i].Processed = true
		}
	}
	return nil
}

func (s *MemoryStore) DistinctEntityIDs(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range s.events {
		if e.EntityID == "" || e.Timestamp.Before(since) {
			continue
		}
		if _, ok := seen[e.EntityID]; ok {
			continue
		}
		seen[e.EntityID] = struct{}{}
		out = append(out, e.EntityID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) EventsByActor(_ context.Context, actorID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if actorID != "" && e.ActorID == actorID {
			out = append(out, copyEvent(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveSummary(_ context.Context, sum *event.Summary) (*event.Summary, error) {
	if sum == nil {
		return nil, fmt.Errorf("save summary: nil summary")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copySummary(*sum)
	now := time.Now()
	if prev, ok := s.summaries[cp.Key()]; ok {
		// Same window: keep identity, replace content.
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	}
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.summaries[cp.Key()] = &cp
	out := copySummary(cp)
	return &out, nil
}

func (s *MemoryStore) FindLatestSummary(_ context.Context, entityID, entityType string) (*event.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *event.Summary
	for _, sum := range s.summaries {
		if sum.EntityID != entityID || sum.EntityType != entityType {
			continue
		}
		if latest == nil || sum.CreatedAt.After(latest.CreatedAt) {
			latest = sum
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := copySummary(*latest)
	return &out, nil
}

func (s *MemoryStore) ListSummaries(_ context.Context, f SummaryFilter) ([]event.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Summary
	for _, sum := range s.summaries {
		if f.EntityID != "" && sum.EntityID != f.EntityID {
			continue
		}
		if f.EntityType != "" && sum.EntityType != f.EntityType {
			continue
		}
		if f.Period != "" && sum.Period != f.Period {
			continue
		}
		out = append(out, copySummary(*sum))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SummariesByActor(ctx context.Context, actorID string) ([]event.Summary, error) {
	if actorID == "" {
		return nil, nil
	}
	return s.ListSummaries(ctx, SummaryFilter{EntityID: actorID, EntityType: event.EntityTypeUser})
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, rt event.RecordType, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	switch rt {
	case event.RecordEvents:
		kept := s.events[:0]
		for _, e := range s.events {
			if e.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		s.events = kept
	case event.RecordSummaries:
		for k, sum := range s.summaries {
			if sum.CreatedAt.Before(cutoff) {
				delete(s.summaries, k)
				n++
			}
		}
	default:
		return 0, fmt.Errorf("delete older than: unsupported record type %q", rt)
	}
	return n, nil
}

func (s *MemoryStore) CountOlderThan(_ context.Context, rt event.RecordType, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	switch rt {
	case event.RecordEvents:
		for _, e := range s.events {
			if e.CreatedAt.Before(cutoff) {
				n++
			}
		}
	case event.RecordSummaries:
		for _, sum := range s.summaries {
			if sum.CreatedAt.Before(cutoff) {
				n++
			}
		}
	default:
		return 0, fmt.Errorf("count older than: unsupported record type %q", rt)
	}
	return n, nil
}

func (s *MemoryStore) AnonymizeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.events {
		if s.events[i].ActorID != "" && s.events[i].CreatedAt.Before(cutoff) {
			s.events[i].ActorID = ""
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AnonymizeActor(_ context.Context, actorID string) (int64, error) {
	if actorID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.events {
		if s.events[i].ActorID == actorID {
			s.events[i].ActorID = ""
			n++
		}
	}
	for k, sum := range s.summaries {
		if sum.EntityType == event.EntityTypeUser && sum.EntityID == actorID {
			// Re-key: the entity id is part of the uniqueness key.
			delete(s.summaries, k)
			sum.EntityID = ForgottenPrefix + sum.ID
			s.summaries[sum.Key()] = sum
			n++
		}
	}
	return n, nil
}

func copyEvent(e event.Event) event.Event {
	e.Metrics = copyMap(e.Metrics)
	e.EventData = copyMap(e.EventData)
	e.ActorProperties = copyMap(e.ActorProperties)
	return e
}

func copySummary(s event.Summary) event.Summary {
	s.Data = copyMap(s.Data)
	if list, ok := s.Data[event.AnomaliesKey].([]interface{}); ok {
		s.Data[event.AnomaliesKey] = append([]interface{}(nil), list...)
	}
	return s
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
