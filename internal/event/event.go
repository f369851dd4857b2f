package event

import "time"

// Event is the canonical model for a tracked behavioral event.
// Once stored, only Processed and ActorID (anonymization) change.
type Event struct {
	ID              string                 `json:"id"`
	EntityID        string                 `json:"entity_id,omitempty"` // what the event is about
	ActorID         string                 `json:"actor_id,omitempty"`  // who performed it; "" once anonymized
	Kind            string                 `json:"event_kind"`          // "register", "check_in", "view", ...
	Metrics         map[string]interface{} `json:"metrics,omitempty"`
	EventData       map[string]interface{} `json:"event_data,omitempty"`
	ActorProperties map[string]interface{} `json:"actor_properties,omitempty"`
	Source          string                 `json:"source,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	Processed       bool                   `json:"processed"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Normalize fills ingestion defaults: CreatedAt is set to now and a zero
// Timestamp falls back to CreatedAt.
func (e *Event) Normalize(now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = e.CreatedAt
	}
}

// RecordType names a family of stored records that retention can act on.
type RecordType string

const (
	RecordEvents    RecordType = "events"
	RecordSummaries RecordType = "summaries"
)

// RecordTypes lists every record type the stores know how to prune.
func RecordTypes() []RecordType {
	return []RecordType{RecordEvents, RecordSummaries}
}

// Valid reports whether the record type is one the stores understand.
func (r RecordType) Valid() bool {
	switch r {
	case RecordEvents, RecordSummaries:
		return true
	}
	return false
}

// RetentionPolicy configures how long records of one type are kept.
type RetentionPolicy struct {
	ID                  string     `json:"id" yaml:"id"`
	RecordType          RecordType `json:"record_type" yaml:"record_type"`
	RetentionPeriodDays int        `json:"retention_period_days" yaml:"retention_period_days"`
	Enabled             bool       `json:"enabled" yaml:"enabled"`
	// Action is "delete" (default) or "anonymize" (events only).
	Action    string     `json:"action,omitempty" yaml:"action"`
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"-"`
}

const (
	ActionDelete    = "delete"
	ActionAnonymize = "anonymize"
)
