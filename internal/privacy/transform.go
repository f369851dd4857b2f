// Package privacy filters outward-facing views of events and summaries by
// access level and implements the data subject rights.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// Level is the caller's resolved access tier.
type Level string

const (
	LevelPublic    Level = "public"
	LevelUser      Level = "user"
	LevelOrganizer Level = "organizer"
	LevelAdmin     Level = "admin"
)

// ParseLevel maps a string to a Level. Unknown or empty input is public.
func ParseLevel(s string) Level {
	switch l := Level(s); l {
	case LevelUser, LevelOrganizer, LevelAdmin:
		return l
	}
	return LevelPublic
}

// Options tune the transform per request.
type Options struct {
	ExcludeUserData      bool `json:"exclude_user_data"`
	AnonymizeUserData    bool `json:"anonymize_user_data"`
	MaskSensitiveFields  bool `json:"mask_sensitive_fields"`
	RestrictPersonalData bool `json:"restrict_personal_data"`
}

// DefaultOptions are used by callers that did not ask for anything specific.
func DefaultOptions() Options {
	return Options{AnonymizeUserData: true, MaskSensitiveFields: true}
}

// Request describes who is reading and how.
type Request struct {
	Level       Level
	RequesterID string
	// EntityID, when set, drops records about any other entity.
	EntityID string
	Options  Options
}

// Record is one of EventView or SummaryView.
type Record interface {
	record()
}

// EventView is an event as exposed to readers.
type EventView struct {
	event.Event
}

// SummaryView is a summary as exposed to readers.
type SummaryView struct {
	event.Summary
}

func (EventView) record()   {}
func (SummaryView) record() {}

// EventViews wraps events as records.
func EventViews(events []event.Event) []Record {
	out := make([]Record, len(events))
	for i := range events {
		out[i] = EventView{events[i]}
	}
	return out
}

// SummaryViews wraps summaries as records.
func SummaryViews(sums []event.Summary) []Record {
	out := make([]Record, len(sums))
	for i := range sums {
		out[i] = SummaryView{sums[i]}
	}
	return out
}

// treatment is what a level decides to do with one record.
type treatment struct {
	strip     bool // drop the actor identity
	anonymize bool // replace it with a pseudonym
	mask      bool
	remove    bool
}

func (t treatment) none() bool { return t == treatment{} }

func plan(req Request, actorID string) treatment {
	o := req.Options
	identity := treatment{strip: o.ExcludeUserData, anonymize: !o.ExcludeUserData && o.AnonymizeUserData}
	switch req.Level {
	case LevelAdmin:
		return treatment{mask: o.MaskSensitiveFields}
	case LevelOrganizer:
		return treatment{anonymize: o.AnonymizeUserData, mask: true}
	case LevelUser:
		if actorID != "" && actorID == req.RequesterID {
			return treatment{}
		}
	}
	identity.mask = o.MaskSensitiveFields
	identity.remove = o.RestrictPersonalData
	return identity
}

// Transformer applies access-level rules to records.
type Transformer struct {
	secret []byte
	now    func() time.Time
}

// NewTransformer builds a Transformer. With a non-empty secret pseudonyms are
// a keyed hash of the id and stable across calls; without one they embed the
// current time and differ on every call.
func NewTransformer(secret string) *Transformer {
	t := &Transformer{now: time.Now}
	if secret != "" {
		t.secret = []byte(secret)
	}
	return t
}

// Pseudonym returns the anonymous token for id.
func (t *Transformer) Pseudonym(id string) string {
	prefix := id
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	if t.secret == nil {
		return fmt.Sprintf("anon_%s_%d", prefix, t.now().UnixMilli())
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(id))
	return fmt.Sprintf("anon_%s_%s", prefix, hex.EncodeToString(mac.Sum(nil))[:16])
}

// Apply returns transformed copies of records. Input records are not modified.
func (t *Transformer) Apply(records []Record, req Request) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		switch v := r.(type) {
		case EventView:
			if req.EntityID != "" && v.EntityID != req.EntityID {
				continue
			}
			out = append(out, t.event(v, plan(req, v.ActorID)))
		case SummaryView:
			if req.EntityID != "" && v.EntityID != req.EntityID {
				continue
			}
			actor := ""
			if v.EntityType == event.EntityTypeUser {
				actor = v.EntityID
			}
			out = append(out, t.summary(v, plan(req, actor)))
		}
	}
	return out
}

func (t *Transformer) event(v EventView, tr treatment) EventView {
	e := v.Event
	e.ActorID = t.identity(e.ActorID, tr)
	e.ActorProperties = field("actor_properties", e.ActorProperties, tr)
	e.EventData = field("event_data", e.EventData, tr)
	e.Metrics = walk(e.Metrics, false, false)
	return EventView{e}
}

func (t *Transformer) summary(v SummaryView, tr treatment) SummaryView {
	s := v.Summary
	if s.EntityType == event.EntityTypeUser {
		s.EntityID = t.identity(s.EntityID, tr)
	}
	s.Data = field("summary_data", s.Data, tr)
	return SummaryView{s}
}

// field applies the key denylists to a top-level free-form field: the field
// itself may be removed by name, otherwise its contents are walked.
func field(name string, m map[string]interface{}, tr treatment) map[string]interface{} {
	if tr.remove && isRemoveKey(name) {
		return nil
	}
	return walk(m, tr.mask, tr.remove)
}

func (t *Transformer) identity(id string, tr treatment) string {
	switch {
	case id == "" || tr.none():
		return id
	case tr.strip:
		return ""
	case tr.anonymize:
		return t.Pseudonym(id)
	}
	return id
}
