// Package retention prunes stored records once they outlive their policy.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/metrics"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

var (
	ErrPolicyNotFound    = errors.New("retention policy not found")
	ErrUnknownRecordType = errors.New("unknown record type")
)

// StatsHorizons are the ages, in days, Stats reports counts for.
var StatsHorizons = []int{30, 90, 365}

// Stats maps record type to the number of records older than each horizon.
type Stats map[event.RecordType]map[int]int64

// Enforcer owns the retention policy set and applies it to a store.
type Enforcer struct {
	store store.Store
	log   *slog.Logger

	mu       sync.Mutex
	policies map[string]*event.RetentionPolicy
}

// NewEnforcer creates an Enforcer with an initial policy set.
func NewEnforcer(s store.Store, policies []event.RetentionPolicy, log *slog.Logger) *Enforcer {
	if log == nil {
		log = slog.Default()
	}
	e := &Enforcer{store: s, log: log}
	e.SetPolicies(policies)
	return e
}

// SetPolicies replaces the whole policy set. LastRunAt is carried over for
// policies whose id survives the replacement.
func (e *Enforcer) SetPolicies(policies []event.RetentionPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]*event.RetentionPolicy, len(policies))
	for _, p := range policies {
		cp := p
		if prev, ok := e.policies[p.ID]; ok && cp.LastRunAt == nil {
			cp.LastRunAt = prev.LastRunAt
		}
		next[p.ID] = &cp
	}
	e.policies = next
}

// Policies returns a snapshot of the policy set sorted by id.
func (e *Enforcer) Policies() []event.RetentionPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]event.RetentionPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReplacePolicy swaps one policy by id, keeping its LastRunAt.
func (e *Enforcer) ReplacePolicy(p event.RetentionPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.policies[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, p.ID)
	}
	p.LastRunAt = prev.LastRunAt
	e.policies[p.ID] = &p
	return nil
}

// ValidatePolicy checks the fields a policy needs to be executable.
func ValidatePolicy(p event.RetentionPolicy) error {
	switch {
	case p.ID == "":
		return errors.New("policy id is required")
	case p.RetentionPeriodDays <= 0:
		return fmt.Errorf("policy %s: retention_period_days must be positive", p.ID)
	case p.Action != "" && p.Action != event.ActionDelete && p.Action != event.ActionAnonymize:
		return fmt.Errorf("policy %s: unknown action %q", p.ID, p.Action)
	case p.Action == event.ActionAnonymize && p.RecordType != event.RecordEvents:
		return fmt.Errorf("policy %s: anonymize is only supported for %s", p.ID, event.RecordEvents)
	}
	return nil
}

// ExecuteAllPolicies runs every policy and returns the affected count per
// policy id. Disabled policies report 0. The first store failure aborts the
// run; policies already executed keep their results.
func (e *Enforcer) ExecuteAllPolicies(ctx context.Context, now time.Time) (map[string]int64, error) {
	ids := make([]string, 0)
	for _, p := range e.Policies() {
		ids = append(ids, p.ID)
	}
	results := make(map[string]int64, len(ids))
	for _, id := range ids {
		n, err := e.ExecutePolicy(ctx, id, now)
		if err != nil {
			return results, err
		}
		results[id] = n
	}
	return results, nil
}

// ExecutePolicy applies one policy. Records whose CreatedAt is strictly before
// now minus the retention period are deleted (or anonymized). LastRunAt is
// stamped whether or not the run succeeds. Unknown record types are logged and
// affect nothing.
func (e *Enforcer) ExecutePolicy(ctx context.Context, id string, now time.Time) (int64, error) {
	e.mu.Lock()
	p, ok := e.policies[id]
	if !ok {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	pol := clonePolicy(p)
	e.mu.Unlock()

	if !pol.Enabled {
		return 0, nil
	}
	defer e.stamp(id, now)

	if !pol.RecordType.Valid() {
		e.log.Warn("retention policy skipped",
			"policy_id", pol.ID,
			"record_type", pol.RecordType,
			"err", ErrUnknownRecordType,
		)
		return 0, nil
	}

	cutoff := now.Add(-time.Duration(pol.RetentionPeriodDays) * 24 * time.Hour)
	action := pol.Action
	if action == "" {
		action = event.ActionDelete
	}

	var (
		n   int64
		err error
	)
	if action == event.ActionAnonymize {
		n, err = e.store.AnonymizeOlderThan(ctx, cutoff)
	} else {
		n, err = e.store.DeleteOlderThan(ctx, pol.RecordType, cutoff)
	}
	if err != nil {
		e.log.Error("retention policy failed", "policy_id", pol.ID, "err", err)
		return 0, fmt.Errorf("retention policy %s: %w", pol.ID, err)
	}

	metrics.RetentionRecords.WithLabelValues(string(pol.RecordType), action).Add(float64(n))
	e.log.Info("retention policy executed",
		"policy_id", pol.ID,
		"record_type", pol.RecordType,
		"action", action,
		"cutoff", cutoff,
		"affected", n,
	)
	return n, nil
}

// Stats reports, per record type, how many records are older than each of
// StatsHorizons.
func (e *Enforcer) Stats(ctx context.Context, now time.Time) (Stats, error) {
	out := make(Stats)
	for _, rt := range event.RecordTypes() {
		counts := make(map[int]int64, len(StatsHorizons))
		for _, days := range StatsHorizons {
			n, err := e.store.CountOlderThan(ctx, rt, now.AddDate(0, 0, -days))
			if err != nil {
				return nil, fmt.Errorf("count %s older than %dd: %w", rt, days, err)
			}
			counts[days] = n
		}
		out[rt] = counts
	}
	return out, nil
}

func (e *Enforcer) stamp(id string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[id]; ok {
		t := now
		p.LastRunAt = &t
	}
}

func clonePolicy(p *event.RetentionPolicy) event.RetentionPolicy {
	cp := *p
	if p.LastRunAt != nil {
		t := *p.LastRunAt
		cp.LastRunAt = &t
	}
	return cp
}
