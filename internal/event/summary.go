package event

import (
	"fmt"
	"time"
)

// Period is a calendar-aligned aggregation window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Entity types a Summary can be attached to.
const (
	EntityTypeSystem = "system"
	EntityTypeEntity = "entity"
	EntityTypeUser   = "user"
)

// AnomaliesKey is the Summary.Data key holding embedded anomaly findings.
const AnomaliesKey = "anomalies"

// Summary is one persisted aggregate for a period.
// (EntityType, EntityID, Period, PeriodStart) identifies it uniquely.
type Summary struct {
	ID              string                 `json:"id"`
	MetricType      string                 `json:"metric_type"`
	Period          Period                 `json:"period"`
	PeriodStart     time.Time              `json:"period_start"`
	PeriodEnd       time.Time              `json:"period_end"`
	Data            map[string]interface{} `json:"summary_data"`
	EntityID        string                 `json:"entity_id,omitempty"`
	EntityType      string                 `json:"entity_type,omitempty"`
	AnomalyDetected bool                   `json:"anomaly_detected"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Key returns the uniqueness key of the summary.
func (s *Summary) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", s.EntityType, s.EntityID, s.Period, s.PeriodStart.UnixNano())
}

// Anomalies returns the findings embedded in Data, tolerating both typed
// slices and the []interface{} shape produced by JSON decoding.
func (s *Summary) Anomalies() []interface{} {
	if s.Data == nil {
		return nil
	}
	switch v := s.Data[AnomaliesKey].(type) {
	case []interface{}:
		return v
	case []AnomalyFinding:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	}
	return nil
}

// AppendAnomalies embeds findings into Data and flags the summary.
// Empty input leaves the summary untouched.
func (s *Summary) AppendAnomalies(findings []AnomalyFinding, now time.Time) {
	if len(findings) == 0 {
		return
	}
	if s.Data == nil {
		s.Data = make(map[string]interface{})
	}
	list := s.Anomalies()
	for _, f := range findings {
		list = append(list, f.ToMap())
	}
	s.Data[AnomaliesKey] = list
	s.AnomalyDetected = true
	s.UpdatedAt = now
}

// Rule names the detector rule that produced a finding.
type Rule string

const (
	RuleRate       Rule = "rate"
	RuleRatio      Rule = "ratio"
	RuleEngagement Rule = "engagement"
)

// AnomalyFinding is the result of one baseline comparison.
type AnomalyFinding struct {
	Rule          Rule      `json:"rule"`
	IsAnomaly     bool      `json:"is_anomaly"`
	Confidence    float64   `json:"confidence"` // [0,1]
	MetricName    string    `json:"metric_name"`
	CurrentValue  float64   `json:"current_value"`
	BaselineValue float64   `json:"baseline_value"`
	Threshold     float64   `json:"threshold"`
	Message       string    `json:"message"`
	DetectedAt    time.Time `json:"detected_at"`
}

// ToMap renders the finding in the loosely-typed shape stored inside
// Summary.Data, so that stores round-tripping through JSON see the same value.
func (f AnomalyFinding) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"rule":           string(f.Rule),
		"is_anomaly":     f.IsAnomaly,
		"confidence":     f.Confidence,
		"metric_name":    f.MetricName,
		"current_value":  f.CurrentValue,
		"baseline_value": f.BaselineValue,
		"threshold":      f.Threshold,
		"message":        f.Message,
		"detected_at":    f.DetectedAt.UTC().Format(time.RFC3339Nano),
	}
}
