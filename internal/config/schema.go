package config

import (
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// Config is the top-level YAML structure.
type Config struct {
	Version   string        `yaml:"version"`
	Server    ServerConf    `yaml:"server"`
	Store     StoreConf     `yaml:"store"`
	Logging   LoggingConf   `yaml:"logging"`
	Engine    EngineConf    `yaml:"engine"`
	Anomaly   AnomalyConf   `yaml:"anomaly"`
	Retention RetentionConf `yaml:"retention"`
	Privacy   PrivacyConf   `yaml:"privacy"`
	Ingest    IngestConf    `yaml:"ingest"`
}

// ServerConf configures the HTTP listener.
type ServerConf struct {
	Addr             string  `yaml:"addr"`
	IngestRatePerSec float64 `yaml:"ingest_rate_per_sec"` // 0 disables limiting
	IngestBurst      int     `yaml:"ingest_burst"`
}

// StoreConf selects the event store backend.
type StoreConf struct {
	Driver string `yaml:"driver"` // memory | postgres | sqlite
	DSN    string `yaml:"dsn"`
}

// LoggingConf configures slog output and optional file rotation.
type LoggingConf struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// EngineConf holds job runner concurrency and cadence.
type EngineConf struct {
	Workers         int          `yaml:"workers"`
	QueueDepth      int          `yaml:"queue_depth"`
	JobTimeoutMs    int          `yaml:"job_timeout_ms"`
	ScanConcurrency int          `yaml:"scan_concurrency"`
	Location        string       `yaml:"location"` // IANA zone for period bounds
	Schedule        ScheduleConf `yaml:"schedule"`
}

// ScheduleConf holds job intervals as Go durations ("24h", "15m").
// An empty value disables the job's ticker.
type ScheduleConf struct {
	Daily       string `yaml:"daily"`
	Weekly      string `yaml:"weekly"`
	Monthly     string `yaml:"monthly"`
	AnomalyScan string `yaml:"anomaly_scan"`
	Retention   string `yaml:"retention"`
}

// AnomalyConf holds detector thresholds and kind groupings.
type AnomalyConf struct {
	WindowHours            int      `yaml:"window_hours"`
	LookbackDays           int      `yaml:"lookback_days"`
	RateThresholdPct       float64  `yaml:"rate_threshold_pct"`
	EngagementThresholdPct float64  `yaml:"engagement_threshold_pct"`
	RatioBaseline          float64  `yaml:"ratio_baseline"`
	RatioThreshold         float64  `yaml:"ratio_threshold"`
	RegisterKinds          []string `yaml:"register_kinds"`
	AttendKinds            []string `yaml:"attend_kinds"`
	EngagementKinds        []string `yaml:"engagement_kinds"`
}

// RetentionConf lists retention policies.
type RetentionConf struct {
	Policies []event.RetentionPolicy `yaml:"policies"`
}

// PrivacyConf configures the privacy transform.
type PrivacyConf struct {
	PseudonymSecret string `yaml:"pseudonym_secret"`
}

// IngestConf configures optional streaming ingest.
type IngestConf struct {
	Kafka KafkaConf `yaml:"kafka"`
}

// KafkaConf configures the Kafka event consumer.
type KafkaConf struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	GroupID       string   `yaml:"group_id"`
	PollTimeoutMs int      `yaml:"poll_timeout_ms"`
}

// LoadLocation resolves Engine.Location, defaulting to UTC.
func (c EngineConf) LoadLocation() (*time.Location, error) {
	if c.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Location)
}

// Intervals parses the schedule. Empty entries are omitted.
func (s ScheduleConf) Intervals() (map[string]time.Duration, error) {
	raw := map[string]string{
		"daily_summary":   s.Daily,
		"weekly_summary":  s.Weekly,
		"monthly_summary": s.Monthly,
		"anomaly_scan":    s.AnomalyScan,
		"retention":       s.Retention,
	}
	out := make(map[string]time.Duration, len(raw))
	for name, v := range raw {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}
