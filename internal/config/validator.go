package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// Validate checks the config for:
//   - Known store driver, log level and format
//   - Positive engine limits, a loadable location and parseable schedule
//   - Anomaly thresholds in range
//   - Retention policies with unique ids, known actions and positive periods
//   - Brokers and topic when Kafka ingest is enabled
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	switch cfg.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q: must be memory, sqlite or postgres", cfg.Store.Driver))
	}
	if (cfg.Store.Driver == "sqlite" || cfg.Store.Driver == "postgres") && cfg.Store.DSN == "" {
		errs = append(errs, fmt.Sprintf("store.dsn is required for driver %s", cfg.Store.Driver))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q: must be debug, info, warn or error", cfg.Logging.Level))
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		errs = append(errs, fmt.Sprintf("logging.format %q: must be text or json", cfg.Logging.Format))
	}

	if cfg.Server.IngestRatePerSec < 0 {
		errs = append(errs, "server.ingest_rate_per_sec must not be negative")
	}
	if cfg.Engine.Workers < 1 {
		errs = append(errs, "engine.workers must be at least 1")
	}
	if cfg.Engine.QueueDepth < 1 {
		errs = append(errs, "engine.queue_depth must be at least 1")
	}
	if cfg.Engine.ScanConcurrency < 1 {
		errs = append(errs, "engine.scan_concurrency must be at least 1")
	}
	if _, err := cfg.Engine.LoadLocation(); err != nil {
		errs = append(errs, fmt.Sprintf("engine.location %q: %s", cfg.Engine.Location, err))
	}
	if iv, err := cfg.Engine.Schedule.Intervals(); err != nil {
		errs = append(errs, fmt.Sprintf("engine.schedule: %s", err))
	} else {
		for name, d := range iv {
			if d <= 0 {
				errs = append(errs, fmt.Sprintf("engine.schedule.%s must be positive", name))
			}
		}
	}

	a := cfg.Anomaly
	if a.RateThresholdPct < 0 || a.EngagementThresholdPct < 0 {
		errs = append(errs, "anomaly thresholds must not be negative")
	}
	if a.RatioBaseline < 0 || a.RatioBaseline > 1 {
		errs = append(errs, fmt.Sprintf("anomaly.ratio_baseline %v: must be within [0,1]", a.RatioBaseline))
	}
	if a.RatioThreshold <= 0 {
		errs = append(errs, "anomaly.ratio_threshold must be positive")
	}

	ids := make(map[string]int) // id → index
	for i, p := range cfg.Retention.Policies {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("retention.policies[%d]: id is required", i))
			continue
		}
		if prev, ok := ids[p.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate retention policy id %q (first seen at [%d], again at [%d])", p.ID, prev, i))
		} else {
			ids[p.ID] = i
		}
		if p.RetentionPeriodDays <= 0 {
			errs = append(errs, fmt.Sprintf("retention policy %s: retention_period_days must be positive", p.ID))
		}
		switch p.Action {
		case event.ActionDelete:
		case event.ActionAnonymize:
			if p.RecordType != event.RecordEvents {
				errs = append(errs, fmt.Sprintf("retention policy %s: anonymize only applies to events", p.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("retention policy %s: unknown action %q", p.ID, p.Action))
		}
		// Unknown record types are accepted here and skipped with a warning at run time.
	}

	if k := cfg.Ingest.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			errs = append(errs, "ingest.kafka.brokers must not be empty when enabled")
		}
		if k.Topic == "" {
			errs = append(errs, "ingest.kafka.topic is required when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
