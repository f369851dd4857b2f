package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch hot-reloads the config when the file changes. The parent directory is
// watched so that editors replacing the file by rename are picked up.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file. An invalid file
// leaves the current config in place.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every default applied, for running without a file.
func Default() *Config {
	cfg := &Config{Version: "1"}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.IngestRatePerSec > 0 && cfg.Server.IngestBurst == 0 {
		cfg.Server.IngestBurst = int(cfg.Server.IngestRatePerSec)
		if cfg.Server.IngestBurst < 1 {
			cfg.Server.IngestBurst = 1
		}
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.QueueDepth == 0 {
		cfg.Engine.QueueDepth = 64
	}
	if cfg.Engine.JobTimeoutMs == 0 {
		cfg.Engine.JobTimeoutMs = 10 * 60 * 1000
	}
	if cfg.Engine.ScanConcurrency == 0 {
		cfg.Engine.ScanConcurrency = 8
	}
	if cfg.Anomaly.WindowHours == 0 {
		cfg.Anomaly.WindowHours = 24
	}
	if cfg.Anomaly.LookbackDays == 0 {
		cfg.Anomaly.LookbackDays = 7
	}
	if cfg.Anomaly.RateThresholdPct == 0 {
		cfg.Anomaly.RateThresholdPct = 50
	}
	if cfg.Anomaly.EngagementThresholdPct == 0 {
		cfg.Anomaly.EngagementThresholdPct = 60
	}
	if cfg.Anomaly.RatioBaseline == 0 {
		cfg.Anomaly.RatioBaseline = 0.7
	}
	if cfg.Anomaly.RatioThreshold == 0 {
		cfg.Anomaly.RatioThreshold = 0.3
	}
	for i := range cfg.Retention.Policies {
		if cfg.Retention.Policies[i].Action == "" {
			cfg.Retention.Policies[i].Action = event.ActionDelete
		}
	}
	if cfg.Ingest.Kafka.GroupID == "" {
		cfg.Ingest.Kafka.GroupID = "eventlens"
	}
	if cfg.Ingest.Kafka.PollTimeoutMs == 0 {
		cfg.Ingest.Kafka.PollTimeoutMs = 1000
	}
}
