// Package config handles YAML configuration for mittari.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	AWS        AWSConfig        `yaml:"aws"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Poll       PollConfig       `yaml:"poll"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Policy     PolicyConfig     `yaml:"policy"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	OTEL       OTELConfig       `yaml:"otel"`
	Log        LogConfig        `yaml:"log"`
	// JournalDir enables the run journal when set.
	JournalDir string `yaml:"journal_dir"`
	// JournalRetentionDays prunes journals older than this on startup.
	// Zero keeps everything.
	JournalRetentionDays int `yaml:"journal_retention_days"`
}

// AWSConfig holds AWS account settings.
type AWSConfig struct {
	// DefaultRegion is used for identifiers that carry no region.
	DefaultRegion string `yaml:"default_region"`
	// Regions scopes discovery; empty means ask EC2 for enabled regions.
	Regions []string `yaml:"regions"`
}

// LayerConfig names one layer family to attach to every function.
type LayerConfig struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`
}

// InstrumentConfig declares the desired instrumentation state.
type InstrumentConfig struct {
	// LayerAccount is the account that publishes the layers.
	LayerAccount     string            `yaml:"layer_account"`
	Layers           []LayerConfig     `yaml:"layers"`
	Environment      map[string]string `yaml:"environment"`
	Tags             map[string]string `yaml:"tags"`
	LogRetentionDays int32             `yaml:"log_retention_days"`
	ForwarderARN     string            `yaml:"forwarder_arn"`
	CreateLogGroups  bool              `yaml:"create_log_groups"`
	// ClearRetentionOnRemove treats the retention policy as managed
	// state: uninstrument deletes it along with the rest.
	ClearRetentionOnRemove bool `yaml:"clear_retention_on_remove"`
}

// PollConfig tunes readiness polling.
type PollConfig struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	BaseDelayStr string `yaml:"base_delay"`
	BaseDelay    time.Duration
	// RequireLifecycleFields rejects configuration snapshots that omit
	// both lifecycle state and last update status.
	RequireLifecycleFields bool `yaml:"require_lifecycle_fields"`
}

// DiscoveryConfig narrows which discovered functions are targeted.
type DiscoveryConfig struct {
	NamePattern string            `yaml:"name_pattern"`
	IncludeTags map[string]string `yaml:"include_tags"`
	ExcludeTags map[string]string `yaml:"exclude_tags"`
}

// PolicyConfig points at an optional eligibility policy.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// DaemonConfig tunes the convergence daemon.
type DaemonConfig struct {
	IntervalStr string `yaml:"interval"`
	Interval    time.Duration
	MetricsAddr string `yaml:"metrics_addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a config with defaults applied, for flag-only runs.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "mittari"
	}
	if cfg.Poll.BaseDelayStr == "" {
		cfg.Poll.BaseDelayStr = "500ms"
	}
	if cfg.Poll.MaxAttempts == 0 {
		cfg.Poll.MaxAttempts = 5
	}
	if cfg.Daemon.IntervalStr == "" {
		cfg.Daemon.IntervalStr = "1h"
	}
	if cfg.Daemon.MetricsAddr == "" {
		cfg.Daemon.MetricsAddr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	delay, err := time.ParseDuration(cfg.Poll.BaseDelayStr)
	if err != nil {
		return fmt.Errorf("parse poll base_delay %q: %w", cfg.Poll.BaseDelayStr, err)
	}
	cfg.Poll.BaseDelay = delay

	interval, err := time.ParseDuration(cfg.Daemon.IntervalStr)
	if err != nil {
		return fmt.Errorf("parse daemon interval %q: %w", cfg.Daemon.IntervalStr, err)
	}
	cfg.Daemon.Interval = interval

	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Instrument.Layers) > 0 && c.Instrument.LayerAccount == "" {
		return fmt.Errorf("instrument: layer_account is required when layers are set")
	}
	for _, layer := range c.Instrument.Layers {
		if layer.Name == "" {
			return fmt.Errorf("instrument: layer name is required")
		}
		if layer.Version <= 0 {
			return fmt.Errorf("instrument: layer %s needs a version greater than zero", layer.Name)
		}
	}
	if c.Instrument.LogRetentionDays < 0 {
		return fmt.Errorf("instrument: log_retention_days cannot be negative")
	}
	if c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("poll: max_attempts cannot be negative")
	}
	if c.Discovery.NamePattern != "" {
		if _, err := regexp.Compile(c.Discovery.NamePattern); err != nil {
			return fmt.Errorf("discovery: invalid name_pattern: %w", err)
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
