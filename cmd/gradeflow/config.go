package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
	"github.com/ZhiquAI/zhiyue3.0-sub004/config"
	"github.com/ZhiquAI/zhiyue3.0-sub004/export"
	"github.com/ZhiquAI/zhiyue3.0-sub004/kvstore"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/progress"
	"github.com/ZhiquAI/zhiyue3.0-sub004/realtime"
)

// Default configuration values.
const (
	DefaultConfigPath     = "config.yaml"
	DefaultExportDir      = "exports"
	DefaultGradingTimeout = 30 * time.Second
)

var errEmptyGradingEndpoint = errors.New("grading endpoint is required")

// Config is the top-level gradeflow configuration. Every section can also
// be set through environment variables, so a bare environment is enough.
type Config struct {
	Logging  logger.Config       `yaml:"logging"`
	Grading  GradingConfig       `yaml:"grading"`
	Batch    BatchConfig         `yaml:"batch"`
	Realtime realtime.Config     `yaml:"realtime"`
	Redis    kvstore.RedisConfig `yaml:"redis"`
	Export   ExportConfig        `yaml:"export"`
	Alerts   AlertsConfig        `yaml:"alerts"`
	Metrics  MetricsConfig       `yaml:"metrics"`
	Schedule ScheduleConfig      `yaml:"schedule"`
}

// SetDefaults fills unset fields across all sections. The realtime section
// keeps its empty URL; that is the switch that leaves the channel off.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Grading.SetDefaults()
	c.Realtime.SetDefaults()
	c.Export.SetDefaults()
}

// Validate checks the sections the run command cannot start without. The
// realtime and export HTTP sections validate themselves when their
// components are built.
func (c *Config) Validate() error {
	if err := c.Grading.Validate(); err != nil {
		return fmt.Errorf("grading: %w", err)
	}
	return nil
}

// GradingConfig points the batch processor at the grading endpoint.
type GradingConfig struct {
	// Endpoint receives one POST per work item.
	Endpoint string `yaml:"endpoint" env:"GRADING_ENDPOINT"`
	// AuthToken is sent as a bearer token when set.
	AuthToken string `yaml:"auth_token" env:"GRADING_AUTH_TOKEN"`
	// Timeout bounds a single grading call.
	Timeout time.Duration `yaml:"timeout" env:"GRADING_TIMEOUT"`
}

// SetDefaults fills unset fields.
func (c *GradingConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultGradingTimeout
	}
}

// Validate checks the config for invalid values.
func (c GradingConfig) Validate() error {
	if c.Endpoint == "" {
		return errEmptyGradingEndpoint
	}
	return nil
}

// BatchConfig mirrors the tunable batch run options. Zero values select
// the batch package defaults; out-of-range values fail at submit.
type BatchConfig struct {
	MaxChunkSize      int           `yaml:"max_chunk_size" env:"BATCH_MAX_CHUNK_SIZE"`
	MaxConcurrency    int           `yaml:"max_concurrency" env:"BATCH_MAX_CONCURRENCY"`
	AutoRetry         bool          `yaml:"auto_retry" env:"BATCH_AUTO_RETRY"`
	RetryLimit        int           `yaml:"retry_limit" env:"BATCH_RETRY_LIMIT"`
	MaxInterChunkWait time.Duration `yaml:"max_inter_chunk_wait" env:"BATCH_MAX_INTER_CHUNK_WAIT"`
}

// options converts the section into batch run options.
func (c BatchConfig) options() batch.Options {
	return batch.Options{
		MaxChunkSize:      c.MaxChunkSize,
		MaxConcurrency:    c.MaxConcurrency,
		AutoRetry:         c.AutoRetry,
		RetryLimit:        c.RetryLimit,
		MaxInterChunkWait: c.MaxInterChunkWait,
	}
}

// ExportConfig controls where finished bundles go. Bundles always land in
// Dir; they are additionally POSTed upstream when an HTTP URL is set.
type ExportConfig struct {
	Dir  string            `yaml:"dir" env:"EXPORT_DIR"`
	HTTP export.HTTPConfig `yaml:"http"`
}

// SetDefaults fills unset fields.
func (c *ExportConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = DefaultExportDir
	}
}

// AlertsConfig holds the threshold rules evaluated against every accepted
// progress snapshot. A zero threshold disables its rule.
type AlertsConfig struct {
	// MaxErrorRate raises a critical alert when the failed share of
	// processed items exceeds it. Expressed as a fraction, e.g. 0.2.
	MaxErrorRate float64 `yaml:"max_error_rate" env:"ALERTS_MAX_ERROR_RATE"`
	// MinThroughput raises a warning when throughput drops below this
	// many items per minute.
	MinThroughput float64 `yaml:"min_throughput" env:"ALERTS_MIN_THROUGHPUT"`
}

// rules converts the configured thresholds into aggregator rules.
func (c AlertsConfig) rules() []progress.Rule {
	var rules []progress.Rule
	if c.MaxErrorRate > 0 {
		rules = append(rules, progress.ErrorRateCeiling(c.MaxErrorRate, progress.SeverityCritical))
	}
	if c.MinThroughput > 0 {
		rules = append(rules, progress.ThroughputFloor(c.MinThroughput, progress.SeverityWarning))
	}
	return rules
}

// MetricsConfig exposes the Prometheus collectors over HTTP when set.
type MetricsConfig struct {
	// Address is the listen address for the /metrics endpoint, for
	// example ":9090". Empty disables the listener.
	Address string `yaml:"address" env:"METRICS_ADDRESS"`
}

// ScheduleConfig resubmits the manifest on a cron schedule.
type ScheduleConfig struct {
	// Spec is a cron expression, with an optional seconds field, or a
	// descriptor such as "@hourly". Empty runs the manifest once.
	Spec string `yaml:"spec" env:"SCHEDULE_SPEC"`
}

// loadConfig loads the configuration from the --config flag, CONFIG_PATH
// or the default path, applying environment overrides on top.
func loadConfig() (*Config, error) {
	path := cfgFile
	if path == "" {
		path = config.GetConfigPath(DefaultConfigPath)
	}

	cfg, err := config.LoadOptional(path, func(c *Config) { c.SetDefaults() })
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
