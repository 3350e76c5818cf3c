// Package config loads fieldsync settings from YAML with environment overrides.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// Environment variables that override file settings.
const (
	EnvDataDir  = "FIELDSYNC_DATA_DIR"
	EnvAPIURL   = "FIELDSYNC_API_URL"
	EnvToken    = "FIELDSYNC_TOKEN"
	EnvLogLevel = "FIELDSYNC_LOG_LEVEL"
	EnvListen   = "FIELDSYNC_LISTEN"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete engine configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Listen       string             `yaml:"listen"`
	Token        string             `yaml:"token"`
	API          APIConfig          `yaml:"api"`
	Queue        QueueConfig        `yaml:"queue"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// APIConfig locates the incident API.
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// QueueConfig holds retry and retention settings.
type QueueConfig struct {
	MaxRetries         int      `yaml:"max_retries"`
	BackoffBase        Duration `yaml:"backoff_base"`
	BackoffMax         Duration `yaml:"backoff_max"`
	CompletedRetention Duration `yaml:"completed_retention"`
	MaxSize            int      `yaml:"max_size"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	Interval    Duration `yaml:"interval"`
	BatchSize   int      `yaml:"batch_size"`
	Concurrency int      `yaml:"concurrency"`
	CallTimeout Duration `yaml:"call_timeout"`
}

// ConnectivityConfig holds connectivity probe settings.
type ConnectivityConfig struct {
	ProbeURL      string   `yaml:"probe_url"`
	ProbeInterval Duration `yaml:"probe_interval"`
	SettleDelay   Duration `yaml:"settle_delay"`
}

// ReconcileConfig holds reconciler settings.
type ReconcileConfig struct {
	Interval Duration `yaml:"interval"`
	Attempts uint     `yaml:"attempts"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Listen:  "127.0.0.1:8090",
		API: APIConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: Duration(30 * time.Second),
		},
		Queue: QueueConfig{
			MaxRetries:         3,
			BackoffBase:        Duration(30 * time.Second),
			BackoffMax:         Duration(30 * time.Minute),
			CompletedRetention: Duration(24 * time.Hour),
			MaxSize:            10000,
		},
		Dispatch: DispatchConfig{
			Interval:    Duration(30 * time.Second),
			BatchSize:   20,
			Concurrency: 4,
			CallTimeout: Duration(30 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
			SettleDelay:   Duration(2 * time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval: Duration(5 * time.Minute),
			Attempts: 3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalidConfig, "failed to read config file", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return errors.Wrap(errors.ErrInvalidConfig, "failed to parse config", err)
	}
	return nil
}

// ApplyEnv overrides settings from FIELDSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		c.API.BaseURL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Token = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
}

// ProbeURL returns the connectivity probe target, defaulting to the API health endpoint.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return strings.TrimRight(c.API.BaseURL, "/") + "/api/health"
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	if c.Queue.MaxRetries < 1 {
		problems = append(problems, "queue.max_retries must be at least 1")
	}
	if c.Queue.BackoffBase <= 0 {
		problems = append(problems, "queue.backoff_base must be positive")
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		problems = append(problems, "queue.backoff_max must not be below queue.backoff_base")
	}
	if c.Queue.CompletedRetention < 0 {
		problems = append(problems, "queue.completed_retention must not be negative")
	}
	if c.Dispatch.BatchSize < 1 {
		problems = append(problems, "dispatch.batch_size must be at least 1")
	}
	if c.Dispatch.Concurrency < 1 {
		problems = append(problems, "dispatch.concurrency must be at least 1")
	}
	if c.Dispatch.CallTimeout <= 0 {
		problems = append(problems, "dispatch.call_timeout must be positive")
	}
	if c.Dispatch.Interval <= 0 {
		problems = append(problems, "dispatch.interval must be positive")
	}
	if c.Reconcile.Attempts < 1 {
		problems = append(problems, "reconcile.attempts must be at least 1")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
