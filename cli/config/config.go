package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pithecene-io/seam/connector"
	"github.com/pithecene-io/seam/dispatch"
	"github.com/pithecene-io/seam/evidence"
	"github.com/pithecene-io/seam/lake"
	"github.com/pithecene-io/seam/llm"
	"github.com/pithecene-io/seam/registry"
	"github.com/pithecene-io/seam/retry"
	"github.com/pithecene-io/seam/runner"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

// Config represents a seam.yaml configuration file. All values are optional
// and act as defaults; CLI flags always override config values.
type Config struct {
	State    StateConfig            `yaml:"state"`
	Storage  StorageConfig          `yaml:"storage"`
	Runner   RunnerConfig           `yaml:"runner"`
	Dispatch DispatchConfig         `yaml:"dispatch"`
	LLM      llm.OllamaConfig       `yaml:"llm"`
	Evidence *evidence.Policy       `yaml:"evidence,omitempty"`
	Sources  []connector.HTTPConfig `yaml:"sources"`
	Seeds    []SeedConfig           `yaml:"seeds"`
	Adapter  AdapterConfig          `yaml:"adapter"`
}

// StateConfig selects and tunes the queue store.
type StateConfig struct {
	// Backend is "postgres" or "mem". Empty means postgres. The mem
	// backend holds state for the process lifetime only; it exists for
	// local smoke runs.
	Backend string `yaml:"backend"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`

	WorkItemMaxAttempts int           `yaml:"work_item_max_attempts"`
	Backoff             BackoffConfig `yaml:"backoff"`
}

// BackoffConfig tunes requeue scheduling.
type BackoffConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

// StoreConfig converts the file representation into queue policy, filling
// defaults for anything unset.
func (c StateConfig) StoreConfig() store.Config {
	cfg := store.DefaultConfig()
	if c.WorkItemMaxAttempts > 0 {
		cfg.WorkItemMaxAttempts = c.WorkItemMaxAttempts
	}
	if c.Backoff.InitialDelay.Duration > 0 {
		cfg.Backoff.InitialDelay = c.Backoff.InitialDelay.Duration
	}
	if c.Backoff.MaxDelay.Duration > 0 {
		cfg.Backoff.MaxDelay = c.Backoff.MaxDelay.Duration
	}
	if c.Backoff.Multiplier >= 1 {
		cfg.Backoff.Multiplier = c.Backoff.Multiplier
	}
	if c.Backoff.MaxAttempts > 0 {
		cfg.Backoff.MaxAttempts = c.Backoff.MaxAttempts
	}
	return cfg
}

// RetryConfig converts the backoff section for in-process retry loops.
func (c StateConfig) RetryConfig() retry.Config {
	return c.StoreConfig().Backoff
}

// StorageConfig selects and tunes the lake backend.
type StorageConfig struct {
	// Backend is "fs" or "s3". Empty means fs.
	Backend string `yaml:"backend"`

	// Path is the base directory for the fs backend.
	Path string `yaml:"path"`

	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// S3 converts the storage section into lake S3 configuration.
func (c StorageConfig) S3() lake.S3Config {
	return lake.S3Config{
		Bucket:       c.Bucket,
		Prefix:       c.Prefix,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		UsePathStyle: c.S3PathStyle,
	}
}

// RunnerConfig is the ingest runner section.
type RunnerConfig struct {
	WorkerID          string   `yaml:"worker_id"`
	BatchSize         int      `yaml:"batch_size"`
	MaxItems          int      `yaml:"max_items"`
	LeaseSeconds      int      `yaml:"lease_seconds"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PollInterval      Duration `yaml:"poll_interval"`
}

// RunnerConfig converts the file representation for the runner.
func (c RunnerConfig) RunnerConfig() runner.Config {
	return runner.Config{
		WorkerID:          c.WorkerID,
		BatchSize:         c.BatchSize,
		MaxItems:          c.MaxItems,
		LeaseSeconds:      c.LeaseSeconds,
		HeartbeatInterval: c.HeartbeatInterval.Duration,
		PollInterval:      c.PollInterval.Duration,
	}
}

// DispatchConfig is the LLM dispatcher section.
type DispatchConfig struct {
	WorkerID          string   `yaml:"worker_id"`
	MaxWorkers        int      `yaml:"max_workers"`
	LeaseSeconds      int      `yaml:"lease_seconds"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PollInterval      Duration `yaml:"poll_interval"`
	Mode              string   `yaml:"mode"`
}

// DispatchConfig converts the file representation for the dispatcher.
func (c DispatchConfig) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		WorkerID:          c.WorkerID,
		MaxWorkers:        c.MaxWorkers,
		LeaseSeconds:      c.LeaseSeconds,
		HeartbeatInterval: c.HeartbeatInterval.Duration,
		PollInterval:      c.PollInterval.Duration,
		Mode:              registry.ExecutionMode(c.Mode),
	}
}

// SeedConfig is one work item to enqueue at startup.
type SeedConfig struct {
	SourceSystem string `yaml:"source_system"`
	SourceName   string `yaml:"source_name"`
	ResourceType string `yaml:"resource_type"`
	ResourceID   string `yaml:"resource_id"`
	URI          string `yaml:"uri"`
	Method       string `yaml:"method"`
	Variant      string `yaml:"variant"`
	Priority     int    `yaml:"priority"`
}

// WorkItem converts a seed into an enqueueable work item.
func (s SeedConfig) WorkItem() *types.WorkItem {
	method := s.Method
	if method == "" {
		method = "GET"
	}
	return &types.WorkItem{
		SourceSystem:  s.SourceSystem,
		SourceName:    s.SourceName,
		ResourceType:  s.ResourceType,
		ResourceID:    s.ResourceID,
		RequestURI:    s.URI,
		RequestMethod: method,
		Variant:       s.Variant,
		Priority:      s.Priority,
	}
}

// AdapterConfig selects the job-completion event adapter.
type AdapterConfig struct {
	// Type is "redis", "webhook", or empty for none.
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// envOverrides maps SEAM_* environment variables onto config fields. Env
// beats file; flags beat both.
func (c *Config) applyEnv() {
	if v := os.Getenv("SEAM_POSTGRES_DSN"); v != "" {
		c.State.DSN = v
	}
	if v := os.Getenv("SEAM_LAKE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("SEAM_LAKE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SEAM_LAKE_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv("SEAM_LLM_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SEAM_LLM_MODEL"); v != "" {
		c.LLM.DefaultModel = v
	}
}
