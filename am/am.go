package am

import "time"

// Config represents the digest configuration ("I am")
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" json:"database" yaml:"database" toml:"database"`
	Server     ServerConfig     `mapstructure:"server" json:"server" yaml:"server" toml:"server"`
	Pulse      PulseConfig      `mapstructure:"pulse" json:"pulse" yaml:"pulse" toml:"pulse"`
	Batching   BatchingConfig   `mapstructure:"batching" json:"batching" yaml:"batching" toml:"batching"`
	Retry      RetryConfig      `mapstructure:"retry" json:"retry" yaml:"retry" toml:"retry"`
	Provider   ProviderConfig   `mapstructure:"provider" json:"provider" yaml:"provider" toml:"provider"`
	Summarizer SummarizerConfig `mapstructure:"summarizer" json:"summarizer" yaml:"summarizer" toml:"summarizer"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Storage    StorageConfig    `mapstructure:"storage" json:"storage" yaml:"storage" toml:"storage"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           *int     `mapstructure:"port" json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// DefaultServerPort is used when server.port is omitted
const DefaultServerPort = 8787

// PulseConfig configures detached task dispatch
type PulseConfig struct {
	Workers                int `mapstructure:"workers" json:"workers" yaml:"workers" toml:"workers"`                                                                     // concurrent detached tasks (jobs, retries, aggregations)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"` // wait for in-flight tasks on stop
}

// BatchingConfig configures how input rows are split and fanned out
type BatchingConfig struct {
	DefaultBatchSize int `mapstructure:"default_batch_size" json:"default_batch_size" yaml:"default_batch_size" toml:"default_batch_size"`
	MaxBatchSize     int `mapstructure:"max_batch_size" json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxWorkers       int `mapstructure:"max_workers" json:"max_workers" yaml:"max_workers" toml:"max_workers"` // concurrent batches per job
}

// RetryConfig holds the two independent retry budgets.
// The inner loop wraps each external call; the outer loop re-runs a whole batch.
type RetryConfig struct {
	MaxRetries         int `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BackoffBaseMS      int `mapstructure:"backoff_base_ms" json:"backoff_base_ms" yaml:"backoff_base_ms" toml:"backoff_base_ms"`
	BackoffMaxMS       int `mapstructure:"backoff_max_ms" json:"backoff_max_ms" yaml:"backoff_max_ms" toml:"backoff_max_ms"`
	BatchMaxRetries    int `mapstructure:"batch_max_retries" json:"batch_max_retries" yaml:"batch_max_retries" toml:"batch_max_retries"`
	BatchBackoffBaseMS int `mapstructure:"batch_backoff_base_ms" json:"batch_backoff_base_ms" yaml:"batch_backoff_base_ms" toml:"batch_backoff_base_ms"`
	BatchBackoffMaxMS  int `mapstructure:"batch_backoff_max_ms" json:"batch_backoff_max_ms" yaml:"batch_backoff_max_ms" toml:"batch_backoff_max_ms"`
}

// BackoffBase returns the inner loop base delay
func (r RetryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the inner loop delay ceiling
func (r RetryConfig) BackoffMax() time.Duration {
	return time.Duration(r.BackoffMaxMS) * time.Millisecond
}

// BatchBackoffBase returns the outer loop base delay
func (r RetryConfig) BatchBackoffBase() time.Duration {
	return time.Duration(r.BatchBackoffBaseMS) * time.Millisecond
}

// BatchBackoffMax returns the outer loop delay ceiling
func (r RetryConfig) BatchBackoffMax() time.Duration {
	return time.Duration(r.BatchBackoffMaxMS) * time.Millisecond
}

// ProviderConfig configures the OpenAI-compatible chat completions provider
type ProviderConfig struct {
	Name                 string            `mapstructure:"name" json:"name" yaml:"name" toml:"name"`
	BaseURL              string            `mapstructure:"base_url" json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey               string            `mapstructure:"api_key" json:"-" yaml:"-" toml:"-"` // literal key or ${ENV_VAR}
	Model                string            `mapstructure:"model" json:"model" yaml:"model" toml:"model"`
	Temperature          float64           `mapstructure:"temperature" json:"temperature" yaml:"temperature" toml:"temperature"`
	MaxTokens            *int              `mapstructure:"max_tokens" json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"` // nil = provider default
	TimeoutSeconds       int               `mapstructure:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`           // per external call
	MaxRequestsPerMinute int               `mapstructure:"max_requests_per_minute" json:"max_requests_per_minute" yaml:"max_requests_per_minute" toml:"max_requests_per_minute"`
	Headers              map[string]string `mapstructure:"headers" json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	BlockPrivateHosts    bool              `mapstructure:"block_private_hosts" json:"block_private_hosts" yaml:"block_private_hosts" toml:"block_private_hosts"` // refuse loopback and RFC 1918 targets
}

// Timeout returns the per-call timeout
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// SummarizerConfig configures the optional summarization step
type SummarizerConfig struct {
	Enabled     bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	Model       string  `mapstructure:"model" json:"model" yaml:"model" toml:"model"` // empty = provider.model
	Temperature float64 `mapstructure:"temperature" json:"temperature" yaml:"temperature" toml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// SchedulerConfig configures recurring subscriptions
type SchedulerConfig struct {
	Timezone            string `mapstructure:"timezone" json:"timezone" yaml:"timezone" toml:"timezone"`
	MisfireGraceSeconds int    `mapstructure:"misfire_grace_seconds" json:"misfire_grace_seconds" yaml:"misfire_grace_seconds" toml:"misfire_grace_seconds"`
	DefaultHour         int    `mapstructure:"default_hour" json:"default_hour" yaml:"default_hour" toml:"default_hour"`
	DefaultMinute       int    `mapstructure:"default_minute" json:"default_minute" yaml:"default_minute" toml:"default_minute"`
}

// Location resolves the configured time zone
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// MisfireGrace returns how late a trigger may fire and still run; 0 = no limit
func (s SchedulerConfig) MisfireGrace() time.Duration {
	return time.Duration(s.MisfireGraceSeconds) * time.Second
}

// StorageConfig configures where uploaded inputs are kept
type StorageConfig struct {
	Root string `mapstructure:"root" json:"root" yaml:"root" toml:"root"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
