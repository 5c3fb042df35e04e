package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "digest.db")

	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.shutdown_timeout_seconds", 30)

	v.SetDefault("batching.default_batch_size", 10)
	v.SetDefault("batching.max_batch_size", 50)
	v.SetDefault("batching.max_workers", 5)

	// Inner loop: per external call
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.backoff_base_ms", 500)
	v.SetDefault("retry.backoff_max_ms", 8000)
	// Outer loop: per batch
	v.SetDefault("retry.batch_max_retries", 2)
	v.SetDefault("retry.batch_backoff_base_ms", 1000)
	v.SetDefault("retry.batch_backoff_max_ms", 30000)

	v.SetDefault("provider.name", "grok")
	v.SetDefault("provider.base_url", "https://api.x.ai")
	v.SetDefault("provider.api_key", "${XAI_API_KEY}")
	v.SetDefault("provider.model", "grok-4")
	v.SetDefault("provider.temperature", 0.2)
	v.SetDefault("provider.timeout_seconds", 120)
	v.SetDefault("provider.max_requests_per_minute", 60)
	v.SetDefault("provider.block_private_hosts", false)

	v.SetDefault("summarizer.enabled", true)
	v.SetDefault("summarizer.model", "")
	v.SetDefault("summarizer.temperature", 0.3)
	v.SetDefault("summarizer.max_tokens", 2000)

	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.misfire_grace_seconds", 300)
	v.SetDefault("scheduler.default_hour", 8)
	v.SetDefault("scheduler.default_minute", 0)

	v.SetDefault("storage.root", "data")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("provider.api_key", "DIGEST_PROVIDER_API_KEY")
	v.BindEnv("provider.base_url", "DIGEST_PROVIDER_BASE_URL")
	v.BindEnv("database.path", "DIGEST_DATABASE_PATH")
}

// GetServerPort returns server.port, or DefaultServerPort when omitted
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "digest.db"
	}
	return c.Database.Path
}

// SummaryModel returns the model used for summarization
func (c *Config) SummaryModel() string {
	if c.Summarizer.Model == "" {
		return c.Provider.Model
	}
	return c.Summarizer.Model
}

// String returns a short representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Provider: %s/%s, Batching: {Size: %d, Workers: %d}}",
		c.Database.Path, c.Provider.Name, c.Provider.Model, c.Batching.DefaultBatchSize, c.Batching.MaxWorkers)
}
