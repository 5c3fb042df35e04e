package am

import (
	"github.com/teranos/digest/errors"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d (omit for default %d)", *c.Server.Port, DefaultServerPort)
	}

	if c.Pulse.Workers < 1 {
		return errors.Newf("pulse.workers must be >= 1, got %d", c.Pulse.Workers)
	}
	if c.Pulse.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("pulse.shutdown_timeout_seconds must be >= 0, got %d", c.Pulse.ShutdownTimeoutSeconds)
	}

	if c.Batching.DefaultBatchSize < 1 {
		return errors.Newf("batching.default_batch_size must be >= 1, got %d", c.Batching.DefaultBatchSize)
	}
	if c.Batching.MaxBatchSize < c.Batching.DefaultBatchSize {
		return errors.Newf("batching.max_batch_size (%d) must be >= default_batch_size (%d)",
			c.Batching.MaxBatchSize, c.Batching.DefaultBatchSize)
	}
	if c.Batching.MaxWorkers < 1 {
		return errors.Newf("batching.max_workers must be >= 1, got %d", c.Batching.MaxWorkers)
	}

	// Zero retries is valid: a single attempt
	if c.Retry.MaxRetries < 0 {
		return errors.Newf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BatchMaxRetries < 0 {
		return errors.Newf("retry.batch_max_retries must be >= 0, got %d", c.Retry.BatchMaxRetries)
	}
	if c.Retry.BackoffBaseMS < 0 || c.Retry.BackoffMaxMS < 0 || c.Retry.BatchBackoffBaseMS < 0 || c.Retry.BatchBackoffMaxMS < 0 {
		return errors.New("retry backoff values must be >= 0")
	}

	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url cannot be empty")
	}
	if c.Provider.Model == "" {
		return errors.New("provider.model cannot be empty")
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return errors.Newf("provider.timeout_seconds must be > 0, got %d", c.Provider.TimeoutSeconds)
	}
	// Zero means unlimited
	if c.Provider.MaxRequestsPerMinute < 0 {
		return errors.Newf("provider.max_requests_per_minute must be >= 0, got %d", c.Provider.MaxRequestsPerMinute)
	}

	if c.Scheduler.DefaultHour < 0 || c.Scheduler.DefaultHour > 23 {
		return errors.Newf("scheduler.default_hour must be 0-23, got %d", c.Scheduler.DefaultHour)
	}
	if c.Scheduler.DefaultMinute < 0 || c.Scheduler.DefaultMinute > 59 {
		return errors.Newf("scheduler.default_minute must be 0-59, got %d", c.Scheduler.DefaultMinute)
	}
	if c.Scheduler.MisfireGraceSeconds < 0 {
		return errors.Newf("scheduler.misfire_grace_seconds must be >= 0, got %d", c.Scheduler.MisfireGraceSeconds)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return errors.WithHint(errors.Wrapf(err, "scheduler.timezone %q", c.Scheduler.Timezone),
			"use an IANA name such as Asia/Shanghai or UTC")
	}

	return nil
}
