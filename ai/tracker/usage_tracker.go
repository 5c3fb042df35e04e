package tracker

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/digest/errors"
)

// ModelUsage is one chat completion call, successful or not
type ModelUsage struct {
	ID                int        `json:"id" db:"id"`
	OperationType     string     `json:"operation_type" db:"operation_type"` // "batch" or "summary"
	EntityType        string     `json:"entity_type" db:"entity_type"`       // "job"
	EntityID          string     `json:"entity_id" db:"entity_id"`
	ModelName         string     `json:"model_name" db:"model_name"`
	ModelProvider     string     `json:"model_provider" db:"model_provider"`
	ModelConfig       *string    `json:"model_config,omitempty" db:"model_config"`
	RequestTimestamp  time.Time  `json:"request_timestamp" db:"request_timestamp"`
	ResponseTimestamp *time.Time `json:"response_timestamp,omitempty" db:"response_timestamp"`
	PromptTokens      *int       `json:"prompt_tokens,omitempty" db:"prompt_tokens"`
	CompletionTokens  *int       `json:"completion_tokens,omitempty" db:"completion_tokens"`
	TokensUsed        *int       `json:"tokens_used,omitempty" db:"tokens_used"`
	Success           bool       `json:"success" db:"success"`
	ErrorMessage      *string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// ModelConfig represents the configuration used for an AI model request
type ModelConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// UsageTracker records provider calls in ai_model_usage
type UsageTracker struct {
	db *sql.DB
}

// NewUsageTracker creates a new AI usage tracker
func NewUsageTracker(db *sql.DB) *UsageTracker {
	return &UsageTracker{db: db}
}

// TrackUsage records AI model usage in the database
func (t *UsageTracker) TrackUsage(usage *ModelUsage) error {
	query := `
		INSERT INTO ai_model_usage (
			operation_type, entity_type, entity_id, model_name, model_provider,
			model_config, request_timestamp, response_timestamp,
			prompt_tokens, completion_tokens, tokens_used, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.db.Exec(query,
		usage.OperationType, usage.EntityType, usage.EntityID,
		usage.ModelName, usage.ModelProvider, usage.ModelConfig,
		usage.RequestTimestamp, usage.ResponseTimestamp,
		usage.PromptTokens, usage.CompletionTokens, usage.TokensUsed,
		usage.Success, usage.ErrorMessage,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to track usage for %s %s", usage.EntityType, usage.EntityID)
	}
	return nil
}

// GetUsageStats returns usage statistics for a given time period
func (t *UsageTracker) GetUsageStats(since time.Time) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*) as total_requests,
			COUNT(CASE WHEN success = 1 THEN 1 END) as successful_requests,
			COALESCE(SUM(COALESCE(tokens_used, 0)), 0) as total_tokens,
			COUNT(DISTINCT model_name) as unique_models
		FROM ai_model_usage
		WHERE request_timestamp >= ?`

	var stats UsageStats
	err := t.db.QueryRow(query, since).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests,
		&stats.TotalTokens, &stats.UniqueModels,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage stats")
	}

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}

	return &stats, nil
}

// GetModelBreakdown returns successful usage grouped by model
func (t *UsageTracker) GetModelBreakdown(since time.Time) ([]ModelBreakdown, error) {
	query := `
		SELECT
			model_name,
			model_provider,
			COUNT(*) as request_count,
			SUM(COALESCE(tokens_used, 0)) as total_tokens,
			AVG(CASE WHEN response_timestamp IS NOT NULL THEN
				(julianday(response_timestamp) - julianday(request_timestamp)) * 86400000
				ELSE NULL END) as avg_response_time_ms
		FROM ai_model_usage
		WHERE request_timestamp >= ? AND success = 1
		GROUP BY model_name, model_provider
		ORDER BY total_tokens DESC`

	rows, err := t.db.Query(query, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query model breakdown")
	}
	defer rows.Close()

	var breakdown []ModelBreakdown
	for rows.Next() {
		var mb ModelBreakdown
		if err := rows.Scan(&mb.ModelName, &mb.ModelProvider, &mb.RequestCount,
			&mb.TotalTokens, &mb.AvgResponseTimeMs); err != nil {
			return nil, errors.Wrap(err, "failed to scan model breakdown")
		}
		breakdown = append(breakdown, mb)
	}

	return breakdown, rows.Err()
}

// GetJobUsage sums the calls made on behalf of one job
func (t *UsageTracker) GetJobUsage(jobID string) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN success = 1 THEN 1 END),
			COALESCE(SUM(COALESCE(tokens_used, 0)), 0),
			COUNT(DISTINCT model_name)
		FROM ai_model_usage
		WHERE entity_type = 'job' AND entity_id = ?`

	var stats UsageStats
	if err := t.db.QueryRow(query, jobID).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests,
		&stats.TotalTokens, &stats.UniqueModels,
	); err != nil {
		return nil, errors.Wrapf(err, "failed to query usage for job %s", jobID)
	}

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}
	return &stats, nil
}

// UsageStats represents aggregated usage statistics
type UsageStats struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	TotalTokens        int     `json:"total_tokens"`
	UniqueModels       int     `json:"unique_models"`
}

// ModelBreakdown represents usage statistics for a specific model
type ModelBreakdown struct {
	ModelName         string   `json:"model_name"`
	ModelProvider     string   `json:"model_provider"`
	RequestCount      int      `json:"request_count"`
	TotalTokens       int      `json:"total_tokens"`
	AvgResponseTimeMs *float64 `json:"avg_response_time_ms,omitempty"`
}

// NewModelConfig creates a ModelConfig and serializes it to JSON
func NewModelConfig(temperature *float64, maxTokens *int) *string {
	if temperature == nil && maxTokens == nil {
		return nil
	}

	data, err := json.Marshal(ModelConfig{
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil
	}

	jsonStr := string(data)
	return &jsonStr
}
