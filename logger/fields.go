package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries stay stable across packages.
const (
	// Identity
	FieldJobID          = "job_id"
	FieldSubscriptionID = "subscription_id"
	FieldRequestID      = "request_id"
	FieldTaskID         = "task_id"

	// Batch execution
	FieldBatchIndex   = "batch_index"
	FieldBatchSize    = "batch_size"
	FieldTotalBatches = "total_batches"
	FieldAttempt      = "attempt"
	FieldMaxAttempts  = "max_attempts"
	FieldDelay        = "delay"
	FieldRows         = "rows"

	// External calls
	FieldModel      = "model"
	FieldProvider   = "provider"
	FieldDurationMS = "duration_ms"

	// Generic
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldError     = "error"
	FieldStatus    = "status"
	FieldCount     = "count"
	FieldPath      = "path"
	FieldAddress   = "address"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFromContext returns the job ID set by WithJobID, or ""
func JobIDFromContext(ctx context.Context) string {
	jobID, _ := ctx.Value(jobIDKey).(string)
	return jobID
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	type Executor struct {
//	    logger *zap.SugaredLogger
//	}
//
//	e := &Executor{logger: logger.ComponentLogger("batch")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
