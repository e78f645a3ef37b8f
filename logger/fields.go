package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across scry.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldRunID     = "run_id"
	FieldSlotID    = "slot_id"
	FieldRequestID = "request_id"
	FieldClientID  = "client_id"

	// Components
	FieldComponent = "component"
	FieldService   = "service"

	// Resolution
	FieldEngine   = "engine"
	FieldTier     = "tier"
	FieldStage    = "stage"
	FieldStrategy = "strategy"
	FieldQuery    = "query"
	FieldURL      = "url"
	FieldAttempt  = "attempt"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"
	FieldErrorType = "error_type"

	// Counts and sizes
	FieldCount      = "count"
	FieldResults    = "results"
	FieldEngines    = "engines"
	FieldSize       = "size"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// Status
	FieldStatus  = "status"
	FieldHealthy = "healthy"
	FieldState   = "state"

	// Display
	FieldSymbol = "symbol" // scry operation glyph (꩜, ✿, ❀, etc.)

	// Files and paths
	FieldFile   = "file"
	FieldLine   = "line"
	FieldBinary = "binary"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
	FieldHost    = "host"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	runIDKey     contextKey = "logger_run_id"
	slotIDKey    contextKey = "logger_slot_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRunID adds a dispatch run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithSlotID adds a slot ID to the context for logging
func WithSlotID(ctx context.Context, slotID string) context.Context {
	return context.WithValue(ctx, slotIDKey, slotID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if slotID, ok := ctx.Value(slotIDKey).(string); ok && slotID != "" {
		fields = append(fields, FieldSlotID, slotID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes job_id, run_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Scheduler struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewScheduler() *Scheduler {
//	    return &Scheduler{
//	        logger: logger.ComponentLogger("cascade.scheduler"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	slotLogger := logger.ChildLogger(baseLogger, "slot_id", slot.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
