package async

import (
	"context"
	"strings"

	"github.com/teranos/scry/errors"
)

// ErrorCode classifies a job failure for structured logs, websocket
// broadcasts, and the worker's retry decision.
type ErrorCode string

const (
	ErrorCodeEngine     ErrorCode = "engine_failure"
	ErrorCodeExhausted  ErrorCode = "exhausted"
	ErrorCodeTimeout    ErrorCode = "timeout"
	ErrorCodeNetwork    ErrorCode = "network_error"
	ErrorCodeDatabase   ErrorCode = "database_error"
	ErrorCodeLLM        ErrorCode = "llm_error"
	ErrorCodeValidation ErrorCode = "validation_error"
	ErrorCodeUnknown    ErrorCode = "unknown"
)

// ErrorContext is the structured form of a job failure.
type ErrorContext struct {
	Stage       string    // Where in the handler the error surfaced
	Code        ErrorCode // Failure classification
	Message     string    // Human-readable message
	Retryable   bool      // Worth re-queuing the job?
	Recoverable bool      // Can the handler continue with other items?
}

// ClassifyError turns a handler error into an ErrorContext. The sentinel
// taxonomy decides first; message sniffing is the fallback for errors that
// arrive unwrapped from drivers and third-party clients.
func ClassifyError(stage string, err error) ErrorContext {
	ctx := ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	if err == nil {
		return ctx
	}
	ctx.Message = err.Error()

	switch {
	case errors.IsEngineTimeout(err) || errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
		ctx.Recoverable = true

	case errors.IsEngineUnavailable(err) || errors.Is(err, errors.ErrEngineFailure):
		ctx.Code = ErrorCodeEngine
		ctx.Retryable = true
		ctx.Recoverable = true

	case errors.IsAllStagesExhausted(err) || errors.IsStageFailure(err) || errors.IsSlotExhausted(err):
		// Exhaustion is a finding about the subject, not a transient fault.
		ctx.Code = ErrorCodeExhausted
		ctx.Retryable = false
		ctx.Recoverable = true

	case errors.IsInvalidConfig(err):
		ctx.Code = ErrorCodeValidation
		ctx.Retryable = false
		ctx.Recoverable = false

	default:
		classifyMessage(&ctx)
	}

	return ctx
}

// classifyMessage pattern-matches errors that carry no sentinel.
func classifyMessage(ctx *ErrorContext) {
	msg := strings.ToLower(ctx.Message)

	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
		ctx.Recoverable = true

	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "no such host"):
		ctx.Code = ErrorCodeNetwork
		ctx.Retryable = true
		ctx.Recoverable = true

	case strings.Contains(msg, "database") || strings.Contains(msg, "sql"):
		ctx.Code = ErrorCodeDatabase
		ctx.Retryable = true
		ctx.Recoverable = false

	case strings.Contains(msg, "openrouter") || strings.Contains(msg, "llm") || strings.Contains(msg, "model"):
		ctx.Code = ErrorCodeLLM
		ctx.Retryable = true
		ctx.Recoverable = true

	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		ctx.Code = ErrorCodeValidation
		ctx.Retryable = false
		ctx.Recoverable = true

	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
		ctx.Recoverable = false
	}
}
