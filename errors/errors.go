// Package errors provides error handling for scry.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrEngineTimeout) {
//	    // handle timeout
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	Mark           = crdb.Mark
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Advanced features
var (
	Handled            = crdb.Handled
	HandledWithMessage = crdb.HandledWithMessage
	WithDomain         = crdb.WithDomain
	GetDomain          = crdb.GetDomain
	WithContextTags    = crdb.WithContextTags
	EncodeError        = crdb.EncodeError
	DecodeError        = crdb.DecodeError
)

// Assertions and panics
var (
	AssertionFailedf                 = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Stack trace extraction
var (
	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Common sentinel errors for use across scry.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidConfig indicates configuration failed validation. This is a
	// programming/setup error and propagates to the caller rather than being
	// converted to a structured status.
	ErrInvalidConfig = New("invalid configuration")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Resolution taxonomy. Leaf failures during dispatch, content resolution, and
// slot iteration are always caught and converted to structured statuses on the
// result objects; these sentinels are what those statuses wrap so callers can
// still branch with errors.Is when they hold a raw error.
var (
	// ErrEngineUnavailable indicates the registry could not resolve an adapter
	// for an engine code. Non-fatal: the engine is excluded from dispatch.
	ErrEngineUnavailable = New("engine unavailable")

	// ErrEngineFailure indicates an engine adapter returned an error.
	// Recorded on the engine's result; the batch continues.
	ErrEngineFailure = New("engine failure")

	// ErrEngineTimeout indicates an engine exceeded its allotted time.
	// Recorded on the engine's result; cancellation is best-effort.
	ErrEngineTimeout = New("engine timeout")

	// ErrStageFailure indicates one content-fetch stage failed.
	// Control falls through to the next stage.
	ErrStageFailure = New("stage failure")

	// ErrAllStagesExhausted indicates every stage in a fallback chain failed.
	// Returned as an explicit failure result, never a panic.
	ErrAllStagesExhausted = New("all stages exhausted")

	// ErrSlotExhausted indicates a sufficiency loop ran out of attempts or
	// strategies without meeting its bar. The slot resolves to Void or Partial.
	ErrSlotExhausted = New("slot exhausted")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
// Also provides backward compatibility with string-based "not found" errors.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNotFound) {
		return true
	}
	// Backward compatibility: check error message
	errMsg := err.Error()
	return len(errMsg) >= 9 && (errMsg == "not found" ||
		errMsg[len(errMsg)-9:] == "not found" ||
		len(errMsg) > 10 && errMsg[:10] == "not found:")
}

// IsEngineUnavailable checks if an error is or wraps ErrEngineUnavailable
func IsEngineUnavailable(err error) bool {
	return err != nil && Is(err, ErrEngineUnavailable)
}

// IsEngineTimeout checks if an error is or wraps ErrEngineTimeout
func IsEngineTimeout(err error) bool {
	return err != nil && Is(err, ErrEngineTimeout)
}

// IsStageFailure checks if an error is or wraps ErrStageFailure
func IsStageFailure(err error) bool {
	return err != nil && Is(err, ErrStageFailure)
}

// IsAllStagesExhausted checks if an error is or wraps ErrAllStagesExhausted
func IsAllStagesExhausted(err error) bool {
	return err != nil && Is(err, ErrAllStagesExhausted)
}

// IsSlotExhausted checks if an error is or wraps ErrSlotExhausted
func IsSlotExhausted(err error) bool {
	return err != nil && Is(err, ErrSlotExhausted)
}

// IsInvalidConfig checks if an error is or wraps ErrInvalidConfig
func IsInvalidConfig(err error) bool {
	return err != nil && Is(err, ErrInvalidConfig)
}

// NewEngineUnavailable creates an engine-unavailable error naming the code
func NewEngineUnavailable(code string, reason string) error {
	return WithDetail(Wrapf(ErrEngineUnavailable, "engine %q", code), reason)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
