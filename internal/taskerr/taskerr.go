// Package taskerr defines the error classes the coordination layer uses to
// decide whether a failed operation should be retried, dead-lettered, or
// surfaced to the caller as-is. Handlers and transports wrap their failures
// in one of these classes; everything upstream switches on the class, never
// on error strings.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind is the failure class attached to an Error.
type Kind string

const (
	// KindValidation marks malformed input. Never retried.
	KindValidation Kind = "validation"
	// KindTransient marks infrastructure hiccups (connection refused,
	// broker unavailable). Retried with backoff.
	KindTransient Kind = "transient"
	// KindTimeout marks an operation that exceeded its deadline. Retried
	// for outbound calls, terminal for task lifetimes.
	KindTimeout Kind = "timeout"
	// KindDownstream marks a dependent service that responded with an
	// error. Retryable when the status suggests the service may recover.
	KindDownstream Kind = "downstream"
	// KindAuthorization marks a tenant or credential mismatch. Never
	// retried.
	KindAuthorization Kind = "authorization"
	// KindDuplicate marks a submission that matched an existing
	// idempotency reservation. Not a failure; resolved to the prior task.
	KindDuplicate Kind = "duplicate"
)

// Stable error codes surfaced in API responses and result slots.
const (
	CodeValidationFailed   = "validation_failed"
	CodeUnknownTaskType    = "unknown_task_type"
	CodeTenantMismatch     = "tenant_mismatch"
	CodeUnauthorized       = "unauthorized"
	CodeTaskNotFound       = "task_not_found"
	CodeTaskTimeout        = "task_timeout"
	CodeCallTimeout        = "call_timeout"
	CodeDownstreamError    = "downstream_error"
	CodeCircuitOpen        = "circuit_open"
	CodeQueueUnavailable   = "queue_unavailable"
	CodeAttemptsExhausted  = "attempts_exhausted"
	CodeDuplicateSubmitted = "duplicate_submission"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// Error carries a class, a stable code, and the underlying cause.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error from a class, code and message.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Err: errors.New(msg)}
}

// Wrap attaches a class and code to an existing error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Validation builds a non-retryable input error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidationFailed, Err: fmt.Errorf(format, args...)}
}

// Transient wraps an infrastructure failure that should be retried.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeQueueUnavailable, Err: err}
}

// Timeout wraps a deadline overrun.
func Timeout(code string, err error) *Error {
	return &Error{Kind: KindTimeout, Code: code, Err: err}
}

// Downstream wraps a failure reported by a dependent service. Statuses in
// the 5xx range and 429 are considered retryable; other statuses are not.
func Downstream(status int, err error) *Error {
	e := &Error{Kind: KindDownstream, Code: CodeDownstreamError, Err: err}
	if status >= 400 && status < 500 && status != 429 {
		e.Kind = KindValidation
		e.Code = CodeValidationFailed
	}
	return e
}

// Authorization builds a non-retryable tenant/credential error.
func Authorization(code, msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Err: errors.New(msg)}
}

// Duplicate marks a submission resolved to an existing task.
func Duplicate(taskID string) *Error {
	return &Error{Kind: KindDuplicate, Code: CodeDuplicateSubmitted, Err: fmt.Errorf("task %s already submitted", taskID)}
}

// KindOf walks the error chain and returns the first class found, or ""
// when the error carries no class.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// CodeOf walks the error chain and returns the first stable code found.
// Unclassified errors report CodeInternal.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// Retryable reports whether the error class calls for another attempt.
// Unclassified errors are treated as transient so that a missing tag can
// only cause extra retries, never a silently dropped task.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindAuthorization, KindDuplicate:
		return false
	case KindTransient, KindTimeout, KindDownstream:
		return true
	default:
		return err != nil
	}
}
