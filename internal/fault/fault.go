// Package fault defines the error taxonomy shared by the store, the
// subscription layer and the orchestrator.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks programmer errors: unknown slot, wrong-typed value, bad argument.
	ErrValidation = errors.New("validation failed")
	// ErrResourceExhausted marks subscriber cap or registry capacity overflow.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrRemoteUnavailable marks transient subscription or invocation failures.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrThrottled marks circuit-breaker rejection of a subscribe attempt.
	ErrThrottled = errors.New("throttled")
)

// Validation wraps message into ErrValidation.
// Params: printf-style format and args.
// Returns: error matching ErrValidation via errors.Is.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Exhausted wraps message into ErrResourceExhausted.
// Params: printf-style format and args.
// Returns: error matching ErrResourceExhausted via errors.Is.
func Exhausted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}

// Unavailable wraps transport cause into ErrRemoteUnavailable.
// Params: operation label and root cause.
// Returns: error matching both ErrRemoteUnavailable and cause.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrRemoteUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, cause)
}

// DomainError is a failure reported by a remote function.
// Params: function name and message returned by the backend.
// Returns: error whose Error() is the remote message verbatim.
type DomainError struct {
	Function string
	Message  string
}

// Error returns remote message as-is so UI can show it.
// Params: none.
// Returns: remote message or generic fallback.
func (e *DomainError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Function)
	}
	return e.Message
}

// Permanent marks remote rejections as non-retryable.
// Params: none.
// Returns: true.
func (*DomainError) Permanent() bool {
	return true
}

// AsDomain extracts DomainError from wrapped chain.
// Params: candidate error.
// Returns: domain error and true when present.
func AsDomain(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}
