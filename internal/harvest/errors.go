package harvest

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind tags a fetch failure with the behavior it demands.
type ErrorKind string

// Supported error kinds.
const (
	KindInvalidReference ErrorKind = "invalid_reference"
	KindParseFailure     ErrorKind = "parse_failure"
	KindAuthExpired      ErrorKind = "auth_expired"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTransient        ErrorKind = "transient"
	KindPermanentFailure ErrorKind = "permanent_failure"
)

// ClassifiedError is the only error type that crosses the Fetcher boundary.
// The job queue never inspects the cause, only Kind and Reason.
type ClassifiedError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable reports whether the job queue may requeue the item.
func (e *ClassifiedError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransient, KindAuthExpired:
		return true
	default:
		return false
	}
}

// NewClassified wraps err with a kind and a human-readable reason.
func NewClassified(kind ErrorKind, reason string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to Transient for
// unclassified failures so that unknown conditions stay retryable.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// ReasonOf returns the human-readable reason string for err.
func ReasonOf(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// ClassifyStatus maps an HTTP status code onto the taxonomy.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthExpired
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindTransient
	default:
		return KindPermanentFailure
	}
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}
