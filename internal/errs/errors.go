package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrMalformedDocument = errors.New("malformed remote document")
	ErrLanguageService   = errors.New("language service failure")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnavailable       = errors.New("service unavailable")
)

// RateLimitError carries the time left until the caller's window resets.
type RateLimitError struct {
	UserID     string
	Operation  string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d, retry after %s)", e.Operation, e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// Invalid returns an ErrInvalidArgument describing the offending field.
func Invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidArgument, field, reason)
}

// FromContext maps context errors onto the taxonomy, leaving others untouched.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	return err
}

// Retryable reports whether the caller may retry the operation later.
// The core itself never retries.
func Retryable(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrPermissionDenied)
}
