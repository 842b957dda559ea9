package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pario-ai/persona/pkg/analyzer"
	"github.com/pario-ai/persona/pkg/validation"
)

// Kind groups pipeline failures by who is at fault.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindUpstream    Kind = "upstream"
	KindInternal    Kind = "internal"
)

// Reason narrows a Kind.
type Reason string

const (
	ReasonTooShort          Reason = "too_short"
	ReasonTooLong           Reason = "too_long"
	ReasonUnsafeContent     Reason = "unsafe_content"
	ReasonLowQuality        Reason = "low_quality"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonTimeout           Reason = "timeout"
	ReasonMalformedResponse Reason = "malformed_response"
	ReasonQuotaExhausted    Reason = "quota_exhausted"
	ReasonUnavailable       Reason = "unavailable"
	ReasonInternal          Reason = "internal"
)

var (
	// ErrRateLimited is matched by errors.Is for rejected admissions.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInternal is matched by errors.Is for unexpected component faults.
	ErrInternal = errors.New("internal error")
)

// Error is the only error type Process returns.
type Error struct {
	Kind   Kind
	Reason Reason
	Err    error
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error onto a response status. Upstream faults are
// reported as 500 like internal ones.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// AsError returns err as *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Reason: ReasonInternal, Err: err}
}

func validationError(err error) *Error {
	reason := ReasonUnsafeContent
	switch {
	case errors.Is(err, validation.ErrTooShort):
		reason = ReasonTooShort
	case errors.Is(err, validation.ErrTooLong):
		reason = ReasonTooLong
	case errors.Is(err, validation.ErrLowQuality):
		reason = ReasonLowQuality
	}
	return &Error{Kind: KindValidation, Reason: reason, Err: err}
}

func upstreamError(err error) *Error {
	if errors.Is(err, ErrInternal) {
		return &Error{Kind: KindInternal, Reason: ReasonInternal, Err: err}
	}
	reason := ReasonUnavailable
	switch {
	case errors.Is(err, analyzer.ErrTimeout):
		reason = ReasonTimeout
	case errors.Is(err, analyzer.ErrMalformedResponse):
		reason = ReasonMalformedResponse
	case errors.Is(err, analyzer.ErrQuotaExhausted):
		reason = ReasonQuotaExhausted
	}
	return &Error{Kind: KindUpstream, Reason: reason, Err: err}
}

func internalError(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Reason: ReasonInternal, Err: fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))}
}
