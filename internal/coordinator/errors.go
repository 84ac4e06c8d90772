package coordinator

import (
	"fmt"
	"net/http"
	"time"
)

// Cause classifies coordinator failures. Each maps to one HTTP status and
// a client-safe message.
type Cause string

const (
	CauseServiceUnavailable Cause = "service_unavailable"
	CauseTooManySessions    Cause = "too_many_sessions"
	CauseTooManyConcurrent  Cause = "too_many_concurrent"
	CauseTooManyConnections Cause = "too_many_connections"
	CauseUnknownEnvironment Cause = "unknown_environment"
	CauseProvisionFailed    Cause = "provision_failed"
	CauseNotFound           Cause = "not_found"
	CauseInvalidState       Cause = "invalid_state"
	CauseForbidden          Cause = "forbidden"
	CauseInternal           Cause = "internal"
)

// Error is a classified coordinator failure. Message is safe to return to
// clients; Err carries the internal detail for logs only.
type Error struct {
	Cause      Cause
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Cause, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Cause, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the cause to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Cause {
	case CauseServiceUnavailable:
		return http.StatusServiceUnavailable
	case CauseTooManySessions, CauseTooManyConcurrent, CauseTooManyConnections:
		return http.StatusTooManyRequests
	case CauseUnknownEnvironment:
		return http.StatusBadRequest
	case CauseNotFound:
		return http.StatusNotFound
	case CauseInvalidState:
		return http.StatusConflict
	case CauseForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
