// Package brokererr provides the broker's typed-failure taxonomy, mirroring
// the teacher's engine.ErrorClass shape (classify by inspecting the error,
// map to a fixed small enum) but for HTTP-facing broker errors instead of
// LLM-provider failures.
package brokererr

import (
	"errors"
	"net/http"

	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// Kind is one of a fixed small set of failure categories (spec §7).
type Kind string

const (
	Validation     Kind = "validation"
	Auth           Kind = "auth"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	StateViolation Kind = "state_violation"
	Forbidden      Kind = "forbidden"
	Unavailable    Kind = "unavailable"
	Internal       Kind = "internal"
)

// Error is a classified broker failure: a Kind, a human message, and an
// optionally wrapped underlying error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Classify inspects err and assigns it a Kind, following persistence's
// sentinel errors where available and defaulting to Internal otherwise.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return NotFound
	case errors.Is(err, persistence.ErrStateViolation):
		return StateViolation
	case errors.Is(err, persistence.ErrValidation):
		return Validation
	default:
		return Internal
	}
}

// HTTPStatus maps a Kind to the status code spec §7 assigns it.
func HTTPStatus(k Kind) int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case StateViolation:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case Unavailable:
		return http.StatusServiceUnavailable
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor is a convenience combining Classify and HTTPStatus for a raw error.
func StatusFor(err error) int {
	return HTTPStatus(Classify(err))
}
