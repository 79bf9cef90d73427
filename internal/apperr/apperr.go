// Package apperr defines the error taxonomy shared by the orchestration engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and surfacing decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindInvalidTransition
	KindCapacity
	KindAuth
	KindDriver
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindCapacity:
		return "capacity"
	case KindAuth:
		return "auth"
	case KindDriver:
		return "driver"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Reason codes recorded in resultSummary and surfaced to operators.
const (
	ReasonNoCapacity           = "no_capacity"
	ReasonStepTimeout          = "step_timeout"
	ReasonStepFailed           = "step_failed"
	ReasonDriver               = "driver_error"
	ReasonUnrecognizedPage     = "unrecognized_page"
	ReasonLoginRejected        = "login_rejected"
	ReasonInterventionRejected = "intervention_rejected"
	ReasonAttemptsExhausted    = "intervention_attempts_exhausted"
	ReasonExpired              = "ttl_expired"
	ReasonCancelled            = "cancelled"
	ReasonInterrupted          = "interrupted"
	ReasonCredentials          = "credentials_unavailable"
	ReasonUnsupportedSite      = "unsupported_site"
	ReasonSessionLost          = "session_lost"
	ReasonAgentUnavailable     = "agent_unavailable"
	ReasonAgentTimeout         = "agent_timeout"

	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
)

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind (and code, when set on target) equality so that
// errors.Is(err, &Error{Kind: KindNotFound}) works as a class check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, "", format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, "", format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return newf(KindInvalidTransition, "", format, args...)
}

func Capacity(err error) *Error {
	return &Error{Kind: KindCapacity, Code: ReasonNoCapacity, Message: "no free profile", Err: err}
}

func Unauthenticated(format string, args ...any) *Error {
	return newf(KindAuth, CodeUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindAuth, CodeForbidden, format, args...)
}

func Driver(code string, err error) *Error {
	if code == "" {
		code = ReasonDriver
	}
	return &Error{Kind: KindDriver, Code: code, Message: "browser driver failure", Err: err}
}

func Timeout(code string, err error) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: "timed out", Err: err}
}

// Wrap attaches a kind to an arbitrary error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
