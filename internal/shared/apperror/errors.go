package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so callers can decide how to recover from it.
type Kind string

const (
	KindConflict            Kind = "CONFLICT"
	KindNotHeld             Kind = "NOT_HELD"
	KindExpired             Kind = "EXPIRED"
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalid             Kind = "INVALID"
	KindIllegalTransition   Kind = "ILLEGAL_TRANSITION"
	KindProviderAmbiguous   Kind = "PROVIDER_AMBIGUOUS"
	KindProviderUnreachable Kind = "PROVIDER_UNREACHABLE"
	KindInternal            Kind = "INTERNAL"
)

// Sentinel values, usable with errors.Is.
var (
	ErrConflict            = &Error{Kind: KindConflict, Message: "seat is not available"}
	ErrNotHeld             = &Error{Kind: KindNotHeld, Message: "lock is not held by caller"}
	ErrExpired             = &Error{Kind: KindExpired, Message: "window has passed"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalid             = &Error{Kind: KindInvalid, Message: "invalid request"}
	ErrIllegalTransition   = &Error{Kind: KindIllegalTransition, Message: "transition not allowed"}
	ErrProviderAmbiguous   = &Error{Kind: KindProviderAmbiguous, Message: "payment status is not yet known"}
	ErrProviderUnreachable = &Error{Kind: KindProviderUnreachable, Message: "payment provider unreachable"}
	ErrInternal            = &Error{Kind: KindInternal, Message: "internal error"}
)

// Error is the error type returned across service boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict) works
// regardless of op or message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Conflict, NotHeld and the other constructors are shorthands for New.
func Conflict(op, format string, args ...interface{}) *Error {
	return New(KindConflict, op, format, args...)
}

func NotHeld(op, format string, args ...interface{}) *Error {
	return New(KindNotHeld, op, format, args...)
}

func NotFound(op, format string, args ...interface{}) *Error {
	return New(KindNotFound, op, format, args...)
}

func Invalid(op, format string, args ...interface{}) *Error {
	return New(KindInvalid, op, format, args...)
}

func Expired(op, format string, args ...interface{}) *Error {
	return New(KindExpired, op, format, args...)
}

// KindOf returns the kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsInternal reports whether err is an unexpected failure that should be logged.
func IsInternal(err error) bool {
	return err != nil && KindOf(err) == KindInternal
}

// HTTPStatus maps an error to the status code used by the REST controllers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindConflict, KindIllegalTransition:
		return http.StatusConflict
	case KindNotHeld:
		return http.StatusForbidden
	case KindExpired:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindProviderAmbiguous:
		return http.StatusAccepted
	case KindProviderUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message suitable for clients. Internal details are hidden.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal server error"
}
