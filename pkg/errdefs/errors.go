// Package errdefs defines the closed error taxonomy shared by every core
// service. Nothing inside the core retries; every failure maps to exactly one
// of the kinds below and returns immediately. Transports translate kinds to
// protocol statuses with HTTPStatus.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a platform error.
type Kind int

const (
	// KindNotFound means the target record is absent.
	KindNotFound Kind = iota
	// KindConflict means a uniqueness or lifecycle conflict.
	KindConflict
	// KindUnauthorized means a credential was presented but is invalid.
	KindUnauthorized
	// KindForbidden means the credential is valid but not permitted.
	KindForbidden
	// KindInvalidInput means a shape or contract violation.
	KindInvalidInput
	// KindInternal means a serialization, signing or store-adapter failure.
	KindInternal
)

// Error is the single error type produced by the core.
type Error struct {
	Kind   Kind
	Detail string // resource name for NotFound/Conflict, reason otherwise
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindNotFound:
		msg = "not found: " + e.Detail
	case KindConflict:
		msg = "conflict: " + e.Detail
	case KindUnauthorized:
		msg = "unauthorized"
	case KindForbidden:
		msg = "forbidden"
	case KindInvalidInput:
		msg = "invalid input: " + e.Detail
	case KindInternal:
		msg = "internal error: " + e.Detail
	default:
		msg = "unknown error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two platform errors by kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// NotFound reports that the named resource is absent.
func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Detail: resource}
}

// Conflict reports a uniqueness or lifecycle conflict on the named resource.
func Conflict(resource string) *Error {
	return &Error{Kind: KindConflict, Detail: resource}
}

// Unauthorized reports an invalid credential.
func Unauthorized() *Error {
	return &Error{Kind: KindUnauthorized}
}

// Forbidden reports a valid credential lacking permission.
func Forbidden() *Error {
	return &Error{Kind: KindForbidden}
}

// InvalidInput reports a shape or contract violation.
func InvalidInput(reason string) *Error {
	return &Error{Kind: KindInvalidInput, Detail: reason}
}

// Internal reports a serialization, signing or adapter failure.
func Internal(reason string) *Error {
	return &Error{Kind: KindInternal, Detail: reason}
}

// Wrap attaches an underlying cause to an internal error.
func Wrap(reason string, err error) *Error {
	return &Error{Kind: KindInternal, Detail: reason, Err: err}
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsNotFound(err error) bool     { return is(err, KindNotFound) }
func IsConflict(err error) bool     { return is(err, KindConflict) }
func IsUnauthorized(err error) bool { return is(err, KindUnauthorized) }
func IsForbidden(err error) bool    { return is(err, KindForbidden) }
func IsInvalidInput(err error) bool { return is(err, KindInvalidInput) }
func IsInternal(err error) bool     { return is(err, KindInternal) }

// HTTPStatus maps an error to the status code transports should emit.
// Non-platform errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
