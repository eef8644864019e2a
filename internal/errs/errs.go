// Package errs defines the structured error kinds surfaced by the hub.
// Every failure a caller can observe carries one of these kinds plus a
// human-readable message, so both the HTTP binding and the tool binding
// can map failures uniformly.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// KindNotFound means the referenced id does not exist.
	KindNotFound Kind = "not_found"

	// KindValidation means the request was malformed: missing or
	// malformed fields, an unset confirmation flag, or a missing reason.
	KindValidation Kind = "validation_error"

	// KindUnreachable means no live tunnel exists for the target agent.
	KindUnreachable Kind = "unreachable"

	// KindConnectionLost means the agent's tunnel dropped while the
	// request was in flight.
	KindConnectionLost Kind = "connection_lost"

	// KindTimeout means the deadline elapsed awaiting a tunneled response.
	KindTimeout Kind = "timeout"

	// KindBackend means the leaf backend's own transport failed; its
	// status and body are relayed verbatim where available.
	KindBackend Kind = "backend_error"

	// KindInternal covers invariant violations and storage failures that
	// are not the caller's fault.
	KindInternal Kind = "internal"
)

// Error is a classified error. Message is safe to show to callers;
// Err preserves the underlying cause for logs and errors.Is chains.
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

// NotFound reports an unknown id.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed or unconfirmed request.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unreachable reports that no live tunnel exists for an agent.
func Unreachable(format string, args ...any) *Error {
	return &Error{Kind: KindUnreachable, Message: fmt.Sprintf(format, args...)}
}

// ConnectionLost reports a tunnel drop mid-request.
func ConnectionLost(format string, args ...any) *Error {
	return &Error{Kind: KindConnectionLost, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports an expired deadline on a tunneled request.
func Timeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// Backend reports a failure from the leaf backend's own transport.
func Backend(err error, format string, args ...any) *Error {
	return &Error{Kind: KindBackend, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal wraps an unexpected failure without exposing its cause text
// through the Kind mapping.
func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the API binding
// returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindUnreachable, KindConnectionLost:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
