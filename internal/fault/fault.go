// Package fault classifies errors surfaced by the control loops and the API.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of failure.
type Kind string

const (
	NotFound     Kind = "not_found"     // named entity absent
	Conflict     Kind = "conflict"      // illegal state transition
	Validation   Kind = "validation"    // schema or policy inconsistency
	Timeout      Kind = "timeout"       // a bounded wait expired
	BackendError Kind = "backend_error" // all backends failed or circuit open
	RuntimeError Kind = "runtime_error" // container runtime call failed
	StoreError   Kind = "store_error"   // registry store unavailable
	Internal     Kind = "internal"      // unexpected invariant violation
)

// Error carries a kind alongside a human message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the API layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	case BackendError:
		return http.StatusServiceUnavailable
	case RuntimeError, StoreError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
