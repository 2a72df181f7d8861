// Package ecode defines the error taxonomy shared across the backend and
// its mapping onto HTTP status codes.
package ecode

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = iota
	// KindInvalidInput marks malformed requests: unknown map or module,
	// bad coordinates, bad names.
	KindInvalidInput
	// KindNotFound marks a missing resource (map, module, token).
	KindNotFound
	// KindModuleUnavailable marks a submit against a module that is not Running.
	KindModuleUnavailable
	// KindBuildFailed marks an image build error; the message carries the build log.
	KindBuildFailed
	// KindModuleCrashed marks a container that exited during a job.
	KindModuleCrashed
	// KindTimeout marks a long-poll that exceeded its bound. Retryable.
	KindTimeout
	// KindExpired marks a job whose TTL elapsed without a result. Final.
	KindExpired
	// KindBrokerUnavailable marks transient broker I/O failure after retries.
	KindBrokerUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindModuleUnavailable:
		return "module_unavailable"
	case KindBuildFailed:
		return "build_failed"
	case KindModuleCrashed:
		return "module_crashed"
	case KindTimeout:
		return "timeout"
	case KindExpired:
		return "expired"
	case KindBrokerUnavailable:
		return "broker_unavailable"
	default:
		return "internal"
	}
}

// Error carries a kind, a human-readable message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil when err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the HTTP surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput, KindBuildFailed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindModuleUnavailable:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindExpired:
		return http.StatusGone
	case KindBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
