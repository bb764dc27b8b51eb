// SPDX-License-Identifier: MIT

// Package apperr defines the closed error-kind taxonomy shared by every
// component. Kinds classify failures for transport mapping; they are not a
// substitute for wrapped causes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not-found"
	KindBadState      Kind = "bad-state"
	KindBusy          Kind = "busy"
	KindRateLimited   Kind = "rate-limited"
	KindCapExceeded   Kind = "cap-exceeded"
	KindTimeout       Kind = "timeout"
	KindHostDriver    Kind = "host-driver"
	KindIO            Kind = "io"
	KindProtocol      Kind = "protocol"
	KindInternal      Kind = "internal"
)

// Error carries a kind, a human-readable message and an optional cause.
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

// E constructs a classified error.
func E(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Errorf constructs a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, or KindInternal when unclassified.
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

// HTTPStatus maps an error kind to its REST status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindConfiguration, KindProtocol:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBadState:
		return http.StatusConflict
	case KindRateLimited, KindCapExceeded:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
