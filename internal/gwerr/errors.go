// Package gwerr defines the closed error taxonomy shared by every layer of
// the gateway. A cloud-client failure, a cache I/O error, and a malformed
// upload all end up as one of these kinds so the HTTP handlers have a single
// place to decide the status code — see Kind.HTTPStatus.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed set of error categories. It intentionally has no zero
// value that means "unknown" — every error constructed via New or Wrap
// carries an explicit Kind.
type Kind int

const (
	// Configuration covers missing credentials or unparseable values.
	// Fatal at startup; never returned to an HTTP client.
	Configuration Kind = iota + 1
	// AuthFailure covers token issuance rejected by the cloud provider.
	AuthFailure
	// Upstream covers a non-zero `code` or non-2xx cloud response after retries.
	Upstream
	// NotFound covers an absent object or directory. DELETE suppresses it.
	NotFound
	// Conflict covers a duplicate creation the provider refuses.
	Conflict
	// PayloadTooLarge covers a single-shot upload over the 1 GiB cap.
	PayloadTooLarge
	// RateLimited covers retries exhausted on HTTP 429.
	RateLimited
	// Cache covers a local metadata-store I/O failure.
	Cache
	// Io covers an aborted client stream or broken mid-transfer network call.
	Io
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case AuthFailure:
		return "auth_failure"
	case Upstream:
		return "upstream"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case PayloadTooLarge:
		return "payload_too_large"
	case RateLimited:
		return "rate_limited"
	case Cache:
		return "cache"
	case Io:
		return "io"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind to the HTTP status code handlers return for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthFailure:
		return http.StatusInternalServerError
	case Upstream:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case PayloadTooLarge:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusServiceUnavailable
	case Cache:
		return http.StatusInternalServerError
	case Io:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Error is a Kind-tagged error. Use errors.As to recover the Kind from an
// arbitrary error returned by a lower layer.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "cloudclient.UploadObject"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error for op with the given message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap tags err with kind, recording op for diagnostics. Wrap(kind, op, nil)
// returns nil so callers can write `return gwerr.Wrap(Cache, "op", err)`
// without a separate nil check.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Upstream for errors that
// were not explicitly classified — a conservative default because an
// unclassified failure almost always originated from a remote call.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Upstream
}
