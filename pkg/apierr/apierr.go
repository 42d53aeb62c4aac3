// Package apierr defines the tagged errors returned by admin applications and
// the single mapping from those errors to HTTP status codes.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an admin error for status selection.
type Kind int

const (
	// Internal is an unclassified server-side failure.
	Internal Kind = iota
	// BadRequest covers malformed JSON bodies and bad query parameters.
	BadRequest
	// PermissionDenied is returned when mutating a read-only node.
	PermissionDenied
	// NotFound is returned for unresolved paths and unknown peers.
	NotFound
	// MethodNotAllowed is returned for verbs an application does not serve.
	MethodNotAllowed
	// ConcurrentWrite signals that two writers raced on the same field.
	// Clients should re-read and retry.
	ConcurrentWrite
	// Gone is returned when the addressed entity was permanently deleted.
	Gone
	// UnsupportedMediaType is returned for mutations without a JSON body.
	UnsupportedMediaType
	// ValidationFailed is returned when the metadata validator rejects a
	// change, e.g. when no valid placement exists.
	ValidationFailed
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case BadRequest:
		return "bad request"
	case PermissionDenied:
		return "permission denied"
	case NotFound:
		return "not found"
	case MethodNotAllowed:
		return "method not allowed"
	case ConcurrentWrite:
		return "concurrent write"
	case Gone:
		return "gone"
	case UnsupportedMediaType:
		return "unsupported media type"
	case ValidationFailed:
		return "validation failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified admin error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of kind k with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind k, prefixing msg.
func Wrap(k Kind, err error, msg string) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// Status maps err to the HTTP status code the dispatch boundary responds
// with.
func Status(err error) int {
	switch KindOf(err) {
	case BadRequest:
		return http.StatusBadRequest
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed, ConcurrentWrite:
		return http.StatusMethodNotAllowed
	case Gone:
		return http.StatusGone
	case UnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case ValidationFailed, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// IsCancellation reports whether err is the result of the caller going away
// rather than a failure that deserves a response.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
