// Package apierr defines the typed errors shared by the supervisor and log
// store, and their mapping to HTTP status codes. Handlers match on the kind
// with errors.Is and render the message in the negotiated response format.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping.
type Kind int

const (
	BadRequest Kind = iota
	NotFound
	Conflict
	Internal
)

// Error carries a kind and a short, single-sentence message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New returns an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf returns an Error of the given kind with a formatted message. Any %w
// verb wraps the cause so callers can still reach it through errors.Is/As.
func Newf(kind Kind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: wrapped.Error(), cause: errors.Unwrap(wrapped)}
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality, so errors.Is(err, apierr.New(apierr.NotFound, ""))
// and the kind sentinels below both work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Kind == t.Kind
}

// Kind sentinels for errors.Is matching.
var (
	ErrBadRequest = &Error{Kind: BadRequest}
	ErrNotFound   = &Error{Kind: NotFound}
	ErrConflict   = &Error{Kind: Conflict}
	ErrInternal   = &Error{Kind: Internal}
)

// Status returns the HTTP status code for err. Untyped errors map to 500.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-visible message for err. Untyped errors get a
// generic message so internals never leak into response bodies.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
