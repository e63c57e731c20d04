package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a request failure by what the caller should do about it.
type Kind string

const (
	KindAuthExpired Kind = "auth_expired"
	KindForbidden   Kind = "forbidden"
	KindTransient   Kind = "transient"
	KindCancelled   Kind = "cancelled"
	KindMalformed   Kind = "malformed"
)

// Error is returned by every Client method that talks to the server.
type Error struct {
	Kind   Kind
	Status int // 0 when no response was received
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("api %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsRetryable reports whether retrying the same request may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindAuthExpired
	case http.StatusForbidden:
		return KindForbidden
	default:
		return KindTransient
	}
}

func transportError(ctx context.Context, op string, err error) *Error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: KindCancelled, Op: op, Err: err}
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}
