// Package remote classifies failures returned by remote services so that
// the retry policy and the pipeline can decide what to do with them
// without string-matching provider messages.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the classification of a remote failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth covers invalid or rejected credentials. Never retried.
	KindAuth
	// KindBalance covers insufficient-balance and quota-exhausted
	// responses. Never retried; surfaced to the user directly.
	KindBalance
	// KindRateLimit covers throttling responses. Retried with a longer
	// backoff than other transient failures.
	KindRateLimit
	// KindTimeout covers request deadlines and read timeouts.
	KindTimeout
	// KindConnection covers dial and transport-level failures.
	KindConnection
	// KindService covers 5xx-style failures inside the remote service.
	KindService
	// KindFormat covers responses the client could not parse or that
	// violate the documented shape.
	KindFormat
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindBalance:
		return "insufficient_balance"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindService:
		return "service"
	case KindFormat:
		return "format"
	default:
		return "unknown"
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted detail message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing it.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the classification of err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return KindUnknown, false
}

// Fatal reports whether err must never be retried.
func Fatal(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindAuth || k == KindBalance)
}

// ClassifyTransport maps transport-level errors from net/http round trips
// onto kinds. Returns nil if err is nil.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err)
	case errors.As(err, &ne) && ne.Timeout():
		return Wrap(KindTimeout, err)
	default:
		return Wrap(KindConnection, err)
	}
}
