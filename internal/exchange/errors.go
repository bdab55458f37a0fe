package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies adapter failures into the four outcomes the rest of
// the engine understands. Exchange-specific error vocabularies never leak
// past the adapter boundary.
type ErrorKind string

const (
	// KindUnreachable: the request never left or never arrived (network/DNS
	// failure). Safe to retry.
	KindUnreachable ErrorKind = "unreachable"
	// KindRejected: the exchange received and declined the request. Never
	// retried.
	KindRejected ErrorKind = "rejected"
	// KindTimeout: no definitive response within the deadline. The request
	// may have reached the exchange, so the outcome is unknown until
	// reconciled.
	KindTimeout ErrorKind = "timeout"
	// KindAuth: credentials invalid. Fatal for the adapter until credentials
	// are refreshed.
	KindAuth ErrorKind = "auth"
)

// Error is the uniform adapter error.
type Error struct {
	Kind     ErrorKind
	Exchange string
	Op       string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Exchange, e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may be repeated without risk of a
// duplicate effect. Timeouts are NOT retryable here: a timed-out submission
// may already be live on the exchange.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnreachable
}

// NewError builds an adapter error.
func NewError(kind ErrorKind, exchange, op, reason string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Reason: reason, Err: err}
}

// ErrOrderNotFound is returned by order lookups when the exchange has no
// record of the order. For a client-id lookup after a timeout this is the
// proof that the submission never arrived.
var ErrOrderNotFound = errors.New("order not found")

// ErrAdapterUnavailable is returned by the registry for an adapter halted
// after an authentication failure.
var ErrAdapterUnavailable = errors.New("exchange adapter unavailable")

// KindOf extracts the error kind, defaulting to KindUnreachable for raw
// transport errors and KindTimeout for context deadlines.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindUnreachable
	}
	return KindUnreachable
}

// IsTimeout reports whether the error resolves to an ambiguous timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsUnreachable reports whether the error is a pure transport failure.
func IsUnreachable(err error) bool { return KindOf(err) == KindUnreachable }

// IsRejected reports whether the exchange declined the request.
func IsRejected(err error) bool { return KindOf(err) == KindRejected }

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }
