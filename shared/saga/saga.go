// Package saga holds the engine-agnostic pieces of saga orchestration:
// the error taxonomy shared by stores, transports and handlers, and the
// retry policy used for optimistic-concurrency conflicts and transient
// delivery failures.
package saga

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrConcurrencyConflict means a conditioned write lost against another writer.
	ErrConcurrencyConflict = errors.New("saga: concurrency conflict")
	// ErrUnknownCorrelation means a non-submission event arrived for a correlation id with no instance.
	ErrUnknownCorrelation = errors.New("saga: unknown correlation id")
	// ErrStoreUnavailable wraps failures talking to the saga store.
	ErrStoreUnavailable = errors.New("saga: store unavailable")
	// ErrTransportUnavailable wraps failures talking to the message transport.
	ErrTransportUnavailable = errors.New("saga: transport unavailable")
	// ErrRetriesExhausted is returned once the conflict retry budget is spent.
	ErrRetriesExhausted = errors.New("saga: retries exhausted")
	// ErrMalformedEvent marks an inbound message that can never be processed.
	ErrMalformedEvent = errors.New("saga: malformed event")
)

type wrappedError struct {
	kind  error
	cause error
}

func (e *wrappedError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *wrappedError) Is(target error) bool {
	return target == e.kind
}

func (e *wrappedError) Unwrap() error {
	return e.cause
}

// StoreUnavailable classifies err as a saga store failure
func StoreUnavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{kind: ErrStoreUnavailable, cause: errors.Wrap(err, msg)}
}

// TransportUnavailable classifies err as a transport failure
func TransportUnavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{kind: ErrTransportUnavailable, cause: errors.Wrap(err, msg)}
}

// Malformed classifies err as a permanently unprocessable message
func Malformed(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{kind: ErrMalformedEvent, cause: errors.Wrap(err, msg)}
}

// IsTransient reports whether redelivering the message may succeed
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedEvent) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTransportUnavailable) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, context.DeadlineExceeded)
}
