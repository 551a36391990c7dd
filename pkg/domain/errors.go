package domain

import (
	"errors"
	"fmt"
)

// AggregateVersionConflictError is returned when another writer has already
// appended at or past the version a saveEvents call claimed.
type AggregateVersionConflictError struct {
	ID      AggregateID
	Version uint32
}

func (e *AggregateVersionConflictError) Error() string {
	return fmt.Sprintf("domain: aggregate %s: version conflict at %d", e.ID, e.Version)
}

// AggregateFinalizedError is returned when saveEvents targets an aggregate
// that has been finalized; no further events may be appended to it.
type AggregateFinalizedError struct {
	ID AggregateID
}

func (e *AggregateFinalizedError) Error() string {
	return fmt.Sprintf("domain: aggregate %s is finalized", e.ID)
}

// CommandHandlerMissingError is a configuration error: the aggregate has no
// handler registered for the command type being processed.
type CommandHandlerMissingError struct {
	Type uint32
}

func (e *CommandHandlerMissingError) Error() string {
	return fmt.Sprintf("domain: no command handler registered for type %d", e.Type)
}

// EventHandlerMissingError is a configuration error: a freshly produced
// event has no matching event handler to fold it into state. Historical
// replay treats a missing handler as a silent skip (§4.2.1 step 3); this
// error is only raised for events an aggregate just produced itself (§4.2.2
// step 7), where the omission is necessarily a bug in the aggregate's setup.
type EventHandlerMissingError struct {
	Type uint32
}

func (e *EventHandlerMissingError) Error() string {
	return fmt.Sprintf("domain: no event handler registered for type %d", e.Type)
}

// Sentinels used to classify errors for the retry utility (pkg/retry) and
// for propagation decisions in the aggregate engine. Adapters wrap the
// underlying driver error with one of these via fmt.Errorf("...: %w", ...)
// so callers can use errors.Is regardless of the concrete adapter.
var (
	// ErrTransportTransient marks a connection/timeout class error from a
	// StreamAdapter. Retried internally per the subscriber's backoff policy.
	ErrTransportTransient = errors.New("domain: transport transient error")

	// ErrPersistenceTransient marks a retryable persistence error from a
	// StoreAdapter. The bundled SQL adapters wrap every driver error in it,
	// not only serialization/deadlock failures. Retried internally per
	// saveEvents' backoff policy.
	ErrPersistenceTransient = errors.New("domain: persistence transient error")

	// ErrFatal marks an unclassified adapter error that is not retried.
	ErrFatal = errors.New("domain: fatal error")
)

// IsRetryable reports whether err is one of the two transient classes the
// runtime retries internally.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportTransient) || errors.Is(err, ErrPersistenceTransient)
}
