package transfer

import (
	"errors"
	"fmt"

	"qms/queue-sync/internal/queue"
	"qms/queue-sync/internal/store"
)

// ValidationError is a malformed request, rejected before any store or
// network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ConflictError means the request was well formed but current state forbids it.
type ConflictError struct {
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict: %s: %v", e.Reason, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// TransportError is a store, directory or channel failure. Callers may retry
// explicitly; nothing is retried automatically.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool { return true }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// classify maps store and planner errors onto the orchestration taxonomy.
// ErrEntryNotFound passes through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		validation *ValidationError
		conflict   *ConflictError
		transport  *TransportError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &conflict), errors.As(err, &transport):
		return err
	case errors.Is(err, store.ErrEntryNotFound):
		return err
	case errors.Is(err, store.ErrEntryDone):
		return &ConflictError{Reason: "entry already done", Err: err}
	case errors.Is(err, store.ErrStatusConflict):
		return &ConflictError{Reason: "entry changed concurrently", Err: err}
	case errors.Is(err, store.ErrCounterUnavailable):
		return &ConflictError{Reason: "counter inactive or hidden", Err: err}
	case errors.Is(err, queue.ErrInvalidTransition):
		return &ConflictError{Reason: "transition not allowed from current status", Err: err}
	case errors.Is(err, queue.ErrCounterBusy):
		return &ConflictError{Reason: "counter already serving a patient", Err: err}
	case errors.Is(err, store.ErrCounterNotFound):
		return &ValidationError{Field: "counter_id", Reason: "unknown counter"}
	case errors.Is(err, store.ErrInvalidStatus):
		return &ValidationError{Field: "status", Reason: "unknown status"}
	default:
		return &TransportError{Op: op, Err: err}
	}
}

// outcome labels an error for metrics.
func outcome(err error) string {
	var (
		validation *ValidationError
		conflict   *ConflictError
		transport  *TransportError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &transport):
		return "transport"
	case errors.Is(err, store.ErrEntryNotFound):
		return "not_found"
	default:
		return "error"
	}
}
