package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("record already exists")
	ErrStaleWrite       = errors.New("record changed since it was read")
	ErrConflict         = errors.New("sync conflict")
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrValidation       = errors.New("invalid operation")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
)

// ConflictError carries the server snapshot that won over a client write.
type ConflictError struct {
	Entity          string
	RecordID        string
	ClientTimestamp time.Time
	ServerUpdatedAt time.Time
	Server          *SyncRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: server updated at %s after client write at %s",
		e.Entity, e.RecordID,
		e.ServerUpdatedAt.UTC().Format(time.RFC3339Nano),
		e.ClientTimestamp.UTC().Format(time.RFC3339Nano))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type UnknownEntityError struct {
	Entity string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown entity %q", e.Entity)
}

func (e *UnknownEntityError) Is(target error) bool {
	return target == ErrUnknownEntity
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StoreUnavailableError wraps a backend failure that makes the whole batch unprocessable.
type StoreUnavailableError struct {
	Backend string
	Err     error
}

func (e *StoreUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s store unavailable", e.Backend)
	}
	return fmt.Sprintf("%s store unavailable: %v", e.Backend, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// TimeoutError is a store error raised because a deadline expired while the
// statement ran, such as a Postgres statement cancelled on context expiry.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return "store timeout: " + e.Err.Error() }

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Timeout() bool { return true }

// ReasonFor maps a per-operation error to the code reported to clients.
func ReasonFor(err error) FailureReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrUnknownEntity):
		return ReasonUnknownEntity
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return ReasonValidation
	case isTimeout(err):
		return ReasonTimeout
	default:
		return ReasonInternal
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
