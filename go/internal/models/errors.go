package models

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage is matched by every StorageError.
	ErrStorage = errors.New("storage error")

	// ErrConfiguration marks invalid capability or emitter setup.
	ErrConfiguration = errors.New("configuration error")

	// ErrEmitterActive is returned when a timer is started for a key that
	// already has one running.
	ErrEmitterActive = fmt.Errorf("%w: emitter already active", ErrConfiguration)

	// ErrConflictingCadence is returned when both sub-periods and a rate limit
	// are configured for the same group.
	ErrConflictingCadence = fmt.Errorf("%w: num_subperiods and rate_limit are mutually exclusive", ErrConfiguration)

	ErrHandlerExists  = errors.New("handler already registered for channel")
	// ErrReservedChannel is returned for client frames on channels only the
	// server may write.
	ErrReservedChannel = errors.New("channel is reserved for the server")
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	ErrUnknownApp     = errors.New("unknown app")
	ErrUnknownGroup   = errors.New("unknown group")
)

// StorageError wraps a failure reported by the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// NewStorageError returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
