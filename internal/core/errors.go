package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState    = errors.New("invalid_state")
	ErrEmptyAudience   = errors.New("empty_audience")
	ErrNothingToDo     = errors.New("nothing_to_do")
	ErrNotFound        = errors.New("not_found")
	ErrInvalidInput    = errors.New("invalid_input")
	ErrChannelDelivery = errors.New("channel_delivery_error")
	ErrChannelTimeout  = errors.New("channel_timeout")
	ErrStorage         = errors.New("storage_error")
)

// StateError is returned when an operation is illegal for the message's current status.
type StateError struct {
	Op     string
	ID     string
	Status MessageStatus
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: message %s is %s: %s", e.Op, e.ID, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: message %s is %s", e.Op, e.ID, e.Status)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// ChannelError is a per-recipient transport failure. It is recorded on the
// delivery record and never aborts a broadcast.
type ChannelError struct {
	RecipientID string
	Err         error
	Timeout     bool
	// Permanent failures are not retried within the run.
	Permanent bool
}

func (e *ChannelError) Error() string {
	kind := "delivery failed"
	if e.Timeout {
		kind = "delivery timed out"
	}
	if e.Err == nil {
		return fmt.Sprintf("channel: %s for %s", kind, e.RecipientID)
	}
	return fmt.Sprintf("channel: %s for %s: %v", kind, e.RecipientID, e.Err)
}

func (e *ChannelError) Is(target error) bool {
	if target == ErrChannelDelivery {
		return true
	}
	return e.Timeout && target == ErrChannelTimeout
}

func (e *ChannelError) Unwrap() error { return e.Err }

// StorageError means the message store or ledger is unavailable. It aborts
// the in-flight dispatcher run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage wraps err as a StorageError unless it already carries a domain
// meaning (not found, state, nothing to do).
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNothingToDo) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Code maps an error to its stable wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrEmptyAudience):
		return "empty_audience"
	case errors.Is(err, ErrNothingToDo):
		return "nothing_to_do"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrChannelTimeout):
		return "channel_timeout"
	case errors.Is(err, ErrChannelDelivery):
		return "channel_delivery_error"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	}
	return "internal"
}
