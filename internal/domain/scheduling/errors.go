package scheduling

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the scheduling service. Callers match them with
// errors.Is; the typed errors below unwrap to these.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("intake record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSlotConflict      = errors.New("slot is already booked")
	ErrForbidden         = errors.New("caller may not act on this intake record")
	ErrStoreUnavailable  = errors.New("record store unavailable")
)

// ValidationError lists the request fields that were missing or malformed.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: missing or invalid %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports a status change the state machine does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// SlotConflictError reports that another record already holds the slot.
type SlotConflictError struct {
	Key SlotKey
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("slot %s is already booked", e.Key)
}

func (e *SlotConflictError) Unwrap() error { return ErrSlotConflict }

func storeErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
