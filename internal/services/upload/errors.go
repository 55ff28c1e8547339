package upload

import (
	"errors"
	"fmt"

	"vstage-upload/internal/capacity"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNegotiationFailed   = errors.New("upload negotiation failed")
	ErrSessionInitFailed   = errors.New("upload session initiation failed")
	ErrTransferInterrupted = errors.New("transfer interrupted")
	ErrConfirmationFailed  = errors.New("upload confirmation failed")
	ErrCompensationFailed  = errors.New("upload compensation failed")

	// ErrCapacityExhausted is the pool's own sentinel so callers can match
	// either name
	ErrCapacityExhausted = capacity.ErrExhausted
)

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// renegotiable reports whether err is fixed by starting over with a new session
func renegotiable(err error) bool {
	return errors.Is(err, ErrNegotiationFailed) || errors.Is(err, ErrSessionInitFailed)
}
