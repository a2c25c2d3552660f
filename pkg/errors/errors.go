package errors

import (
	"fmt"

	"github.com/inkline/orderforwarder/internal/domain"
)

// ErrNotFound is returned when a resource is not found
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrConflict is returned when there's a conflict (e.g., idempotency)
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "conflict"
}

// FieldError is one failed schema check
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ErrValidation is returned when validation fails
type ErrValidation struct {
	Message string
	Fields  []FieldError
}

func (e *ErrValidation) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "validation failed"
}

// ErrForward is returned when the webhook sink does not accept an order
type ErrForward struct {
	Status int
	Body   string
	Cause  error
}

func (e *ErrForward) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("forward failed: %v", e.Cause)
	}
	return fmt.Sprintf("forward failed: status %d", e.Status)
}

func (e *ErrForward) Unwrap() error {
	return e.Cause
}

// ErrUnavailable is returned when an integration needed by the operation is not configured
type ErrUnavailable struct {
	Service string
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("%s integration is not configured", e.Service)
}

// ErrInvalidStateTransition is returned when an invalid state transition is attempted
type ErrInvalidStateTransition struct {
	From domain.OrderStatus
	To   domain.OrderStatus
}

func (e *ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}
