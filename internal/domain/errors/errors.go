package errors

import (
	"errors"
	"fmt"
)

var (
	// Batch errors
	ErrBatchNotFound = errors.New("payment batch not found")

	// Payment errors
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// Provider errors
	ErrProviderNotFound = errors.New("payment provider not found")
	ErrProviderRejected = errors.New("submission rejected by provider")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
