package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the points service.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrNotFound                = errors.New("account not found")
	ErrConflict                = errors.New("concurrent update conflict")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidActionType       = errors.New("invalid action type")
	ErrInvalidDescription      = errors.New("invalid description")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidListLimit        = errors.New("invalid list limit")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
