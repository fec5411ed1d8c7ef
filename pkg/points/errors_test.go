package points

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatting(t *testing.T) {
	t.Parallel()
	baseError := errors.New("base error")
	wrappedError := WrapError("store", "account", "debit", baseError)
	if wrappedError == nil {
		t.Fatalf("expected wrapped error")
	}
	if wrappedError.Error() != "store.account.debit: base error" {
		t.Fatalf("unexpected message %q", wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		t.Fatalf("wrapped error must unwrap to the base error")
	}

	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		t.Fatalf("expected OperationError, got %T", wrappedError)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "account" || operationError.Code() != "debit" {
		t.Fatalf("unexpected segments: %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
}

func TestWrapErrorNil(t *testing.T) {
	t.Parallel()
	if WrapError("store", "account", "debit", nil) != nil {
		t.Fatalf("expected nil wrapped error")
	}
}

func TestWrapErrorPreservesSentinels(t *testing.T) {
	t.Parallel()
	wrapped := WrapError("store", "account", "debit", ErrInsufficientBalance)
	if !errors.Is(wrapped, ErrInsufficientBalance) {
		t.Fatalf("sentinel must survive wrapping: %v", wrapped)
	}
}
