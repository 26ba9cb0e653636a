package logging

import (
	"errors"
	"os"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("scratch.release", "req-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	err := NewOperationError("scratch.release", "req-1", os.ErrPermission)

	if got, want := err.Error(), "scratch.release (request_id=req-1): permission denied"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected errors.Is to find the wrapped error")
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "scratch.release" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestOperationErrorWithoutRequestID(t *testing.T) {
	err := NewOperationError("config.load", "", errors.New("boom"))
	if got := err.Error(); got != "config.load: boom" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}
