package nvmepcie

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nvmepcie/nvmepcie/internal/wire"
)

func TestTransportErrorMessage(t *testing.T) {
	err := NewError("construct admin qpair", ErrCodeBringUpFailed, "failed to map bar0")
	if err.Op != "construct admin qpair" {
		t.Errorf("expected Op=construct admin qpair, got %s", err.Op)
	}
	expected := "nvmepcie: failed to map bar0 (op=construct admin qpair)"
	if err.Error() != expected {
		t.Errorf("expected error message %q, got %q", expected, err.Error())
	}
}

func TestQueueError(t *testing.T) {
	err := NewQueueError("submit", 3, ErrCodeProtocolViolation, "completion for inactive cid")
	if err.Queue != 3 {
		t.Errorf("expected Queue=3, got %d", err.Queue)
	}
	expected := "nvmepcie: completion for inactive cid (op=submit)"
	if err.Error() != expected {
		t.Errorf("expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapErrorPreservesCodeOfNestedTransportError(t *testing.T) {
	inner := NewError("map bar0", ErrCodeBringUpFailed, "mmap failed")
	err := WrapError("construct", inner)
	if err.Code != ErrCodeBringUpFailed {
		t.Errorf("expected wrapped code to carry through, got %s", err.Code)
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to match on code against the wrapped TransportError")
	}
}

func TestWrapErrorWrapsPlainError(t *testing.T) {
	inner := fmt.Errorf("mmap: permission denied")
	err := WrapError("map bar0", inner)
	if err.Code != ErrCodeBringUpFailed {
		t.Errorf("expected default code ErrCodeBringUpFailed, got %s", err.Code)
	}
	if errors.Unwrap(err) != inner {
		t.Error("expected Unwrap to return the original error")
	}
}

func TestWrapErrorNilIsNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("expected WrapError(nil) to return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("submit", ErrCodeResourceExhausted, "no tracker available")
	if !IsCode(err, ErrCodeResourceExhausted) {
		t.Error("IsCode should return true for a matching code")
	}
	if IsCode(err, ErrCodeBringUpFailed) {
		t.Error("IsCode should return false for a non-matching code")
	}
	if IsCode(nil, ErrCodeResourceExhausted) {
		t.Error("IsCode should return false for a nil error")
	}
}

func TestCompletionErrorMessage(t *testing.T) {
	var cpl wire.CompletionEntry
	cpl.SetStatus(wire.SCTGeneric, wire.SCInvalidField, true, 1)

	cerr := NewCompletionError(&cpl)
	if cerr.SC != wire.SCInvalidField {
		t.Errorf("expected SC=%#x, got %#x", wire.SCInvalidField, cerr.SC)
	}
	if !cerr.DNR {
		t.Error("expected DNR to be true")
	}
	if cerr.Error() == "" {
		t.Error("expected a non-empty error message")
	}
}
