// Package nvmepcie implements an NVMe-over-PCIe transport core: register
// window access, CMB management, command tracking, PRP/SGL payload
// construction, the queue pair submission/completion engine, admin queue
// helpers, controller bring-up, and per-process admin routing.
package nvmepcie

import (
	"errors"
	"fmt"

	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// TransportError is a structured bring-up/lifecycle error with context:
// an operation name, a high-level code, an optional queue identifier, a
// message, and an optionally wrapped cause.
type TransportError struct {
	Op    string            // operation that failed ("map bar0", "construct admin qpair", ...)
	Queue int               // queue identifier, -1 if not applicable
	Code  TransportErrorCode
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvmepcie: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("nvmepcie: %s", msg)
}

// Unwrap returns the wrapped cause, for errors.Is/As support.
func (e *TransportError) Unwrap() error { return e.Inner }

// Is reports a match when target is a *TransportError with the same Code.
func (e *TransportError) Is(target error) bool {
	if te, ok := target.(*TransportError); ok {
		return e.Code == te.Code
	}
	return false
}

// TransportErrorCode categorizes a TransportError (§7's non-completion
// error kinds: resource exhaustion, bring-up failure, admin routing
// failure).
type TransportErrorCode string

const (
	ErrCodeResourceExhausted TransportErrorCode = "resource exhausted"
	ErrCodeBringUpFailed     TransportErrorCode = "bring-up failed"
	ErrCodeRoutingFailed     TransportErrorCode = "admin routing failed"
	ErrCodeProtocolViolation TransportErrorCode = "protocol violation"
	ErrCodeInvalidParameters TransportErrorCode = "invalid parameters"
)

// NewError creates a TransportError with no queue association.
func NewError(op string, code TransportErrorCode, msg string) *TransportError {
	return &TransportError{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a TransportError scoped to a specific queue.
func NewQueueError(op string, queue int, code TransportErrorCode, msg string) *TransportError {
	return &TransportError{Op: op, Queue: queue, Code: code, Msg: msg}
}

// WrapError wraps an existing error with operation context, preserving a
// nested TransportError's code if the cause is already one.
func WrapError(op string, inner error) *TransportError {
	if inner == nil {
		return nil
	}
	if te, ok := inner.(*TransportError); ok {
		return &TransportError{Op: op, Queue: te.Queue, Code: te.Code, Msg: te.Msg, Inner: te}
	}
	return &TransportError{Op: op, Queue: -1, Code: ErrCodeBringUpFailed, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *TransportError carrying code.
func IsCode(err error, code TransportErrorCode) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// CompletionError wraps a failed command completion's status fields
// (§7: "user-visible failure is exclusively via completion status for
// request-path failures"), for a caller that wants to treat a completion
// as a Go error value. The core's own request paths report failures
// through completion callbacks and do not construct it.
type CompletionError struct {
	SCT uint8
	SC  uint8
	DNR bool
}

// Error implements the error interface.
func (e CompletionError) Error() string {
	return fmt.Sprintf("nvmepcie: completion error sct=%#x sc=%#x dnr=%t", e.SCT, e.SC, e.DNR)
}

// NewCompletionError builds a CompletionError from a decoded completion
// entry.
func NewCompletionError(cpl *wire.CompletionEntry) CompletionError {
	return CompletionError{SCT: cpl.SCT(), SC: cpl.SC(), DNR: cpl.DNR()}
}
