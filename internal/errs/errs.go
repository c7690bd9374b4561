// Package errs defines the structured error type shared by every dperf
// subsystem. The root package re-exports it for public use.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Code represents high-level error categories
type Code string

const (
	CodeConfig            Code = "invalid configuration"
	CodeResourceExhausted Code = "resource exhausted"
	CodeNicFatal          Code = "fatal NIC error"
	CodeBackpressureDrop  Code = "backpressure drop"
	CodePeerLost          Code = "peer connection lost"
	CodeHandshakeTimeout  Code = "handshake timeout"
)

// Error is a structured dperf error with context and errno mapping.
// Everything raised before the first barrier carries one of these up to main;
// after the event loop starts only backpressure drops are possible on the
// datapath and those are recorded in counters, never returned.
type Error struct {
	Op    string        // Operation that failed (e.g., "get_qp", "mgnt_handshake")
	WsID  int           // Workspace ID (-1 if not applicable)
	Queue int           // Queue-pair index (-1 if not applicable)
	Code  Code          // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	ctx := ""
	switch {
	case e.WsID >= 0 && e.Queue >= 0:
		ctx = fmt.Sprintf(" (op=%s ws=%d qp=%d)", e.Op, e.WsID, e.Queue)
	case e.WsID >= 0:
		ctx = fmt.Sprintf(" (op=%s ws=%d)", e.Op, e.WsID)
	case e.Op != "":
		ctx = fmt.Sprintf(" (op=%s)", e.Op)
	}
	if e.Errno != 0 {
		ctx += fmt.Sprintf(" errno=%d", int(e.Errno))
	}
	return "dperf: " + msg + ctx
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by code
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New creates a new structured error
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, WsID: -1, Queue: -1, Code: code, Msg: msg}
}

// NewWorkspace creates an error scoped to one workspace
func NewWorkspace(op string, wsID int, code Code, msg string) *Error {
	return &Error{Op: op, WsID: wsID, Queue: -1, Code: code, Msg: msg}
}

// NewQueue creates an error scoped to one (workspace, queue-pair)
func NewQueue(op string, wsID, queue int, code Code, msg string) *Error {
	return &Error{Op: op, WsID: wsID, Queue: queue, Code: code, Msg: msg}
}

// Wrap wraps an existing error with dperf context
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			WsID:  de.WsID,
			Queue: de.Queue,
			Code:  de.Code,
			Errno: de.Errno,
			Msg:   de.Msg,
			Inner: de.Inner,
		}
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, WsID: -1, Queue: -1, Code: code, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, WsID: -1, Queue: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
