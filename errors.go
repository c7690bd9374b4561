package dperf

import "github.com/dperf-io/dperf/internal/errs"

// Error is the structured error type every setup failure surfaces as.
type Error = errs.Error

// ErrorCode represents high-level error categories.
type ErrorCode = errs.Code

const (
	ErrCodeConfig            = errs.CodeConfig
	ErrCodeResourceExhausted = errs.CodeResourceExhausted
	ErrCodeNicFatal          = errs.CodeNicFatal
	ErrCodeBackpressureDrop  = errs.CodeBackpressureDrop
	ErrCodePeerLost          = errs.CodePeerLost
	ErrCodeHandshakeTimeout  = errs.CodeHandshakeTimeout
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return errs.New(op, code, msg)
}

// NewWorkspaceError creates an error scoped to one workspace.
func NewWorkspaceError(op string, wsID int, code ErrorCode, msg string) *Error {
	return errs.NewWorkspace(op, wsID, code, msg)
}

// NewQueueError creates an error scoped to one (workspace, queue-pair).
func NewQueueError(op string, wsID, queue int, code ErrorCode, msg string) *Error {
	return errs.NewQueue(op, wsID, queue, code, msg)
}

// WrapError wraps an existing error with dperf context.
func WrapError(op string, code ErrorCode, inner error) *Error {
	return errs.Wrap(op, code, inner)
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return errs.IsCode(err, code)
}
