package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a control-plane failure. It is not a type
// hierarchy: callers switch on Kind rather than type-asserting.
type ErrorKind string

const (
	ErrNotFound         ErrorKind = "not_found"
	ErrDuplicateType    ErrorKind = "duplicate_type"
	ErrUnknownTool      ErrorKind = "unknown_tool"
	ErrUnknownAgentType ErrorKind = "unknown_agent_type"
	ErrPoolExhausted    ErrorKind = "pool_exhausted"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrIllegalState     ErrorKind = "illegal_state"
	ErrRestoreFailed    ErrorKind = "restore_failed"
)

// Error is the structured error every control-plane operation returns.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err if it is (or wraps) an *Error,
// or "" otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
