package catalog

import (
	"fmt"
)

// Kind classifies a structured Error so transport adapters can map it to
// their own status codes without string matching.
type Kind string

// Error kinds. The HTTP adapter maps these onto status codes; see
// internal/api.
const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not-found"
	KindAlreadyExists   Kind = "already-exists"
	KindConflict        Kind = "conflict"
	KindTooManyRequests Kind = "too-many-requests"
	KindInternal        Kind = "internal"
)

// Error is the structured error crossing component boundaries. Kind drives
// transport mapping, Code is the machine-readable tag surfaced to clients as
// the "error" context key, and Detail carries extra context such as the
// offending version record or the list of missing tables.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Detail  map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation builds a KindValidation error.
func NewValidation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NewNotFound builds a KindNotFound error.
func NewNotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// NewAlreadyExists builds a KindAlreadyExists error.
func NewAlreadyExists(code, message string) *Error {
	return &Error{Kind: KindAlreadyExists, Code: code, Message: message}
}

// NewConflict builds a KindConflict error.
func NewConflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// NewTooManyRequests builds a KindTooManyRequests error.
func NewTooManyRequests(code, message string) *Error {
	return &Error{Kind: KindTooManyRequests, Code: code, Message: message}
}

// NewInternal builds a KindInternal error wrapping cause. The cause is kept
// for logs; clients only ever see the message.
func NewInternal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: message, Err: cause}
}
