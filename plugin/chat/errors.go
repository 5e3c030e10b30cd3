package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures surfaced by the sync engine.
type ErrorKind string

const (
	// ErrValidation indicates malformed input, such as an empty message.
	ErrValidation ErrorKind = "VALIDATION_FAILURE"
	// ErrUnauthorized indicates the session is not authenticated.
	ErrUnauthorized ErrorKind = "UNAUTHORIZED"
	// ErrNotFound indicates the conversation is missing or owned by someone else.
	ErrNotFound ErrorKind = "NOT_FOUND"
	// ErrTransport indicates a network or server failure during persistence.
	ErrTransport ErrorKind = "TRANSPORT_FAILURE"
	// ErrStream indicates the generation failed mid-stream.
	ErrStream ErrorKind = "STREAM_FAILURE"
)

// Error is a structured error carrying an ErrorKind.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

func ValidationError(msg string) *Error {
	return &Error{Kind: ErrValidation, Message: msg}
}

func UnauthorizedError(msg string) *Error {
	return &Error{Kind: ErrUnauthorized, Message: msg}
}

func NotFoundError(id string) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("conversation not found: %s", id)}
}

func TransportError(msg string, cause error) *Error {
	return &Error{Kind: ErrTransport, Message: msg, Cause: cause}
}

func StreamError(cause error) *Error {
	return &Error{Kind: ErrStream, Message: "generation failed", Cause: cause}
}

// KindOf extracts the kind from any error in the chain.
// Errors that carry no kind are reported as transport failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrTransport
}

// IsKind checks if an error is of a specific kind.
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
