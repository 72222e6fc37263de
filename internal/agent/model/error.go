package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies LLM Client failures per the error-handling design:
// config (missing key/model/url), transport (network), or upstream (non-2xx).
type ErrorKind string

const (
	// ErrorKindConfig marks a missing configuration value.
	ErrorKindConfig ErrorKind = "config"
	// ErrorKindTransport marks a network failure reaching the provider.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindUpstream marks a non-2xx response from the provider.
	ErrorKindUpstream ErrorKind = "upstream"
)

// Error describes a failure raised by the LLM Client. It is intended to
// cross package boundaries so the Turn Driver can decide whether to retry,
// fail the turn, or surface a short configuration error to the user.
type Error struct {
	Kind      ErrorKind
	Provider  string
	Message   string
	Retryable bool
	cause     error
}

// NewError constructs an Error of the given kind.
func NewError(kind ErrorKind, provider, message string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Retryable: retryable, cause: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

// Unwrap returns the underlying cause, preserving the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// AsError returns the first *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
