package tools

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the error categories from the error-handling design:
// each kind has a distinct recovery and user-visible behavior, spanning the
// LLM Client, Planner, Executor, and Reviewer.
type ErrorKind string

const (
	// KindConfig marks a missing configuration value (model, base URL, key).
	KindConfig ErrorKind = "config"
	// KindTransport marks a network failure talking to the LLM provider.
	KindTransport ErrorKind = "transport"
	// KindUpstream marks a non-2xx response from the LLM provider.
	KindUpstream ErrorKind = "upstream"
	// KindPlanParse marks a Planner JSON parse failure.
	KindPlanParse ErrorKind = "plan_parse"
	// KindMissingSkill marks a plan step naming a skill absent from the Registry.
	KindMissingSkill ErrorKind = "missing_skill"
	// KindSkillTimeout marks a skill invocation that exceeded its deadline.
	KindSkillTimeout ErrorKind = "skill_timeout"
	// KindSkillRuntime marks a skill that executed but reported failure.
	KindSkillRuntime ErrorKind = "skill_runtime"
	// KindReviewExhausted marks exhaustion of the Turn Driver's round budget.
	KindReviewExhausted ErrorKind = "review_exhausted"
	// KindCancelled marks a user- or deadline-initiated cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// ToolError is a structured failure that preserves message, kind, and causal
// context while still implementing the standard error interface. Errors may
// be nested via Cause to retain diagnostics across retries and replans, and
// the chain supports errors.Is/As through Unwrap.
type ToolError struct {
	// Kind classifies the failure per the error-handling design table.
	Kind ErrorKind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, if any.
	Cause *ToolError
}

// New constructs a ToolError of the given kind with the provided message.
func New(kind ErrorKind, message string) *ToolError {
	if message == "" {
		message = string(kind)
	}
	return &ToolError{Kind: kind, Message: message}
}

// Errorf formats according to a format specifier and returns a ToolError of
// the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *ToolError {
	return New(kind, fmt.Sprintf(format, args...))
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so kind and message survive
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(kind ErrorKind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Kind: kind, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain, preserving an
// existing ToolError's Kind when one is found in the chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
