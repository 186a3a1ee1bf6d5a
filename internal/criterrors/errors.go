// Package criterrors defines the error taxonomy shared by the review core.
// Components other than the Git accessor propagate errors unchanged; the
// accessor classifies process failures at its boundary.
package criterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the error categories callers may branch on.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
	KindDelayed          Kind = "delayed"
	KindConflict         Kind = "conflict"
	KindPermissionDenied Kind = "permission_denied"
	KindTransaction      Kind = "transaction"
	KindExternal         Kind = "external"
	KindSchema           Kind = "schema"
)

// Error carries a kind, a human message and optionally the offending value.
type Error struct {
	Kind    Kind
	Message string
	Value   string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithValue attaches the offending value (a sha1, a ref, a pattern).
func (e *Error) WithValue(value string) *Error {
	e.Value = value
	return e
}

// Wrap keeps the cause reachable through errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// IsKind reports whether err or any wrapped error has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func InvalidInput(message, value string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message, Value: value}
}

func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Delayed reports an artifact that is not yet computed. The reason lets the
// caller subscribe to the right completion event before retrying.
type DelayedError struct {
	Reason string
}

func (e *DelayedError) Error() string { return "delayed: " + e.Reason }

// IsDelayed reports whether err indicates a not-yet-computed artifact.
func IsDelayed(err error) bool {
	var d *DelayedError
	if errors.As(err, &d) {
		return true
	}
	return IsKind(err, KindDelayed)
}

// GitProcessError reports a failed git invocation with its captured output.
type GitProcessError struct {
	Argv       []string
	ReturnCode int
	Stdout     string
	Stderr     string
}

func (e *GitProcessError) Error() string {
	return fmt.Sprintf("git process failed (exit %d): %s: %s",
		e.ReturnCode, strings.Join(e.Argv, " "), strings.TrimSpace(e.Stderr))
}
