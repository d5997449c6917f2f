// Package apperr defines the error taxonomy shared by the auth gate, the
// analytics engine and the HTTP layer. Every error carries the collaborator
// that failed so responses can be triaged without reading logs.
package apperr

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies a failure independently of where it happened.
type Kind int

const (
	Internal Kind = iota
	AuthInvalid
	KeySetUnavailable
	Forbidden
	ValidationFailed
	BackendUnavailable
	QueryExecutionFailed
	DependencyUnavailable
	NotFound
)

var kindNames = map[Kind]string{
	Internal:              "internal_error",
	AuthInvalid:           "auth_invalid",
	KeySetUnavailable:     "key_set_unavailable",
	Forbidden:             "forbidden",
	ValidationFailed:      "validation_failed",
	BackendUnavailable:    "backend_unavailable",
	QueryExecutionFailed:  "query_execution_failed",
	DependencyUnavailable: "dependency_unavailable",
	NotFound:              "not_found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a caller may reasonably retry the operation.
func (k Kind) Retryable() bool {
	switch k {
	case BackendUnavailable, KeySetUnavailable, DependencyUnavailable:
		return true
	}
	return false
}

// Source names the collaborator responsible for a failure.
type Source string

const (
	SourceRequest          Source = "request"
	SourceIdentityProvider Source = "identity-provider"
	SourceSearchBackend    Source = "search-backend"
	SourceMembershipStore  Source = "membership-store"
	SourceInternal         Source = "internal"
)

// Violation is a single field-level validation problem.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Source  Source
	Message string
	Details []any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error without an underlying cause.
func New(kind Kind, source Source, message string) *Error {
	return &Error{Kind: kind, Source: source, Message: message}
}

// Wrap attaches a kind and source to err. The cause keeps a stack trace so
// 5xx responses can be logged with the original call site.
func Wrap(kind Kind, source Source, err error, message string) *Error {
	if err == nil {
		return New(kind, source, message)
	}
	return &Error{Kind: kind, Source: source, Message: message, Err: goerrors.Wrap(err, 1)}
}

// Validation builds a ValidationFailed error carrying every violation.
func Validation(message string, violations []Violation) *Error {
	details := make([]any, 0, len(violations))
	for _, v := range violations {
		details = append(details, v)
	}
	return &Error{Kind: ValidationFailed, Source: SourceRequest, Message: message, Details: details}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, Internal when err is not classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Stack returns the captured stack trace of err's cause, or its message.
func Stack(err error) string {
	if err == nil {
		return ""
	}
	var ge *goerrors.Error
	if errors.As(err, &ge) {
		return ge.ErrorStack()
	}
	return err.Error()
}
