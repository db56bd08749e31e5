// Package fault defines the error taxonomy shared by the coordination
// subsystems. Callers branch on the Kind of an error rather than on
// sentinel values owned by individual packages.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for cross-component handling.
type Kind string

const (
	// NotFound indicates an unknown session, pool, team, or agent.
	NotFound Kind = "not_found"
	// Forbidden indicates an auth or workspace mismatch.
	Forbidden Kind = "forbidden"
	// ResourceExhausted indicates no pool capacity remains.
	ResourceExhausted Kind = "resource_exhausted"
	// Unavailable indicates no eligible agent could be selected.
	Unavailable Kind = "unavailable"
	// InvalidState indicates the operation is not valid for the
	// current lifecycle state.
	InvalidState Kind = "invalid_state"
	// ExternalFailure indicates a downstream collaborator call failed.
	ExternalFailure Kind = "external_failure"
)

// Error is a classified error carrying the resource it concerns.
type Error struct {
	Kind     Kind
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Resource)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error for a resource.
func New(kind Kind, resource string) error {
	return &Error{Kind: kind, Resource: resource}
}

// Newf creates a classified error with a formatted resource description.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Resource: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, resource string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Resource: resource, Err: err}
}

// Is reports whether err (or anything it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or the empty string for unclassified
// errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
