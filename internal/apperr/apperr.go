// Package apperr defines the error kinds the core pipeline propagates,
// per the orchestrator's error handling design: ScopeRejection surfaces
// as a terminal success path, ValidationError/ConflictError surface
// unchanged to callers, Transient is swallowed with stage-local
// fallback, Fatal propagates to the orchestrator's top-level handler.
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags the five error categories of the error handling design.
type Kind string

const (
	KindScopeRejection Kind = "scope_rejection"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindTransient      Kind = "transient"
	KindFatal          Kind = "fatal"
)

// Error wraps an underlying cause with a Kind and a caller-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func ScopeRejection(msg string) error        { return newErr(KindScopeRejection, msg, nil) }
func Validation(msg string) error            { return newErr(KindValidation, msg, nil) }
func Conflict(msg string) error              { return newErr(KindConflict, msg, nil) }
func Transient(msg string, err error) error  { return newErr(KindTransient, msg, err) }
func Fatal(msg string, err error) error      { return newErr(KindFatal, msg, err) }

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
