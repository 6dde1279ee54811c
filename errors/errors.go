// Package errors provides error handling for drover.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// On top of the re-exports it declares the sentinel kinds the scheduling core
// propagates. Two of them are special:
//
//   - ErrIntegrityViolation marks state that can no longer be trusted (an
//     ordering link set twice, a natural order recomputed to a different
//     value). Callers must stop processing the affected entity.
//   - ErrIllegalTransition marks a rejected state-machine request (denying a
//     building agent, a second kill request). Callers translate these into
//     user-facing messages; nothing is corrupted.
//
// Usage:
//
//	if err := instance.Deny(); errors.IsIllegalTransition(err) {
//	    return errors.WithHint(err, "cancel the running job first")
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
	Join         = crdb.Join
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
	FlattenHints   = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors. Wrap with errors.Wrap() to add context while preserving the
// kind; check with errors.Is().
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrForbidden indicates the caller is not allowed to perform the request
	ErrForbidden = New("forbidden")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrIllegalTransition indicates a state machine rejected the request
	ErrIllegalTransition = New("illegal state transition")

	// ErrIntegrityViolation indicates internal state would become inconsistent
	ErrIntegrityViolation = New("integrity violation")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsIllegalTransition checks if an error is or wraps ErrIllegalTransition
func IsIllegalTransition(err error) bool {
	return err != nil && Is(err, ErrIllegalTransition)
}

// IsIntegrityViolation checks if an error is or wraps ErrIntegrityViolation
func IsIntegrityViolation(err error) bool {
	return err != nil && Is(err, ErrIntegrityViolation)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewIllegalTransitionf creates an illegal-transition error with a formatted message
func NewIllegalTransitionf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrIllegalTransition)
}

// NewIntegrityViolationf creates an integrity-violation error with a formatted message
func NewIntegrityViolationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrIntegrityViolation)
}
