// Package errors is the error vocabulary of digest.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, details and hints from a single import:
//
//	if err := store.UpsertStatus(st); err != nil {
//	    return errors.Wrapf(err, "persist batch %d", st.Index)
//	}
//
//	return errors.WithHint(err, "check provider.base_url in am.toml")
//
// Callers classify failures with the sentinels below and errors.Is.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Details and hints
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

// Sentinels shared across packages. Wrap them to add context; errors.Is
// still matches after wrapping.
var (
	// ErrNotFound: the job, batch or subscription does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest: bad input, rejected before any state change
	ErrInvalidRequest = New("invalid request")

	// ErrConflict: the operation does not fit the current state
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable: a required collaborator is not configured
	ErrServiceUnavailable = New("service unavailable")
)

// NewNotFoundError returns an error matching ErrNotFound with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError returns an error matching ErrInvalidRequest with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}
