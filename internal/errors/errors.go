// Package errors re-exports github.com/cockroachdb/errors and declares the
// sentinel errors shared by the store, the import pipeline and the query layer.
//
// Wrap sentinels with Wrap/Mark to add context while keeping Is() checks working:
//
//	return errors.Mark(errors.Newf("unknown column %q", col), errors.ErrInvalidQuery)
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark
)

var (
	Is          = crdb.Is
	IsAny       = crdb.IsAny
	As          = crdb.As
	Unwrap      = crdb.Unwrap
	UnwrapAll   = crdb.UnwrapAll
	GetAllHints = crdb.GetAllHints
)

var (
	// ErrNotFound indicates the requested record, dataset or transaction does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidQuery marks user-facing query validation failures. Their message is
	// returned to the caller verbatim.
	ErrInvalidQuery = New("invalid query")

	// ErrUnsupported marks a query or diff that names a data type the engine does not handle.
	ErrUnsupported = New("unsupported")

	// ErrDuplicateGid is raised when a gid would be open twice within its scope.
	ErrDuplicateGid = New("duplicate gid")

	// ErrInvariant marks a violation of the versioning rules (closing a closed record,
	// an empty interval, cloning an open record).
	ErrInvariant = New("version invariant violated")

	// ErrForbidden indicates the caller may not read a private dataset.
	ErrForbidden = New("forbidden")
)

// Invalidf builds a user-facing validation error carrying ErrInvalidQuery.
func Invalidf(format string, args ...any) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrInvalidQuery)
}
