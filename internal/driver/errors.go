// Package driver defines the uniform storage contract implemented by every
// backend: the Driver interface, the capability tag set that gates optional
// operations, and the typed error kinds surfaced to clients.
package driver

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error category. Every failure leaving a
// driver maps to exactly one Kind; backend-specific errors never leak out.
type Kind string

// Error kinds surfaced through the API code field.
const (
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindForbidden       Kind = "FORBIDDEN"
	KindValidation      Kind = "VALIDATION"
	KindUnsupportedEnv  Kind = "DRIVER_UNSUPPORTED_ENV"
	KindReadonly        Kind = "DRIVER_READONLY"
	KindSymlinkEscape   Kind = "DRIVER_SYMLINK_ESCAPE"
	KindPathOutOfRoot   Kind = "DRIVER_PATH_OUT_OF_ROOT"
	KindUpstream        Kind = "UPSTREAM"
	KindSessionNotFound Kind = "UPLOAD_SESSION_NOT_FOUND"
	KindCancelled       Kind = "CANCELLED"
	KindInternal        Kind = "INTERNAL"
)

// Error is the typed error every driver returns. Status carries the upstream
// HTTP status for KindUpstream; Reason is an optional machine-readable
// sub-reason (e.g. PASSWORD_CHANGED under FORBIDDEN).
type Error struct {
	Kind   Kind
	Op     string // operation, e.g. "local.rename"
	Path   string // subpath or virtual path involved
	Reason string // optional sub-reason
	Status int    // upstream HTTP status, KindUpstream only
	Err    error  // wrapped cause, never shown to clients for KindInternal
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)

	if e.Path != "" {
		msg += " " + e.Path
	}

	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs a typed driver error.
func E(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Errors that are not driver errors classify as KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
