package models

import (
	"errors"
	"fmt"
)

// Domain error taxonomy. HTTP mapping lives in httpapi; the services only
// ever return these (wrapped) or infrastructure errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state for this operation")
	ErrAlreadyFinalized = errors.New("copy already finalized")
	ErrLockLost         = errors.New("lock absent or expired")
	ErrInvalidToken     = errors.New("lock token mismatch")
	ErrVersionMismatch  = errors.New("version mismatch")
	ErrSessionConflict  = errors.New("draft owned by another client session")
	ErrForbidden        = errors.New("permission denied")
	ErrDuplicateIdent   = errors.New("student already identified on another copy")
	ErrNoCorrectors     = errors.New("exam has no correctors")
	ErrTransient        = errors.New("transient infrastructure error")
)

// LockHeldError reports who owns the lock the caller failed to take.
type LockHeldError struct {
	CopyID int64
	Owner  int64
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("copy %d is locked by user %d", e.CopyID, e.Owner)
}

// ValidationError carries a safe, user-facing message.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidation(msg string) error { return &ValidationError{Msg: msg} }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ExportBlockedError lists everything that prevents a PRONOTE export.
type ExportBlockedError struct {
	Problems []string
}

func (e *ExportBlockedError) Error() string {
	return fmt.Sprintf("export blocked: %d problem(s)", len(e.Problems))
}

// RasterError wraps a failure of the external raster/flatten service.
type RasterError struct {
	Stage string // "rasterise" | "flatten"
	Err   error
}

func (e *RasterError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *RasterError) Unwrap() error { return e.Err }
