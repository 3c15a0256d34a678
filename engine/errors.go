package engine

import (
	"errors"
	"fmt"

	"github.com/hupe1980/docshard/internal/version"
	"github.com/hupe1980/docshard/model"
)

var (
	// ErrEngineClosed is returned by every operation after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrEngineFailed is returned by writes after a translog failure.
	ErrEngineFailed = errors.New("engine failed")

	// ErrFlushNotAllowed is returned by Flush while a recovery runs.
	ErrFlushNotAllowed = errors.New("flush not allowed")

	// ErrTranslogFailure is matched by every *TranslogError.
	ErrTranslogFailure = errors.New("translog failure")

	// ErrRecoveryAborted is matched by every *RecoveryError.
	ErrRecoveryAborted = errors.New("recovery aborted")

	// ErrRecoveryInProgress is returned when a second recovery starts.
	ErrRecoveryInProgress = errors.New("recovery already in progress")

	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("invalid operation")

	ErrVersionConflict       = version.ErrConflict
	ErrDocumentAlreadyExists = version.ErrAlreadyExists
	ErrVersionRequired       = version.ErrVersionRequired
)

type (
	// VersionConflictError carries the current and the provided version.
	VersionConflictError = version.ConflictError

	// DocumentAlreadyExistsError reports a create against a live document.
	DocumentAlreadyExistsError = version.AlreadyExistsError
)

// TranslogError reports an operation that could not be made durable. The
// operation was not applied.
type TranslogError struct {
	Op  model.OpType
	UID model.UID
	Err error
}

func (e *TranslogError) Error() string {
	if !e.Op.Valid() {
		return fmt.Sprintf("translog: %v", e.Err)
	}
	return fmt.Sprintf("translog %s [%s]: %v", e.Op, e.UID, e.Err)
}

func (e *TranslogError) Unwrap() error { return e.Err }

func (e *TranslogError) Is(target error) bool { return target == ErrTranslogFailure }

// RecoveryError reports the phase a recovery failed in.
type RecoveryError struct {
	Phase Phase
	Err   error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed in %s: %v", e.Phase, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

func (e *RecoveryError) Is(target error) bool { return target == ErrRecoveryAborted }
