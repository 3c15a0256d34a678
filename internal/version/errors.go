package version

import (
	"errors"
	"fmt"

	"github.com/hupe1980/docshard/model"
)

var (
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("version conflict")

	// ErrAlreadyExists is matched by every *AlreadyExistsError.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrVersionRequired is returned when external or replica operations
	// arrive without a version.
	ErrVersionRequired = errors.New("version required")
)

// ConflictError reports a requested version that does not fit the current one.
type ConflictError struct {
	UID      model.UID
	Current  uint64 // 0 when the key is not tracked
	Provided uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict for [%s]: current [%d], provided [%d]", e.UID, e.Current, e.Provided)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// AlreadyExistsError reports a create against a live document.
type AlreadyExistsError struct {
	UID model.UID
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("document [%s] already exists", e.UID)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }
