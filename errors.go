package docshard

import (
	"errors"

	"github.com/hupe1980/docshard/engine"
)

var (
	// ErrNotFound is returned by Get when the shard holds no live document
	// for the uid.
	ErrNotFound = errors.New("document not found")

	// ErrClosed is returned by operations on a closed shard.
	ErrClosed = engine.ErrEngineClosed

	// ErrVersionConflict is returned when a requested version does not fit
	// the current one.
	ErrVersionConflict = engine.ErrVersionConflict

	// ErrDocumentAlreadyExists is returned by Create for a live document.
	ErrDocumentAlreadyExists = engine.ErrDocumentAlreadyExists

	// ErrVersionRequired is returned by external or replica writes without
	// a version.
	ErrVersionRequired = engine.ErrVersionRequired

	// ErrFlushNotAllowed is returned by Flush while a recovery runs.
	ErrFlushNotAllowed = engine.ErrFlushNotAllowed

	// ErrRecoveryAborted matches every recovery failure.
	ErrRecoveryAborted = engine.ErrRecoveryAborted
)

// VersionConflictError and DocumentAlreadyExistsError carry the uid and
// versions involved. Use errors.As.
type (
	VersionConflictError       = engine.VersionConflictError
	DocumentAlreadyExistsError = engine.DocumentAlreadyExistsError
)
