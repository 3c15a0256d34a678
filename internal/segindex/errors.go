package segindex

import "errors"

var (
	// ErrClosed is returned by every operation on a closed index.
	ErrClosed = errors.New("segment index closed")

	ErrChecksumMismatch = errors.New("index file checksum mismatch")
	ErrCorrupt          = errors.New("corrupt index file")
	ErrNoCommit         = errors.New("no commit point found")
	ErrUnknownSegment   = errors.New("unknown segment")
	ErrSegmentMerging   = errors.New("segment is already merging")
)
