// Package segindex is the segment index the engine stores documents in.
//
// Writes go to an in-memory buffer. Refresh seals the buffer into an
// immutable segment and publishes a new point-in-time Reader. Commit
// persists every segment not yet on disk, writes the delete bitmaps that
// changed, and records the set in a commit point file segments_<gen>.
//
// Files on disk:
//
//	_<seg>.seg            documents of one segment (immutable)
//	_<seg>_<delgen>.del   roaring bitmap of deleted rows
//	segments_<gen>        JSON commit point with blake3 checksums
//
// Files are reference counted across the commit points still alive. A
// DeletionPolicy decides which commit points to drop after every commit;
// a file is removed from disk once no remaining commit references it.
// Merges replace segments in memory only, so files of merged-away segments
// live on for as long as some commit point still names them.
package segindex
