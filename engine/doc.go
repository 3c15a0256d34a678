// Package engine is the per-shard document storage engine.
//
// The engine ties together four pieces:
//   - a version map that admits or rejects every write (internal/version)
//   - a translog that makes each admitted write durable (internal/translog)
//   - a segment index that holds the documents (internal/segindex)
//   - a merge scheduler that compacts segments in the background (internal/merge)
//
// # Write path
//
// Create, Index and Delete check the requested version and reserve the new
// one on a per-key stripe, append the operation to the translog, apply it to
// the index and only then publish the version. A failed append rolls the
// reservation back, so the version map never runs ahead of the translog.
//
// # Visibility and durability
//
// Writes become visible to searchers on Refresh. Flush commits the index and
// rolls the translog to a new generation; generations covered by the commit
// are removed once no translog snapshot holds them. Opening an existing
// shard replays the generations its last commit does not cover.
//
// # Snapshots and recovery
//
// Snapshot pins the current commit and captures a translog snapshot for the
// duration of a callback without blocking writers. Recover drives the
// three-phase peer recovery: the pinned commit's files, then the operations
// accepted while they were copied, then the operations accepted during that
// replay. Flush is refused while a recovery runs.
package engine
