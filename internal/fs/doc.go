// Package fs provides the filesystem abstraction used by the translog and the
// segment index.
//
// The package defines two interfaces:
//
//   - [File]: an open file with read/write/sync capabilities
//   - [FileSystem]: open, remove, rename, list and directory sync
//
// # Implementations
//
//   - [LocalFS]: production implementation on top of the os package
//   - [FaultyFS]: fault injection wrapper for tests (failed writes, syncs, closes)
//
// Production code uses fs.Default. Tests inject a [FaultyFS]:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.SetFault("translog-", fs.Fault{FailOnSync: true})
//
// Faults are resolved on every call, so a rule added after a file was opened
// still applies to that file.
//
// Filesystem calls take no context.Context: local syscalls are not
// interruptible, and slow remote storage goes through the blobstore package.
package fs
