// Package gateway snapshots shards into a blobstore.Store and restores
// them.
//
// A snapshot pins the shard's current index commit, uploads the commit's
// files and exports the translog operations the commit does not cover.
// Index files are stored content addressed by their blake3 checksum, so a
// file shared by several snapshots is uploaded once:
//
//	indices/<checksum>        index file contents
//	translogs/<id>.tlog       uncommitted operations, translog stream format
//	snapshots/<id>.json       Manifest
//
// Restore downloads the files of a snapshot into an empty shard
// directory, verifies every checksum, opens the shard and replays the
// exported operations on it.
package gateway
