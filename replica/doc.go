// Package replica builds a replica shard from a running primary through
// the engine's three phase peer recovery.
//
// Target implements engine.RecoveryHandler: phase 1 copies the files of
// the pinned commit and opens the target shard on them, phases 2 and 3
// replay the primary's translog operations as replica writes, so every
// document keeps the version the primary assigned.
package replica
