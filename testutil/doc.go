// Package testutil provides testing utilities for docshard.
//
// This package is intended for use in tests and benchmarks only.
//
// # Documents
//
//	uid := testutil.UID("1")                  // "test#1"
//	op := testutil.IndexOp("1")               // index with a small JSON source
//	rng := testutil.NewRNG(seed)
//	src := rng.Source(256)                    // random JSON payload
//
// # Recovery
//
// RecordingHandler implements the engine's recovery handler, draining each
// translog snapshot and recording what it saw. Hooks run inside a phase.
package testutil
