// Package conv provides safe integer type conversion utilities.
//
// Segment files store lengths and counts as uint32. These helpers bound
// check the conversion on write and on read of untrusted file contents.
//
// For conversions that are provably safe by domain constraints (e.g., loop
// indices, bounded counters), use direct type casts instead.
package conv
