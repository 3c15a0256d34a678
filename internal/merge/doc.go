// Package merge runs background segment merges for a shard.
//
// A Scheduler owns one loop goroutine. Schedule is a non-blocking hint:
// the loop asks its Policy for segments to merge and keeps merging until
// the policy is satisfied. Merges across all schedulers are bounded by a
// shared resource.Controller.
//
// Merging can be suspended process-wide with SetEnabled(false). The flag is
// checked right before every merge attempt; requests that arrive while it
// is off are dropped, not queued, and a merge already running completes.
//
// A merge against an index that has been closed in the meantime is not an
// error; the scheduler just stops.
package merge
