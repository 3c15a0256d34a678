// Package version implements optimistic concurrency control over per-document
// versions.
//
// A [Controller] maps every tracked UID to its current [Record]. Deleted
// documents keep their record (Exists=false) so that stale writes against a
// deleted key are still rejected.
//
// Writers go through a [Ticket]:
//
//	t, err := ctrl.CheckAndAssign(op) // locks the key's stripe and validates op
//	if err != nil { ... }              // conflict: nothing was changed
//	if _, err := log.Add(op); err != nil {
//	    t.Abort()                      // record untouched
//	    return err
//	}
//	t.Commit()                         // record updated, stripe unlocked
//
// The stripe lock is held from validation until Commit/Abort, which
// linearizes all writers of the same key with their translog appends.
// Different keys map to different stripes (murmur3 of the UID) and proceed
// in parallel.
package version
