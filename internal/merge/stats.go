package merge

import (
	"sync/atomic"
	"time"
)

// Stats aggregates merge counters across every scheduler created for a
// shard. It is safe for concurrent use and is usually shared by pointer.
type Stats struct {
	total   atomic.Int64
	current atomic.Int64
	failed  atomic.Int64
	docs    atomic.Int64
	dropped atomic.Int64
	nanos   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Total       int64 // merges finished, successful or not
	Current     int64 // merges running now
	Failed      int64
	Docs        int64 // documents written by merges
	DroppedDocs int64 // deleted documents reclaimed
	Time        time.Duration
}

func (s *Stats) begin() time.Time {
	s.current.Add(1)
	return time.Now()
}

func (s *Stats) end(start time.Time, docs, dropped int, err error) {
	s.current.Add(-1)
	s.total.Add(1)
	s.nanos.Add(int64(time.Since(start)))
	if err != nil {
		s.failed.Add(1)
		return
	}
	s.docs.Add(int64(docs))
	s.dropped.Add(int64(dropped))
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Total:       s.total.Load(),
		Current:     s.current.Load(),
		Failed:      s.failed.Load(),
		Docs:        s.docs.Load(),
		DroppedDocs: s.dropped.Load(),
		Time:        time.Duration(s.nanos.Load()),
	}
}
