package version

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docshard/model"
	"github.com/spaolacci/murmur3"
)

// DefaultStripes is the default number of lock stripes.
const DefaultStripes = 256

// Controller tracks the current version of every key of a shard.
type Controller struct {
	stripes []stripe
	mask    uint32
	live    atomic.Int64
}

type stripe struct {
	mu      sync.Mutex
	records map[model.UID]Record
}

// New creates a Controller with n lock stripes, rounded up to a power of two.
func New(n int) *Controller {
	if n <= 0 {
		n = DefaultStripes
	}
	size := 1
	for size < n {
		size <<= 1
	}
	c := &Controller{
		stripes: make([]stripe, size),
		mask:    uint32(size - 1),
	}
	for i := range c.stripes {
		c.stripes[i].records = make(map[model.UID]Record)
	}
	return c
}

func (c *Controller) stripeFor(uid model.UID) *stripe {
	h := murmur3.New32()
	_, _ = h.Write([]byte(uid))
	return &c.stripes[h.Sum32()&c.mask]
}

// CheckAndAssign locks op.UID and validates op against its current record.
// On success the returned Ticket holds the lock until Commit or Abort. On
// error nothing is held and nothing changed.
func (c *Controller) CheckAndAssign(op model.Operation) (*Ticket, error) {
	s := c.stripeFor(op.UID)
	s.mu.Lock()
	cur, found := s.records[op.UID]
	assigned, err := Resolve(cur, found, op)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &Ticket{
		c:        c,
		s:        s,
		uid:      op.UID,
		prev:     cur,
		found:    found,
		assigned: assigned,
		exists:   op.Type != model.OpDelete,
	}, nil
}

// Get returns the record for uid.
func (c *Controller) Get(uid model.UID) (Record, bool) {
	s := c.stripeFor(uid)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[uid]
	return r, ok
}

// Set stores rec for uid unconditionally, unless the tracked version is
// already newer. It is used while rebuilding state from a commit and the
// translog, where every operation was validated when first accepted.
func (c *Controller) Set(uid model.UID, rec Record) {
	s := c.stripeFor(uid)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, found := s.records[uid]
	if found && prev.Version > rec.Version {
		return
	}
	c.store(s, uid, prev, found, rec)
}

func (c *Controller) store(s *stripe, uid model.UID, prev Record, found bool, rec Record) {
	s.records[uid] = rec
	switch {
	case rec.Exists && !(found && prev.Exists):
		c.live.Add(1)
	case !rec.Exists && found && prev.Exists:
		c.live.Add(-1)
	}
}

// Len returns the number of tracked keys, deleted ones included.
func (c *Controller) Len() int {
	n := 0
	for i := range c.stripes {
		s := &c.stripes[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Live returns the number of keys whose last operation was not a delete.
func (c *Controller) Live() int64 {
	return c.live.Load()
}

// Ticket is an admitted, not yet committed write. It must be finished with
// exactly one call to Commit or Abort.
type Ticket struct {
	c        *Controller
	s        *stripe
	uid      model.UID
	prev     Record
	found    bool
	assigned uint64
	exists   bool
	done     bool
}

// Version returns the version assigned to the write.
func (t *Ticket) Version() uint64 { return t.assigned }

// Found reports whether the key was tracked before this write.
func (t *Ticket) Found() bool { return t.found }

// Previous returns the record the write replaces.
func (t *Ticket) Previous() Record { return t.prev }

// Commit stores the assigned version and releases the key.
func (t *Ticket) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.c.store(t.s, t.uid, t.prev, t.found, Record{Version: t.assigned, Exists: t.exists})
	t.s.mu.Unlock()
}

// Abort releases the key without changing its record.
func (t *Ticket) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.s.mu.Unlock()
}
