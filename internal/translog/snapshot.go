package translog

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/model"
)

// part is the slice of one generation a snapshot covers.
type part struct {
	gen        *generation
	start, end int64
	ops        int
}

// Snapshot is a forward-only cursor over the operations that existed when
// it was taken. It holds its generations on disk until Release.
type Snapshot struct {
	t     *Translog
	parts []part
	total int
	end   Position

	mu       sync.Mutex
	idx      int
	read     int
	partRead int
	f        fs.File
	r        *bufio.Reader
	offset   int64
	released bool
}

// Snapshot captures every operation not covered by an index commit.
func (t *Translog) Snapshot() (*Snapshot, error) {
	return t.snapshot(Position{}, false)
}

// SnapshotAfter captures every operation written after pos, typically the
// End of an earlier snapshot. The generation of pos must still be on disk,
// which holds while the earlier snapshot is unreleased.
func (t *Translog) SnapshotAfter(pos Position) (*Snapshot, error) {
	return t.snapshot(pos, true)
}

func (t *Translog) snapshot(pos Position, after bool) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.lastErr != nil {
		return nil, t.lastErr
	}

	s := &Snapshot{t: t}
	found := !after
	for _, g := range t.gens {
		p := part{gen: g, start: fileHeaderSize, end: g.size, ops: g.ops}
		switch {
		case after && g.id < pos.Generation:
			continue
		case after && g.id == pos.Generation:
			found = true
			p.start = pos.Offset
			p.ops = g.ops - pos.Op
		case !after && g.id < t.committed:
			continue
		}
		g.refs++
		s.parts = append(s.parts, p)
		s.total += p.ops
	}
	if !found {
		for _, p := range s.parts {
			p.gen.refs--
		}
		return nil, ErrGenerationGone
	}

	cur := t.current()
	s.end = Position{Generation: cur.id, Offset: cur.size, Op: cur.ops}
	return s, nil
}

// Len returns the number of operations in the snapshot.
func (s *Snapshot) Len() int { return s.total }

// End returns the position right after the last captured operation.
func (s *Snapshot) End() Position { return s.end }

// HasNext reports whether Next will return another operation.
func (s *Snapshot) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.released && s.read < s.total
}

// Next returns the next operation. It returns io.EOF when the snapshot is
// exhausted.
func (s *Snapshot) Next() (model.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return model.Operation{}, ErrClosed
	}
	if s.read >= s.total {
		return model.Operation{}, io.EOF
	}

	for s.r == nil || s.partRead >= s.parts[s.idx].ops {
		if s.r != nil {
			s.closeFile()
			s.idx++
		}
		if err := s.openPart(); err != nil {
			return model.Operation{}, err
		}
	}

	op, n, err := decodeFrame(s.r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return model.Operation{}, err
	}
	s.offset += n
	s.partRead++
	s.read++
	return op, nil
}

func (s *Snapshot) openPart() error {
	p := s.parts[s.idx]
	f, err := s.t.fs.OpenFile(p.gen.path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.Seek(p.start, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	s.f = f
	s.r = bufio.NewReader(io.LimitReader(f, p.end-p.start))
	s.offset = p.start
	s.partRead = 0
	return nil
}

func (s *Snapshot) closeFile() {
	if s.f != nil {
		_ = s.f.Close()
	}
	s.f = nil
	s.r = nil
}

// Release frees the snapshot's generations. It is safe to call more than
// once.
func (s *Snapshot) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.closeFile()
	s.mu.Unlock()

	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range s.parts {
		p.gen.refs--
	}
	t.trimLocked()
}
