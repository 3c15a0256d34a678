package engine

import (
	"sync/atomic"

	"github.com/hupe1980/docshard/internal/segindex"
	"github.com/hupe1980/docshard/model"
)

// Searcher is a point-in-time view of the documents as of the last
// refresh. Later writes and refreshes do not change it. Release it when
// done.
type Searcher struct {
	e        *Engine
	r        *segindex.Reader
	released atomic.Bool
}

// Searcher returns a view over the last refresh.
func (e *Engine) Searcher() (*Searcher, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	e.searchers.Add(1)
	return &Searcher{e: e, r: e.index.Reader()}, nil
}

// Count returns the number of live documents.
func (s *Searcher) Count() int { return s.r.NumDocs() }

// Get returns the document for uid.
func (s *Searcher) Get(uid model.UID) (model.Document, bool) { return s.r.Get(uid) }

// Find returns the documents matching fn.
func (s *Searcher) Find(fn func(model.Document) bool) []model.Document {
	var out []model.Document
	s.r.ForEach(func(doc model.Document) bool {
		if fn(doc) {
			out = append(out, doc)
		}
		return true
	})
	return out
}

// CountMatching returns the number of documents matching fn.
func (s *Searcher) CountMatching(fn func(model.Document) bool) int {
	n := 0
	s.r.ForEach(func(doc model.Document) bool {
		if fn(doc) {
			n++
		}
		return true
	})
	return n
}

// Version increases with every refresh.
func (s *Searcher) Version() uint64 { return s.r.Version() }

// Release releases the searcher. Further calls are no-ops.
func (s *Searcher) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.e.searchers.Add(-1)
	}
}
