package segindex

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// MergeResult describes a finished merge.
type MergeResult struct {
	Sources []uint64
	Target  uint64
	Docs    int // documents in the merged segment
	Dropped int // deleted documents reclaimed
}

// Merge rewrites the given sealed segments into one. Documents deleted
// before the merge started are dropped; deletes that arrive while it runs
// are carried over to the merged segment. The merged segment replaces its
// sources in memory and reaches disk with the next commit.
func (x *Index) Merge(ctx context.Context, ids []uint64) (MergeResult, error) {
	if len(ids) == 0 {
		return MergeResult{}, nil
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return MergeResult{}, ErrClosed
	}
	sources := make([]*segState, 0, len(ids))
	for _, id := range ids {
		st := x.findLocked(id)
		if st == nil {
			x.mu.Unlock()
			return MergeResult{}, fmt.Errorf("%w: %d", ErrUnknownSegment, id)
		}
		if _, ok := x.merging[id]; ok {
			x.mu.Unlock()
			return MergeResult{}, fmt.Errorf("%w: %d", ErrSegmentMerging, id)
		}
		sources = append(sources, st)
	}
	segs := make([]*segment, len(sources))
	startDeletes := make([]*roaring.Bitmap, len(sources))
	for i, st := range sources {
		x.merging[st.seg.id] = struct{}{}
		segs[i] = st.seg
		startDeletes[i] = st.deleted.Clone()
	}
	target := newSegment(x.nextSegID)
	x.nextSegID++
	x.mu.Unlock()

	release := func() {
		for _, s := range segs {
			delete(x.merging, s.id)
		}
	}

	// Copy live documents without holding the lock. rowMap[i][old] is the
	// row in target, or -1 when the document was already deleted.
	res := MergeResult{Sources: append([]uint64(nil), ids...), Target: target.id}
	rowMap := make([][]int32, len(segs))
	for i, s := range segs {
		if err := ctx.Err(); err != nil {
			x.mu.Lock()
			release()
			x.mu.Unlock()
			return MergeResult{}, err
		}
		rowMap[i] = make([]int32, len(s.docs))
		for row, doc := range s.docs {
			if startDeletes[i].Contains(uint32(row)) {
				rowMap[i][row] = -1
				res.Dropped++
				continue
			}
			rowMap[i][row] = int32(target.add(doc))
		}
	}
	res.Docs = len(target.docs)
	if x.afterMergeCopy != nil {
		x.afterMergeCopy()
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	release()
	if x.closed {
		return MergeResult{}, ErrClosed
	}

	merged := newSegState(target)
	for i, st := range sources {
		late := roaring.AndNot(st.deleted, startDeletes[i])
		it := late.Iterator()
		for it.HasNext() {
			if newRow := rowMap[i][it.Next()]; newRow >= 0 {
				merged.deleted.Add(uint32(newRow))
			}
		}
	}
	merged.delDirty = !merged.deleted.IsEmpty()
	x.replaceLocked(sources, merged)
	x.dirty = true

	x.logger.Debug("segments merged", "sources", ids, "target", target.id, "docs", res.Docs, "dropped", res.Dropped)
	return res, nil
}

func (x *Index) findLocked(id uint64) *segState {
	for _, st := range x.segments {
		if st.seg.id == id {
			return st
		}
	}
	return nil
}

// replaceLocked swaps sources for merged, keeping merged at the position
// of the first source.
func (x *Index) replaceLocked(sources []*segState, merged *segState) {
	drop := make(map[*segState]struct{}, len(sources))
	for _, st := range sources {
		drop[st] = struct{}{}
	}
	out := make([]*segState, 0, len(x.segments)-len(sources)+1)
	placed := false
	for _, st := range x.segments {
		if _, ok := drop[st]; ok {
			if !placed {
				out = append(out, merged)
				placed = true
			}
			continue
		}
		out = append(out, st)
	}
	x.segments = out
}
