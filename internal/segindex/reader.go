package segindex

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/model"
)

// Reader is an immutable point-in-time view of the index. It is safe for
// concurrent use.
type Reader struct {
	views   []segView
	numDocs int
	maxDoc  int
	version uint64
}

type segView struct {
	seg     *segment
	deleted *roaring.Bitmap
}

func newReader(states []*segState, version uint64) *Reader {
	r := &Reader{views: make([]segView, 0, len(states)), version: version}
	for _, st := range states {
		r.views = append(r.views, segView{seg: st.seg, deleted: st.deleted.Clone()})
		r.numDocs += st.live()
		r.maxDoc += len(st.seg.docs)
	}
	return r
}

// Version increases with every refresh that produced this reader.
func (r *Reader) Version() uint64 { return r.version }

// NumDocs returns the number of live documents.
func (r *Reader) NumDocs() int { return r.numDocs }

// MaxDoc returns the number of documents including deleted ones.
func (r *Reader) MaxDoc() int { return r.maxDoc }

// NumSegments returns the number of segments in the view.
func (r *Reader) NumSegments() int { return len(r.views) }

// Get returns the live document for uid.
func (r *Reader) Get(uid model.UID) (model.Document, bool) {
	for i := len(r.views) - 1; i >= 0; i-- {
		v := r.views[i]
		row, ok := v.seg.rows[uid]
		if ok && !v.deleted.Contains(row) {
			return v.seg.docs[row], true
		}
	}
	return model.Document{}, false
}

// ForEach calls fn for every live document until fn returns false.
func (r *Reader) ForEach(fn func(model.Document) bool) {
	for _, v := range r.views {
		for row, doc := range v.seg.docs {
			if v.deleted.Contains(uint32(row)) {
				continue
			}
			if !fn(doc) {
				return
			}
		}
	}
}

// ReadCommit opens a reader over the files of c. It fails if any of the
// files is missing or does not match its recorded checksum.
func ReadCommit(fsys fs.FileSystem, dir string, c Commit) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	states, err := loadSegments(fsys, dir, c.Segments())
	if err != nil {
		return nil, err
	}
	return newReader(states, 0), nil
}

func loadSegments(fsys fs.FileSystem, dir string, infos []SegmentInfo) ([]*segState, error) {
	states := make([]*segState, 0, len(infos))
	for _, info := range infos {
		data, err := readFile(fsys, dir, info.File)
		if err != nil {
			return nil, err
		}
		seg, err := decodeSegment(data)
		if err != nil {
			return nil, err
		}
		st := newSegState(seg)
		st.file = info.File
		if info.DelFile != nil {
			data, err := readFile(fsys, dir, *info.DelFile)
			if err != nil {
				return nil, err
			}
			if st.deleted, err = decodeDeletes(data); err != nil {
				return nil, err
			}
			st.delFile = *info.DelFile
			st.delGen = info.DelGen
		}
		states = append(states, st)
	}
	return states, nil
}
