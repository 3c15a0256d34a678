package segindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docshard/internal/conv"
	"github.com/hupe1980/docshard/model"
)

const segMagic = "DOCSSEG1"

// segment is an ordered run of documents. Sealed segments never change;
// deletions are tracked beside them in bitmaps.
type segment struct {
	id   uint64
	docs []model.Document
	rows map[model.UID]uint32 // latest row per UID
}

func newSegment(id uint64) *segment {
	return &segment{id: id, rows: make(map[model.UID]uint32)}
}

func (s *segment) add(doc model.Document) uint32 {
	row := uint32(len(s.docs))
	s.docs = append(s.docs, doc)
	s.rows[doc.UID] = row
	return row
}

// segState is the writer's mutable bookkeeping around a segment.
type segState struct {
	seg      *segment
	deleted  *roaring.Bitmap
	delDirty bool

	file    FileInfo // zero until persisted
	delFile FileInfo
	delGen  uint64
}

func newSegState(seg *segment) *segState {
	return &segState{seg: seg, deleted: roaring.New()}
}

func (st *segState) live() int {
	return len(st.seg.docs) - int(st.deleted.GetCardinality())
}

func (st *segState) delete(uid model.UID) bool {
	row, ok := st.seg.rows[uid]
	if !ok || st.deleted.Contains(row) {
		return false
	}
	st.deleted.Add(row)
	st.delDirty = true
	return true
}

// Segment file layout:
// [Magic: 8] [ID: 8] [Count: 4] then per document
// [UIDLen: 4] [UID] [Version: 8] [SourceLen: 4] [Source]
func (s *segment) writeTo(w io.Writer) error {
	scratch := make([]byte, 8)
	putLen := func(n int) error {
		v, err := conv.IntToUint32(n)
		if err != nil {
			return fmt.Errorf("segment %d: %w", s.id, err)
		}
		binary.LittleEndian.PutUint32(scratch, v)
		_, err = w.Write(scratch[:4])
		return err
	}

	if _, err := io.WriteString(w, segMagic); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(scratch, s.id)
	if _, err := w.Write(scratch[:8]); err != nil {
		return err
	}
	if err := putLen(len(s.docs)); err != nil {
		return err
	}
	for _, d := range s.docs {
		if err := putLen(len(d.UID)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, string(d.UID)); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(scratch, d.Version)
		if _, err := w.Write(scratch[:8]); err != nil {
			return err
		}
		if err := putLen(len(d.Source)); err != nil {
			return err
		}
		if _, err := w.Write(d.Source); err != nil {
			return err
		}
	}
	return nil
}

func decodeSegment(data []byte) (*segment, error) {
	if len(data) < len(segMagic)+12 || string(data[:len(segMagic)]) != segMagic {
		return nil, fmt.Errorf("%w: bad segment header", ErrCorrupt)
	}
	off := len(segMagic)
	s := newSegment(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	count, err := conv.Uint32ToInt(binary.LittleEndian.Uint32(data[off:]))
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d: %w", ErrCorrupt, s.id, err)
	}
	off += 4

	s.docs = make([]model.Document, 0, min(count, (len(data)-off)/16))
	for i := 0; i < count; i++ {
		if len(data) < off+4 {
			return nil, fmt.Errorf("%w: truncated segment %d", ErrCorrupt, s.id)
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if len(data) < off+n+12 {
			return nil, fmt.Errorf("%w: truncated segment %d", ErrCorrupt, s.id)
		}
		uid := model.UID(data[off : off+n])
		off += n
		version := binary.LittleEndian.Uint64(data[off:])
		off += 8
		n = int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if len(data) < off+n {
			return nil, fmt.Errorf("%w: truncated segment %d", ErrCorrupt, s.id)
		}
		src := make([]byte, n)
		copy(src, data[off:off+n])
		off += n
		s.add(model.Document{UID: uid, Version: version, Source: src})
	}
	return s, nil
}

func decodeDeletes(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return bm, nil
}
