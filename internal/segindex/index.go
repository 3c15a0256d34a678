package segindex

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/model"
)

// Options configures an Index.
type Options struct {
	FS             fs.FileSystem
	DeletionPolicy DeletionPolicy
	Logger         *slog.Logger
}

// DefaultOptions returns options with the local file system and a policy
// that keeps only the newest commit.
func DefaultOptions() Options {
	return Options{
		FS:             fs.Default,
		DeletionPolicy: KeepOnlyLastCommit{},
	}
}

// Index is the writer side of a segment index.
type Index struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	dir    string
	policy DeletionPolicy
	logger *slog.Logger

	nextSegID uint64
	segments  []*segState
	buffer    *segState

	commits []*commitPoint // live, oldest first
	deleter *deleter
	dirty   bool

	merging   map[uint64]struct{}
	reader    *Reader
	refreshes uint64
	closed    bool

	afterMergeCopy func() // test hook
}

// Open opens the index in dir, loading its newest commit. An empty
// directory gets an initial empty commit.
func Open(dir string, opts Options) (*Index, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.DeletionPolicy == nil {
		opts.DeletionPolicy = KeepOnlyLastCommit{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	logger := opts.Logger.With("component", "segindex")
	x := &Index{
		fs:        opts.FS,
		dir:       dir,
		policy:    opts.DeletionPolicy,
		logger:    logger,
		nextSegID: 1,
		deleter:   newDeleter(opts.FS, dir, logger),
		merging:   make(map[uint64]struct{}),
	}

	commits, err := x.loadCommits()
	if err != nil {
		return nil, err
	}

	if len(commits) == 0 {
		x.reader = newReader(nil, 0)
		if _, err := x.commitLocked(nil); err != nil {
			return nil, fmt.Errorf("initial commit: %w", err)
		}
		return x, nil
	}

	last := commits[len(commits)-1]
	x.segments, err = loadSegments(x.fs, dir, last.data.Segments)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", last.SegmentsFileName(), err)
	}
	x.nextSegID = last.data.NextSegmentID
	x.commits = commits
	for _, c := range commits {
		x.deleter.incRef(c.FileNames())
	}
	if err := x.applyPolicy(true); err != nil {
		return nil, err
	}
	if err := x.deleter.sweep(); err != nil {
		return nil, err
	}
	x.reader = newReader(x.segments, 0)

	logger.Debug("index opened", "generation", last.Generation(), "segments", len(x.segments), "docs", x.reader.NumDocs())
	return x, nil
}

func (x *Index) loadCommits() ([]*commitPoint, error) {
	entries, err := x.fs.ReadDir(x.dir)
	if err != nil {
		return nil, err
	}
	var gens []uint64
	for _, e := range entries {
		if gen, ok := parseSegmentsFileName(e.Name()); ok {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	commits := make([]*commitPoint, 0, len(gens))
	for i, gen := range gens {
		cp, err := readCommitPoint(x.fs, x.dir, SegmentsFileName(gen))
		if err != nil {
			if i == len(gens)-1 {
				return nil, err
			}
			// Older commit points are only kept for pins that died with
			// the process.
			x.logger.Warn("skipping unreadable commit point", "generation", gen, "error", err)
			continue
		}
		commits = append(commits, cp)
	}
	return commits, nil
}

// Dir returns the index directory.
func (x *Index) Dir() string { return x.dir }

func (x *Index) ensureBuffer() *segState {
	if x.buffer == nil {
		x.buffer = newSegState(newSegment(x.nextSegID))
		x.nextSegID++
	}
	return x.buffer
}

// Add appends doc without looking for an existing document.
func (x *Index) Add(doc model.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.ensureBuffer().seg.add(doc)
	x.dirty = true
	return nil
}

// Update replaces any document with doc.UID by doc.
func (x *Index) Update(doc model.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.deleteLocked(doc.UID)
	x.ensureBuffer().seg.add(doc)
	x.dirty = true
	return nil
}

// Delete removes the document with uid. It reports whether one existed.
func (x *Index) Delete(uid model.UID) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return false, ErrClosed
	}
	found := x.deleteLocked(uid)
	x.dirty = true
	return found, nil
}

func (x *Index) deleteLocked(uid model.UID) bool {
	found := false
	for _, st := range x.segments {
		if st.delete(uid) {
			found = true
		}
	}
	if x.buffer != nil && x.buffer.delete(uid) {
		found = true
	}
	return found
}

func (x *Index) sealLocked() {
	if x.buffer == nil {
		return
	}
	if len(x.buffer.seg.docs) > 0 {
		x.segments = append(x.segments, x.buffer)
	}
	x.buffer = nil
}

// Refresh makes all changes so far visible to the returned reader.
func (x *Index) Refresh() (*Reader, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, ErrClosed
	}
	x.sealLocked()
	x.refreshes++
	x.reader = newReader(x.segments, x.refreshes)
	return x.reader, nil
}

// Reader returns the reader published by the last refresh.
func (x *Index) Reader() *Reader {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.reader
}

// HasUncommittedChanges reports whether anything changed since the last
// commit.
func (x *Index) HasUncommittedChanges() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dirty || x.buffer != nil
}

// Commit persists all changes, including unrefreshed ones, as a new commit
// point carrying userData.
func (x *Index) Commit(userData map[string]string) (Commit, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, ErrClosed
	}
	return x.commitLocked(userData)
}

func (x *Index) commitLocked(userData map[string]string) (Commit, error) {
	x.sealLocked()

	type update struct {
		st      *segState
		file    FileInfo
		delFile FileInfo
		delGen  uint64
	}
	var (
		updates []update
		written []string
		infos   []SegmentInfo
		kept    []*segState
	)
	fail := func(err error) (Commit, error) {
		x.deleter.deleteUnreferenced(written)
		return nil, err
	}

	for _, st := range x.segments {
		_, merging := x.merging[st.seg.id]
		if st.live() == 0 && !merging {
			continue // fully deleted
		}
		kept = append(kept, st)

		u := update{st: st, file: st.file, delFile: st.delFile, delGen: st.delGen}
		if u.file.Name == "" {
			fi, err := writeFile(x.fs, x.dir, segmentFileName(st.seg.id), false, st.seg.writeTo)
			if err != nil {
				return fail(err)
			}
			written = append(written, fi.Name)
			u.file = fi
		}
		card := int(st.deleted.GetCardinality())
		if card > 0 && (st.delDirty || u.delFile.Name == "") {
			u.delGen++
			bm := st.deleted
			fi, err := writeFile(x.fs, x.dir, deletesFileName(st.seg.id, u.delGen), false, func(w io.Writer) error {
				_, err := bm.WriteTo(w)
				return err
			})
			if err != nil {
				return fail(err)
			}
			written = append(written, fi.Name)
			u.delFile = fi
		}
		updates = append(updates, u)

		info := SegmentInfo{ID: st.seg.id, Docs: len(st.seg.docs), Deleted: card, File: u.file}
		if card > 0 {
			df := u.delFile
			info.DelFile = &df
			info.DelGen = u.delGen
		}
		infos = append(infos, info)
	}

	gen := uint64(1)
	if n := len(x.commits); n > 0 {
		gen = x.commits[n-1].Generation() + 1
	}
	cp, err := writeCommitPoint(x.fs, x.dir, commitData{
		Generation:    gen,
		CreatedAt:     time.Now().UTC(),
		NextSegmentID: x.nextSegID,
		Segments:      infos,
		UserData:      userData,
	})
	if err != nil {
		return fail(err)
	}

	for _, u := range updates {
		u.st.file = u.file
		if u.delFile.Name != "" {
			u.st.delFile = u.delFile
			u.st.delGen = u.delGen
			u.st.delDirty = false
		}
	}
	x.segments = kept
	x.dirty = false
	x.deleter.incRef(cp.FileNames())
	x.commits = append(x.commits, cp)
	if err := x.applyPolicy(false); err != nil {
		x.logger.Warn("deletion policy failed", "generation", gen, "error", err)
	}

	x.logger.Debug("index committed", "generation", gen, "segments", len(infos))
	return cp, nil
}

// applyPolicy runs the deletion policy and releases the files of every
// commit it dropped. The newest commit always survives.
func (x *Index) applyPolicy(init bool) error {
	view := make([]Commit, len(x.commits))
	for i, c := range x.commits {
		view[i] = c
	}
	var err error
	if init {
		err = x.policy.OnInit(view)
	} else {
		err = x.policy.OnCommit(view)
	}

	last := x.commits[len(x.commits)-1]
	last.deleted = false

	kept := x.commits[:0]
	var dropped []*commitPoint
	for _, c := range x.commits {
		if c.deleted {
			dropped = append(dropped, c)
			continue
		}
		kept = append(kept, c)
	}
	x.commits = kept
	for _, c := range dropped {
		x.deleter.decRef(c.FileNames())
	}
	return err
}

// Revisit runs the deletion policy again without committing, so commits
// it now lets go of release their files.
func (x *Index) Revisit() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	return x.applyPolicy(false)
}

// LastCommit returns the newest commit.
func (x *Index) LastCommit() Commit {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.commits[len(x.commits)-1]
}

// Commits returns every live commit, oldest first.
func (x *Index) Commits() []Commit {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Commit, len(x.commits))
	for i, c := range x.commits {
		out[i] = c
	}
	return out
}

// SegmentStats describes a sealed segment of the writer.
type SegmentStats struct {
	ID      uint64
	Docs    int
	Deleted int
	Size    int64 // 0 until persisted
	Merging bool
}

// Segments describes the sealed segments, oldest first.
func (x *Index) Segments() []SegmentStats {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]SegmentStats, 0, len(x.segments))
	for _, st := range x.segments {
		_, merging := x.merging[st.seg.id]
		out = append(out, SegmentStats{
			ID:      st.seg.id,
			Docs:    len(st.seg.docs),
			Deleted: int(st.deleted.GetCardinality()),
			Size:    st.file.Size,
			Merging: merging,
		})
	}
	return out
}

// Close closes the index without committing. Pending merges fail with
// ErrClosed.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.closed = true
	return nil
}
