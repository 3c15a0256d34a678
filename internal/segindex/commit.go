package segindex

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/docshard/internal/fs"
)

// Commit is a durable point-in-time state of the index.
type Commit interface {
	Generation() uint64
	SegmentsFileName() string
	// Files lists every file the commit needs, the commit point included.
	Files() []FileInfo
	FileNames() []string
	Segments() []SegmentInfo
	UserData() map[string]string
	// Delete asks the index to drop the commit. Only meaningful inside a
	// DeletionPolicy callback.
	Delete()
	IsDeleted() bool
}

// DeletionPolicy decides which commits survive. Both callbacks receive all
// live commits, oldest first, and call Delete on the ones to drop. The
// newest commit is never removed.
type DeletionPolicy interface {
	OnInit(commits []Commit) error
	OnCommit(commits []Commit) error
}

// KeepOnlyLastCommit drops every commit but the newest.
type KeepOnlyLastCommit struct{}

func (KeepOnlyLastCommit) OnInit(commits []Commit) error { return KeepOnlyLastCommit{}.OnCommit(commits) }

func (KeepOnlyLastCommit) OnCommit(commits []Commit) error {
	for i := 0; i < len(commits)-1; i++ {
		commits[i].Delete()
	}
	return nil
}

// SegmentInfo describes a segment as recorded in a commit.
type SegmentInfo struct {
	ID      uint64    `json:"id"`
	Docs    int       `json:"docs"`
	Deleted int       `json:"deleted"`
	File    FileInfo  `json:"file"`
	DelGen  uint64    `json:"del_gen,omitempty"`
	DelFile *FileInfo `json:"del_file,omitempty"`
}

type commitData struct {
	Generation    uint64            `json:"generation"`
	CreatedAt     time.Time         `json:"created_at"`
	NextSegmentID uint64            `json:"next_segment_id"`
	Segments      []SegmentInfo     `json:"segments"`
	UserData      map[string]string `json:"user_data,omitempty"`
}

type commitPoint struct {
	data    commitData
	file    FileInfo // the segments_<gen> file itself
	deleted bool
}

func (c *commitPoint) Generation() uint64       { return c.data.Generation }
func (c *commitPoint) SegmentsFileName() string { return c.file.Name }
func (c *commitPoint) Segments() []SegmentInfo  { return append([]SegmentInfo(nil), c.data.Segments...) }
func (c *commitPoint) Delete()                  { c.deleted = true }
func (c *commitPoint) IsDeleted() bool          { return c.deleted }

func (c *commitPoint) UserData() map[string]string {
	out := make(map[string]string, len(c.data.UserData))
	for k, v := range c.data.UserData {
		out[k] = v
	}
	return out
}

func (c *commitPoint) Files() []FileInfo {
	files := make([]FileInfo, 0, 2*len(c.data.Segments)+1)
	for _, s := range c.data.Segments {
		files = append(files, s.File)
		if s.DelFile != nil {
			files = append(files, *s.DelFile)
		}
	}
	return append(files, c.file)
}

func (c *commitPoint) FileNames() []string {
	files := c.Files()
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}

func (c *commitPoint) String() string {
	return fmt.Sprintf("commit(%d, segments=%d)", c.data.Generation, len(c.data.Segments))
}

func writeCommitPoint(fsys fs.FileSystem, dir string, data commitData) (*commitPoint, error) {
	fi, err := writeFile(fsys, dir, SegmentsFileName(data.Generation), true, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&data)
	})
	if err != nil {
		return nil, err
	}
	return &commitPoint{data: data, file: fi}, nil
}

func readCommitPoint(fsys fs.FileSystem, dir, name string) (*commitPoint, error) {
	raw, err := readFile(fsys, dir, FileInfo{Name: name})
	if err != nil {
		return nil, err
	}
	var data commitData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return &commitPoint{data: data, file: checksumOf(name, raw)}, nil
}
