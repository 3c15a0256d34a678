package gateway

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	manifestVersion = 1

	indicesPrefix   = "indices/"
	translogsPrefix = "translogs/"
	snapshotsPrefix = "snapshots/"
	manifestSuffix  = ".json"
	translogSuffix  = ".tlog"
)

// FileRef is an index file of a snapshot.
type FileRef struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Blob     string `json:"blob"`
}

// TranslogRef is the exported translog of a snapshot.
type TranslogRef struct {
	Blob        string `json:"blob"`
	Generation  uint64 `json:"generation"`
	Ops         int    `json:"ops"`
	Size        int64  `json:"size"`
	Compression string `json:"compression"`
}

// Manifest describes a snapshot.
type Manifest struct {
	Version          int         `json:"version"`
	ID               string      `json:"id"`
	Shard            string      `json:"shard"`
	CreatedAt        time.Time   `json:"created_at"`
	CommitGeneration uint64      `json:"commit_generation"`
	Docs             int         `json:"docs"`
	Files            []FileRef   `json:"files"`
	Translog         TranslogRef `json:"translog"`
}

// Size returns the total size of the snapshot's index files.
func (m *Manifest) Size() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

func (m *Manifest) validate() error {
	if m.Version != manifestVersion {
		return fmt.Errorf("%w: manifest version %d", ErrInvalidManifest, m.Version)
	}
	if m.ID == "" || len(m.Files) == 0 {
		return fmt.Errorf("%w: snapshot %q has no files", ErrInvalidManifest, m.ID)
	}
	for _, f := range m.Files {
		if f.Name == "" || f.Checksum == "" || path.Base(f.Name) != f.Name {
			return fmt.Errorf("%w: bad file entry %q", ErrInvalidManifest, f.Name)
		}
	}
	return nil
}

func encodeManifest(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func indexBlobName(checksum string) string { return indicesPrefix + checksum }

func translogBlobName(id string) string { return translogsPrefix + id + translogSuffix }

func manifestBlobName(id string) string { return snapshotsPrefix + id + manifestSuffix }

func snapshotID(blob string) (string, bool) {
	if !strings.HasPrefix(blob, snapshotsPrefix) || !strings.HasSuffix(blob, manifestSuffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(blob, snapshotsPrefix), manifestSuffix), true
}
