package segindex

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/docshard/internal/fs"
	"lukechampine.com/blake3"
)

const (
	segmentsPrefix = "segments_"
	segExt         = ".seg"
	delExt         = ".del"
)

// FileInfo describes one index file.
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // blake3-256, hex
}

func segmentFileName(id uint64) string { return fmt.Sprintf("_%d%s", id, segExt) }

func deletesFileName(id, delGen uint64) string { return fmt.Sprintf("_%d_%d%s", id, delGen, delExt) }

// SegmentsFileName returns the commit point file name of a generation.
func SegmentsFileName(gen uint64) string { return segmentsPrefix + strconv.FormatUint(gen, 10) }

func parseSegmentsFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentsPrefix) {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.TrimPrefix(name, segmentsPrefix), 10, 64)
	return gen, err == nil
}

// IsIndexFile reports whether name is managed by the index.
func IsIndexFile(name string) bool {
	if _, ok := parseSegmentsFileName(name); ok {
		return true
	}
	return strings.HasPrefix(name, "_") && (strings.HasSuffix(name, segExt) || strings.HasSuffix(name, delExt))
}

// writeFile writes name through fn, fsyncs it, and returns its checksum.
// With atomic set the content goes to a temporary file that is renamed
// into place.
func writeFile(fsys fs.FileSystem, dir, name string, atomic bool, fn func(io.Writer) error) (FileInfo, error) {
	target := filepath.Join(dir, name)
	path := target
	if atomic {
		path = target + ".tmp"
	}
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return FileInfo{}, err
	}

	h := blake3.New(32, nil)
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	bw := bufio.NewWriter(cw)
	if err := fn(bw); err != nil {
		f.Close()
		_ = fsys.Remove(path)
		return FileInfo{}, err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		_ = fsys.Remove(path)
		return FileInfo{}, err
	}
	if err := fs.Datasync(f); err != nil {
		f.Close()
		_ = fsys.Remove(path)
		return FileInfo{}, err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(path)
		return FileInfo{}, err
	}
	if atomic {
		if err := fsys.Rename(path, target); err != nil {
			_ = fsys.Remove(path)
			return FileInfo{}, err
		}
		if err := fsys.SyncDir(dir); err != nil {
			return FileInfo{}, err
		}
	}
	return FileInfo{Name: name, Size: cw.n, Checksum: fmt.Sprintf("%x", h.Sum(nil))}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// readFile reads a whole file and verifies it against want when want has a
// checksum.
func readFile(fsys fs.FileSystem, dir string, want FileInfo) ([]byte, error) {
	f, err := fsys.OpenFile(filepath.Join(dir, want.Name), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if want.Checksum != "" && checksumOf(want.Name, data).Checksum != want.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, want.Name)
	}
	return data, nil
}

// Checksum returns the blake3-256 hex digest of a file.
func Checksum(fsys fs.FileSystem, path string) (string, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func checksumOf(name string, data []byte) FileInfo {
	sum := blake3.Sum256(data)
	return FileInfo{Name: name, Size: int64(len(data)), Checksum: fmt.Sprintf("%x", sum[:])}
}
