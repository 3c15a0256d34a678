package translog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/hash"
	"github.com/hupe1980/docshard/model"
)

const (
	fileMagic      = "DOCSHTLG"
	fileVersion    = 1
	fileHeaderSize = 8 + 4 + 8

	filePrefix = "translog-"
	fileSuffix = ".tlog"

	checkpointSuffix = ".ckp"
	checkpointSize   = 8 + 4
)

var (
	ErrIncompatibleVersion = errors.New("incompatible translog version")
	ErrInvalidHeader       = errors.New("invalid translog header")
)

// FileName returns the file name of a generation.
func FileName(gen uint64) string {
	return fmt.Sprintf("%s%016d%s", filePrefix, gen, fileSuffix)
}

// ParseFileName extracts the generation from a translog file name.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// generation is the bookkeeping for one translog file.
type generation struct {
	id   uint64
	path string
	size int64 // end of the last complete frame
	ops  int
	refs int // outstanding snapshots
}

func (g *generation) bytes() int64 {
	if g.size <= fileHeaderSize {
		return 0
	}
	return g.size - fileHeaderSize
}

func writeHeader(f fs.File, gen uint64) error {
	header := make([]byte, fileHeaderSize)
	copy(header[0:8], fileMagic)
	binary.LittleEndian.PutUint32(header[8:12], fileVersion)
	binary.LittleEndian.PutUint64(header[12:20], gen)
	_, err := f.Write(header)
	return err
}

func readHeader(r io.Reader) (uint64, error) {
	header := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if string(header[0:8]) != fileMagic {
		return 0, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != fileVersion {
		return 0, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, v, fileVersion)
	}
	return binary.LittleEndian.Uint64(header[12:20]), nil
}

// listGenerations returns the generations present in dir, ascending.
func listGenerations(fsys fs.FileSystem, dir string) ([]uint64, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var gens []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if gen, ok := ParseFileName(e.Name()); ok {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func checkpointPath(path string) string {
	return strings.TrimSuffix(path, fileSuffix) + checkpointSuffix
}

// writeCheckpoint records that only the first size bytes of the generation
// at path hold acknowledged operations.
func writeCheckpoint(fsys fs.FileSystem, path string, size int64) error {
	buf := make([]byte, checkpointSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(size))
	binary.LittleEndian.PutUint32(buf[8:12], hash.CRC32C(buf[0:8]))

	target := checkpointPath(path)
	tmp := target + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fs.Datasync(f); err != nil {
		f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, target); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return fsys.SyncDir(filepath.Dir(path))
}

// readCheckpoint returns the acknowledged size of the generation at path,
// if a checkpoint limits it.
func readCheckpoint(fsys fs.FileSystem, path string) (int64, bool, error) {
	f, err := fsys.OpenFile(checkpointPath(path), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	buf := make([]byte, checkpointSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, false, fmt.Errorf("checkpoint of %s: %w", filepath.Base(path), err)
	}
	if hash.CRC32C(buf[0:8]) != binary.LittleEndian.Uint32(buf[8:12]) {
		return 0, false, fmt.Errorf("checkpoint of %s: %w", filepath.Base(path), ErrInvalidCRC)
	}
	return int64(binary.LittleEndian.Uint64(buf[0:8])), true, nil
}

// ReadFile calls fn for every intact operation of a generation file. It
// stops without error at a torn tail, which is what a crash mid-append
// leaves behind, and at the end recorded by a checkpoint.
func ReadFile(fsys fs.FileSystem, path string, fn func(Location, model.Operation) error) error {
	_, err := scanFile(fsys, path, fn)
	return err
}

type scanResult struct {
	gen  uint64
	end  int64
	ops  int
	torn bool
	cut  bool // frames past a checkpoint were ignored
}

func scanFile(fsys fs.FileSystem, path string, fn func(Location, model.Operation) error) (scanResult, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return scanResult{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	gen, err := readHeader(r)
	if err != nil {
		return scanResult{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	limit, limited, err := readCheckpoint(fsys, path)
	if err != nil {
		return scanResult{}, err
	}

	res := scanResult{gen: gen, end: fileHeaderSize}
	for {
		if limited && res.end >= limit {
			if _, err := r.Peek(1); err == nil {
				res.cut = true
			}
			return res, nil
		}
		op, n, err := decodeFrame(r)
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrInvalidCRC) {
				res.torn = true
				return res, nil
			}
			return res, fmt.Errorf("%s at offset %d: %w", filepath.Base(path), res.end, err)
		}
		loc := Location{Generation: gen, Offset: res.end, Size: int32(n)}
		if fn != nil {
			if err := fn(loc, op); err != nil {
				return res, err
			}
		}
		res.end += n
		res.ops++
	}
}
