package blobstore

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	shardfs "github.com/hupe1980/docshard/internal/fs"
)

const tmpSuffix = ".tmp"

// LocalStore implements Store on a local directory. Writes go to a
// temporary file that is renamed into place on Close.
type LocalStore struct {
	root string
	fs   shardfs.FileSystem
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFileSystem sets the file system the store writes through.
func WithFileSystem(fsys shardfs.FileSystem) LocalOption {
	return func(s *LocalStore) { s.fs = fsys }
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string, opts ...LocalOption) *LocalStore {
	s := &LocalStore{root: root, fs: shardfs.Default}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the store directory.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	f, err := s.fs.OpenFile(s.path(name), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &localBlob{f: f, size: st.Size()}, nil
}

// Create creates a new blob for streaming writes.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	target := s.path(name)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	tmp := target + tmpSuffix
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{
		fs:     s.fs,
		f:      f,
		bw:     bufio.NewWriter(f),
		tmp:    tmp,
		target: target,
	}, nil
}

// Put writes a blob atomically.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	if err := s.fs.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns all blob names with the given prefix. Unpublished writes are
// not listed.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := s.fs.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, ent := range entries {
			name := joinName(rel, ent.Name())
			if ent.IsDir() {
				if err := walk(filepath.Join(dir, ent.Name()), name); err != nil {
					return err
				}
				continue
			}
			if strings.HasSuffix(name, tmpSuffix) || !strings.HasPrefix(name, prefix) {
				continue
			}
			names = append(names, name)
		}
		return nil
	}
	if err := walk(s.root, ""); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func joinName(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

type localBlob struct {
	f    shardfs.File
	size int64
}

func (b *localBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= b.size {
		return 0, io.EOF
	}
	return b.f.ReadAt(p, off)
}

func (b *localBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if off > b.size {
		off = b.size
	}
	if off+length > b.size {
		length = b.size - off
	}
	return io.NopCloser(io.NewSectionReader(b.f, off, length)), nil
}

func (b *localBlob) Size() int64 { return b.size }

func (b *localBlob) Close() error { return b.f.Close() }

type localWritableBlob struct {
	fs     shardfs.FileSystem
	f      shardfs.File
	bw     *bufio.Writer
	tmp    string
	target string
	done   atomic.Bool
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	if w.done.Load() {
		return 0, ErrClosed
	}
	return w.bw.Write(p)
}

func (w *localWritableBlob) Sync() error {
	if w.done.Load() {
		return ErrClosed
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return shardfs.Datasync(w.f)
}

func (w *localWritableBlob) Close() error {
	if !w.done.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if err := w.bw.Flush(); err != nil {
		return w.discard(err)
	}
	if err := shardfs.Datasync(w.f); err != nil {
		return w.discard(err)
	}
	if err := w.f.Close(); err != nil {
		_ = w.fs.Remove(w.tmp)
		return err
	}
	if err := w.fs.Rename(w.tmp, w.target); err != nil {
		_ = w.fs.Remove(w.tmp)
		return err
	}
	return w.fs.SyncDir(filepath.Dir(w.target))
}

func (w *localWritableBlob) Abort() error {
	if !w.done.CompareAndSwap(false, true) {
		return nil
	}
	return w.discard(nil)
}

func (w *localWritableBlob) discard(err error) error {
	_ = w.f.Close()
	if rerr := w.fs.Remove(w.tmp); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
