package segindex

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hupe1980/docshard/internal/fs"
)

// deleter reference counts index files across live commit points.
type deleter struct {
	fs     fs.FileSystem
	dir    string
	logger *slog.Logger
	refs   map[string]int
}

func newDeleter(fsys fs.FileSystem, dir string, logger *slog.Logger) *deleter {
	return &deleter{fs: fsys, dir: dir, logger: logger, refs: make(map[string]int)}
}

func (d *deleter) incRef(names []string) {
	for _, n := range names {
		d.refs[n]++
	}
}

func (d *deleter) decRef(names []string) {
	for _, n := range names {
		d.refs[n]--
		if d.refs[n] <= 0 {
			delete(d.refs, n)
			d.remove(n)
		}
	}
}

// deleteUnreferenced removes names that no commit references.
func (d *deleter) deleteUnreferenced(names []string) {
	for _, n := range names {
		if d.refs[n] == 0 {
			d.remove(n)
		}
	}
}

func (d *deleter) remove(name string) {
	if err := d.fs.Remove(filepath.Join(d.dir, name)); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("failed to delete index file", "file", name, "error", err)
		return
	}
	d.logger.Debug("index file deleted", "file", name)
}

// sweep removes leftovers of interrupted commits and merges.
func (d *deleter) sweep() error {
	entries, err := d.fs.ReadDir(d.dir)
	if err != nil {
		return err
	}
	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if filepath.Ext(name) == ".tmp" || IsIndexFile(name) {
			orphans = append(orphans, name)
		}
	}
	d.deleteUnreferenced(orphans)
	return nil
}
