package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/docshard/blobstore"
	"github.com/hupe1980/docshard/engine"
	"github.com/hupe1980/docshard/internal/commitpin"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/segindex"
	"github.com/hupe1980/docshard/internal/translog"
	"golang.org/x/sync/errgroup"
)

// SnapshotStats summarizes a snapshot run.
type SnapshotStats struct {
	FilesUploaded int
	FilesReused   int
	BytesUploaded int64
	TranslogOps   int
	Duration      time.Duration
}

// Snapshot copies the current state of e into the repository. Writes to e
// keep going while the snapshot runs; operations accepted after it started
// are not part of it.
func (r *Repository) Snapshot(ctx context.Context, e *engine.Engine) (*Manifest, SnapshotStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := time.Now()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, SnapshotStats{}, err
	}

	var (
		m     *Manifest
		stats SnapshotStats
	)
	err = e.Snapshot(func(commit *commitpin.Handle, snap *translog.Snapshot) error {
		var err error
		m, stats, err = r.snapshot(ctx, id.String(), e, commit, snap)
		return err
	})
	if err != nil {
		return nil, SnapshotStats{}, fmt.Errorf("snapshot %s: %w", id, err)
	}
	stats.Duration = time.Since(start)

	r.logger.Info("snapshot created", "snapshot", m.ID, "shard", m.Shard, "commit", m.CommitGeneration,
		"files", len(m.Files), "uploaded", stats.FilesUploaded, "reused", stats.FilesReused,
		"bytes", stats.BytesUploaded, "translog_ops", stats.TranslogOps, "duration", stats.Duration)
	return m, stats, nil
}

func (r *Repository) snapshot(ctx context.Context, id string, e *engine.Engine, commit *commitpin.Handle, snap *translog.Snapshot) (*Manifest, SnapshotStats, error) {
	var stats SnapshotStats

	tlogGen, err := translogGeneration(commit.Commit())
	if err != nil {
		return nil, stats, err
	}

	docs := 0
	for _, seg := range commit.Commit().Segments() {
		docs += seg.Docs - seg.Deleted
	}

	m := &Manifest{
		Version:          manifestVersion,
		ID:               id,
		Shard:            filepath.Base(e.Dir()),
		CreatedAt:        time.Now().UTC(),
		CommitGeneration: commit.Generation(),
		Docs:             docs,
	}

	existing, err := r.store.List(ctx, indicesPrefix)
	if err != nil {
		return nil, stats, err
	}
	have := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		have[name] = struct{}{}
	}

	var (
		uploaded atomic.Int64
		sent     atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, fi := range commit.Files() {
		ref := FileRef{Name: fi.Name, Size: fi.Size, Checksum: fi.Checksum, Blob: indexBlobName(fi.Checksum)}
		m.Files = append(m.Files, ref)
		if _, ok := have[ref.Blob]; ok {
			stats.FilesReused++
			continue
		}
		have[ref.Blob] = struct{}{}
		g.Go(func() error {
			n, err := r.uploadFile(gctx, e.FileSystem(), e.IndexDir(), ref)
			if err != nil {
				return fmt.Errorf("upload %s: %w", ref.Name, err)
			}
			uploaded.Add(1)
			sent.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}
	stats.FilesUploaded = int(uploaded.Load())
	stats.BytesUploaded = sent.Load()

	ref, err := r.exportTranslog(ctx, id, tlogGen, snap)
	if err != nil {
		return nil, stats, fmt.Errorf("export translog: %w", err)
	}
	m.Translog = ref
	stats.TranslogOps = ref.Ops
	stats.BytesUploaded += ref.Size

	data, err := encodeManifest(m)
	if err != nil {
		return nil, stats, err
	}
	if err := r.retry(ctx, manifestBlobName(id), func() error {
		return r.store.Put(ctx, manifestBlobName(id), data)
	}); err != nil {
		return nil, stats, err
	}
	return m, stats, nil
}

func translogGeneration(c segindex.Commit) (uint64, error) {
	v, ok := c.UserData()[engine.UserDataTranslogGeneration]
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("commit %d: bad translog generation %q: %w", c.Generation(), v, err)
	}
	return gen, nil
}

// uploadFile copies one index file of the pinned commit into its content
// addressed blob.
func (r *Repository) uploadFile(ctx context.Context, fsys fs.FileSystem, dir string, ref FileRef) (int64, error) {
	var n int64
	err := r.retry(ctx, ref.Blob, func() error {
		f, err := fsys.OpenFile(filepath.Join(dir, ref.Name), os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()

		src := resource.NewRateLimitedReader(ctx, io.NewSectionReader(f, 0, ref.Size), r.rc)
		n, err = blobstore.Upload(ctx, r.store, ref.Blob, src)
		return err
	})
	return n, err
}

// exportTranslog writes the snapshot's operations to a blob. The snapshot
// can only be read once, so the stream is buffered to make the upload
// retryable.
func (r *Repository) exportTranslog(ctx context.Context, id string, gen uint64, snap *translog.Snapshot) (TranslogRef, error) {
	var buf bytes.Buffer
	w, err := translog.NewWriter(&buf, gen, r.compression, 512)
	if err != nil {
		return TranslogRef{}, err
	}
	for snap.HasNext() {
		op, err := snap.Next()
		if err != nil {
			return TranslogRef{}, err
		}
		if err := w.Write(op); err != nil {
			return TranslogRef{}, err
		}
	}
	if err := w.Flush(); err != nil {
		return TranslogRef{}, err
	}

	ref := TranslogRef{
		Blob:        translogBlobName(id),
		Generation:  gen,
		Ops:         w.Ops(),
		Size:        w.Size(),
		Compression: r.compression.String(),
	}
	err = r.retry(ctx, ref.Blob, func() error {
		if err := r.rc.AcquireIO(ctx, buf.Len()); err != nil {
			return err
		}
		return r.store.Put(ctx, ref.Blob, buf.Bytes())
	})
	return ref, err
}
