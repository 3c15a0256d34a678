package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/docshard/blobstore"
	"github.com/hupe1980/docshard/engine"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/translog"
	"github.com/hupe1980/docshard/model"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

// RestoreStats summarizes a restore run.
type RestoreStats struct {
	Files           int
	BytesDownloaded int64
	ReplayedOps     int
	SkippedOps      int
	Duration        time.Duration
}

// Restore rebuilds snapshot id as a new shard in dir and opens it with
// opts. The index files are written before the commit point that names
// them, so an interrupted restore leaves no usable commit behind.
func (r *Repository) Restore(ctx context.Context, id, dir string, opts ...engine.Option) (*engine.Engine, RestoreStats, error) {
	start := time.Now()
	var stats RestoreStats

	m, err := r.Manifest(ctx, id)
	if err != nil {
		return nil, stats, err
	}

	indexDir := engine.IndexPath(dir)
	if err := r.checkTarget(indexDir); err != nil {
		return nil, stats, err
	}
	if err := r.fs.MkdirAll(indexDir, 0o755); err != nil {
		return nil, stats, err
	}

	n, err := r.downloadFiles(ctx, indexDir, m.Files)
	if err != nil {
		return nil, stats, err
	}
	stats.Files = len(m.Files)
	stats.BytesDownloaded = n

	e, err := engine.Open(dir, append([]engine.Option{engine.WithFileSystem(r.fs)}, opts...)...)
	if err != nil {
		return nil, stats, fmt.Errorf("open restored shard: %w", err)
	}

	replayed, skipped, err := r.replayTranslog(ctx, e, m.Translog)
	if err == nil {
		err = e.Flush()
	}
	if err != nil {
		_ = e.Close()
		return nil, stats, fmt.Errorf("replay snapshot %s: %w", id, err)
	}
	stats.ReplayedOps = replayed
	stats.SkippedOps = skipped
	stats.BytesDownloaded += m.Translog.Size
	stats.Duration = time.Since(start)

	r.logger.Info("snapshot restored", "snapshot", id, "dir", dir, "commit", m.CommitGeneration,
		"files", stats.Files, "bytes", stats.BytesDownloaded, "replayed", replayed, "skipped", skipped,
		"duration", stats.Duration)
	return e, stats, nil
}

func (r *Repository) checkTarget(indexDir string) error {
	entries, err := r.fs.ReadDir(indexDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrTargetNotEmpty, indexDir)
	}
	return nil
}

// downloadFiles fetches every file in parallel except the commit points,
// which follow once the files they reference are in place.
func (r *Repository) downloadFiles(ctx context.Context, dir string, files []FileRef) (int64, error) {
	var data, commits []FileRef
	for _, f := range files {
		if strings.HasPrefix(f.Name, "segments_") {
			commits = append(commits, f)
			continue
		}
		data = append(data, f)
	}

	var total int64
	sizes := make([]int64, len(data))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, f := range data {
		g.Go(func() error {
			n, err := r.downloadFile(gctx, dir, f)
			sizes[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, n := range sizes {
		total += n
	}

	for _, f := range commits {
		n, err := r.downloadFile(ctx, dir, f)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, r.fs.SyncDir(dir)
}

// downloadFile copies a blob to dir/name through a temporary file and
// verifies its size and checksum before renaming it into place.
func (r *Repository) downloadFile(ctx context.Context, dir string, f FileRef) (int64, error) {
	target := filepath.Join(dir, f.Name)
	tmp := target + ".tmp"

	err := r.retry(ctx, f.Blob, func() error {
		b, err := r.store.Open(ctx, f.Blob)
		if err != nil {
			return err
		}
		defer b.Close()
		if b.Size() != f.Size {
			return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrChecksumMismatch, f.Name, b.Size(), f.Size)
		}

		body, err := b.ReadRange(ctx, 0, f.Size)
		if err != nil {
			return err
		}
		defer body.Close()

		out, err := r.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		h := blake3.New(32, nil)
		src := resource.NewRateLimitedReader(ctx, body, r.rc)
		if _, err := io.Copy(io.MultiWriter(out, h), src); err != nil {
			out.Close()
			_ = r.fs.Remove(tmp)
			return err
		}
		if sum := fmt.Sprintf("%x", h.Sum(nil)); sum != f.Checksum {
			out.Close()
			_ = r.fs.Remove(tmp)
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Name)
		}
		if err := out.Sync(); err != nil {
			out.Close()
			_ = r.fs.Remove(tmp)
			return err
		}
		if err := out.Close(); err != nil {
			_ = r.fs.Remove(tmp)
			return err
		}
		return r.fs.Rename(tmp, target)
	})
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", f.Name, err)
	}
	return f.Size, nil
}

// replayTranslog applies the exported operations as replica writes, so
// each keeps the version the source assigned.
func (r *Repository) replayTranslog(ctx context.Context, e *engine.Engine, ref TranslogRef) (int, int, error) {
	if ref.Ops == 0 {
		return 0, 0, nil
	}
	var data []byte
	err := r.retry(ctx, ref.Blob, func() error {
		var err error
		data, err = blobstore.ReadAll(ctx, r.store, ref.Blob)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	replayed, skipped := 0, 0
	n, err := translog.ReadStream(bytes.NewReader(data), func(op model.Operation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.Apply(op.AsReplica(op.Version)); err != nil {
			if errors.Is(err, engine.ErrVersionConflict) {
				skipped++
				return nil
			}
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		return replayed, skipped, err
	}
	if n != ref.Ops {
		return replayed, skipped, fmt.Errorf("%w: translog holds %d operations, expected %d", ErrInvalidManifest, n, ref.Ops)
	}
	return replayed, skipped, nil
}
