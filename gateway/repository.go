package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/docshard/blobstore"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/translog"
)

var (
	// ErrSnapshotNotFound is returned for an unknown snapshot id.
	ErrSnapshotNotFound = errors.New("gateway: snapshot not found")
	// ErrInvalidManifest is returned for a manifest that cannot be used.
	ErrInvalidManifest = errors.New("gateway: invalid manifest")
	// ErrChecksumMismatch is returned when a downloaded file does not match
	// its recorded checksum.
	ErrChecksumMismatch = errors.New("gateway: checksum mismatch")
	// ErrTargetNotEmpty is returned when restoring into a directory that
	// already holds a shard.
	ErrTargetNotEmpty = errors.New("gateway: restore target is not empty")
)

// Repository stores shard snapshots in a blob store. Snapshots may run
// concurrently; Delete waits for them, since it collects index blobs no
// published manifest references yet.
type Repository struct {
	// mu is held shared by Snapshot and exclusively by Delete.
	mu sync.RWMutex

	store       blobstore.Store
	fs          fs.FileSystem
	rc          *resource.Controller
	logger      *slog.Logger
	concurrency int
	retries     int
	interval    time.Duration
	compression translog.Compression
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithFileSystem sets the file system restores write to.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(r *Repository) {
		if fsys != nil {
			r.fs = fsys
		}
	}
}

// WithResourceController throttles file transfers through rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(r *Repository) { r.rc = rc }
}

// WithConcurrency sets how many files are transferred in parallel.
func WithConcurrency(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRetries sets how often a failed blob transfer is retried and the
// initial backoff between attempts.
func WithRetries(n int, interval time.Duration) Option {
	return func(r *Repository) {
		if n >= 0 {
			r.retries = n
		}
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithCompression sets the codec of exported translog operations.
func WithCompression(c translog.Compression) Option {
	return func(r *Repository) { r.compression = c }
}

// NewRepository creates a repository on store.
func NewRepository(store blobstore.Store, opts ...Option) *Repository {
	r := &Repository{
		store:       store,
		fs:          fs.Default,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		concurrency: 4,
		retries:     3,
		interval:    50 * time.Millisecond,
		compression: translog.CompressionZSTD,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "gateway")
	return r
}

// Store returns the underlying blob store.
func (r *Repository) Store() blobstore.Store { return r.store }

// retry runs fn until it succeeds, fails permanently or the retries are
// used up. Errors after ctx is done are not retried.
func (r *Repository) retry(ctx context.Context, what string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.interval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.retries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrChecksumMismatch) || errors.Is(err, blobstore.ErrNotFound) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("blob transfer failed", "blob", what, "attempt", attempt, "error", err)
		return err
	}, b)
}

// List returns the ids of all snapshots, oldest first.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	names, err := r.store.List(ctx, snapshotsPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := snapshotID(name); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Manifest loads the manifest of snapshot id.
func (r *Repository) Manifest(ctx context.Context, id string) (*Manifest, error) {
	var data []byte
	err := r.retry(ctx, manifestBlobName(id), func() error {
		var err error
		data, err = blobstore.ReadAll(ctx, r.store, manifestBlobName(id))
		return err
	})
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return nil, err
	}
	return decodeManifest(data)
}

// Delete removes snapshot id and every index blob no other snapshot
// references.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.Manifest(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, manifestBlobName(id)); err != nil {
		return err
	}

	var errs error
	if err := r.store.Delete(ctx, m.Translog.Blob); err != nil {
		errs = multierror.Append(errs, err)
	}
	removed, err := r.collectGarbage(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	r.logger.Info("snapshot deleted", "snapshot", id, "blobs_removed", removed)
	return errs
}

// collectGarbage removes index blobs no manifest references.
func (r *Repository) collectGarbage(ctx context.Context) (int, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{})
	for _, id := range ids {
		m, err := r.Manifest(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSnapshotNotFound) {
				continue
			}
			return 0, err
		}
		for _, f := range m.Files {
			live[f.Blob] = struct{}{}
		}
	}

	blobs, err := r.store.List(ctx, indicesPrefix)
	if err != nil {
		return 0, err
	}
	var (
		errs    error
		removed int
	)
	for _, name := range blobs {
		if _, ok := live[name]; ok {
			continue
		}
		if err := r.store.Delete(ctx, name); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
