package docshard

import (
	"context"
	"time"

	"github.com/hupe1980/docshard/engine"
	"github.com/hupe1980/docshard/model"
)

type (
	// UID is the key of a document within a shard.
	UID = model.UID
	// Document is a live document.
	Document = model.Document
	// WriteResult reports the version a write was assigned.
	WriteResult = engine.WriteResult
	// Stats describes a shard.
	Stats = engine.Stats
)

// NewUID builds the uid of the document id of type typ.
func NewUID(typ, id string) UID { return model.NewUID(typ, id) }

// WriteOption sets the versioning of a single write.
type WriteOption func(*model.Operation)

// IfVersion makes the write fail unless the document is at version v.
func IfVersion(v uint64) WriteOption {
	return func(op *model.Operation) {
		*op = op.WithVersionType(model.VersionInternal).WithVersion(v)
	}
}

// ExternalVersion stores the document at version v, which must be greater
// than the current one.
func ExternalVersion(v uint64) WriteOption {
	return func(op *model.Operation) {
		*op = op.WithVersionType(model.VersionExternal).WithVersion(v)
	}
}

// Shard is an open document shard.
type Shard struct {
	engine  *engine.Engine
	metrics MetricsCollector
	logger  *Logger
}

// Open opens or creates the shard in dir.
func Open(dir string, optFns ...Option) (*Shard, error) {
	o := applyOptions(optFns)
	logger := o.logger.WithShard(dir)

	e, err := engine.Open(dir, o.engineOptions(logger)...)
	if err != nil {
		return nil, err
	}
	return &Shard{
		engine:  e,
		metrics: o.metricsCollector,
		logger:  logger,
	}, nil
}

// Create adds a document. It fails with ErrDocumentAlreadyExists if a
// live document has the same uid.
func (s *Shard) Create(ctx context.Context, uid UID, source []byte, opts ...WriteOption) (WriteResult, error) {
	return s.write(ctx, model.NewCreate(uid, source), opts)
}

// Index adds or replaces a document.
func (s *Shard) Index(ctx context.Context, uid UID, source []byte, opts ...WriteOption) (WriteResult, error) {
	return s.write(ctx, model.NewIndex(uid, source), opts)
}

// Delete removes a document. The result's Found is false if there was no
// live document.
func (s *Shard) Delete(ctx context.Context, uid UID, opts ...WriteOption) (WriteResult, error) {
	return s.write(ctx, model.NewDelete(uid), opts)
}

func (s *Shard) write(ctx context.Context, op model.Operation, opts []WriteOption) (WriteResult, error) {
	for _, fn := range opts {
		fn(&op)
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	start := time.Now()
	res, err := s.engine.Apply(op)
	s.metrics.RecordWrite(op.Type, time.Since(start), err)
	s.logger.LogWrite(ctx, op.Type, op.UID, res.Version, err)
	return res, err
}

// Get returns the document as of the last refresh.
func (s *Shard) Get(ctx context.Context, uid UID) (Document, error) {
	start := time.Now()
	searcher, err := s.engine.Searcher()
	if err != nil {
		return Document{}, err
	}
	defer searcher.Release()

	doc, ok := searcher.Get(uid)
	s.metrics.RecordGet(ok, time.Since(start))
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// Version returns the current version of uid, including writes not yet
// visible to Get. exists is false for deleted documents.
func (s *Shard) Version(uid UID) (version uint64, exists, found bool) {
	return s.engine.GetVersion(uid)
}

// Count returns the number of live documents as of the last refresh.
func (s *Shard) Count() (int, error) {
	searcher, err := s.engine.Searcher()
	if err != nil {
		return 0, err
	}
	defer searcher.Release()
	return searcher.Count(), nil
}

// Refresh makes all acknowledged writes visible to Get.
func (s *Shard) Refresh() error { return s.engine.Refresh() }

// Flush writes a commit point and trims the translog.
func (s *Shard) Flush(ctx context.Context) error {
	start := time.Now()
	err := s.engine.Flush()
	took := time.Since(start)
	s.metrics.RecordFlush(took, err)

	var gen uint64
	if err == nil {
		if st, serr := s.engine.Stats(); serr == nil {
			gen = st.CommitGeneration
		}
	}
	s.logger.LogFlush(ctx, gen, took, err)
	return err
}

// Optimize merges the shard down to at most maxSegments segments.
func (s *Shard) Optimize(ctx context.Context, maxSegments int) error {
	return s.engine.Optimize(ctx, maxSegments)
}

// Stats returns shard statistics.
func (s *Shard) Stats() (Stats, error) { return s.engine.Stats() }

// Engine returns the underlying engine, for snapshots and peer recovery.
func (s *Shard) Engine() *engine.Engine { return s.engine }

// Close releases the shard without flushing. Acknowledged writes are
// recovered from the translog on the next Open.
func (s *Shard) Close() error {
	if s == nil {
		return nil
	}
	return s.engine.Close()
}
