package translog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOp(id string) model.Operation {
	return model.NewIndex(model.NewUID("type", id), []byte(`{"value":"`+id+`"}`)).WithVersion(1)
}

func drain(t *testing.T, s *Snapshot) []model.Operation {
	t.Helper()
	var ops []model.Operation
	for s.HasNext() {
		op, err := s.Next()
		require.NoError(t, err)
		ops = append(ops, op)
	}
	_, err := s.Next()
	require.ErrorIs(t, err, io.EOF)
	return ops
}

func uids(ops []model.Operation) []model.UID {
	out := make([]model.UID, len(ops))
	for i, op := range ops {
		out[i] = op.UID
	}
	return out
}

func TestTranslog_AddAndSnapshot(t *testing.T) {
	tl, err := Open(nil, t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer tl.Close()

	loc, err := tl.Add(model.NewCreate(model.NewUID("type", "1"), []byte("one")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loc.Generation)
	assert.Equal(t, int64(fileHeaderSize), loc.Offset)

	_, err = tl.Add(model.NewDelete(model.NewUID("type", "2")).WithVersion(3).WithVersionType(model.VersionExternal))
	require.NoError(t, err)

	snap, err := tl.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	// appended after the snapshot, invisible to it
	_, err = tl.Add(indexOp("3"))
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Len())
	ops := drain(t, snap)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OpCreate, ops[0].Type)
	assert.Equal(t, []byte("one"), ops[0].Source)
	assert.Equal(t, model.OpDelete, ops[1].Type)
	assert.Equal(t, uint64(3), ops[1].Version)
	assert.Equal(t, model.VersionExternal, ops[1].VersionType)
	assert.Nil(t, ops[1].Source)

	assert.Equal(t, 3, tl.Size())
	assert.Positive(t, tl.EstimatedSize())
}

func TestTranslog_GenerationsAndTrim(t *testing.T) {
	dir := t.TempDir()
	tl, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer tl.Close()

	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)

	held, err := tl.Snapshot()
	require.NoError(t, err)

	gen, err := tl.NewGeneration()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	tl.MarkCommitted(gen)

	_, err = tl.Add(indexOp("2"))
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Size())

	// generation 1 is committed but still referenced
	assert.FileExists(t, filepath.Join(dir, FileName(1)))
	assert.Equal(t, 1, tl.Stats().HeldBySnapshot)

	fresh, err := tl.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []model.UID{"type#2"}, uids(drain(t, fresh)))
	fresh.Release()

	assert.Equal(t, []model.UID{"type#1"}, uids(drain(t, held)))
	held.Release()
	held.Release()

	assert.NoFileExists(t, filepath.Join(dir, FileName(1)))
	assert.FileExists(t, filepath.Join(dir, FileName(2)))
	assert.Equal(t, 1, tl.Stats().Generations)
}

func TestTranslog_SnapshotAfter(t *testing.T) {
	tl, err := Open(nil, t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer tl.Close()

	for i := 0; i < 3; i++ {
		_, err := tl.Add(indexOp(fmt.Sprint("a", i)))
		require.NoError(t, err)
	}
	first, err := tl.Snapshot()
	require.NoError(t, err)
	defer first.Release()

	_, err = tl.Add(indexOp("b0"))
	require.NoError(t, err)
	_, err = tl.NewGeneration()
	require.NoError(t, err)
	_, err = tl.Add(indexOp("b1"))
	require.NoError(t, err)

	second, err := tl.SnapshotAfter(first.End())
	require.NoError(t, err)
	defer second.Release()

	assert.Equal(t, []model.UID{"type#b0", "type#b1"}, uids(drain(t, second)))
	assert.Len(t, drain(t, first), 3)

	// nothing new
	third, err := tl.SnapshotAfter(second.End())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Len())
	assert.False(t, third.HasNext())
	third.Release()

	_, err = tl.SnapshotAfter(Position{Generation: 99})
	assert.ErrorIs(t, err, ErrGenerationGone)
}

func TestTranslog_ReopenKeepsUncommitted(t *testing.T) {
	dir := t.TempDir()
	tl, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)

	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)
	gen, err := tl.NewGeneration()
	require.NoError(t, err)
	_, err = tl.Add(indexOp("2"))
	require.NoError(t, err)
	_, err = tl.Add(indexOp("3"))
	require.NoError(t, err)
	require.NoError(t, tl.Close())

	// torn frame at the tail of generation 2
	f, err := os.OpenFile(filepath.Join(dir, FileName(gen)), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 2, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tl, err = Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer tl.Close()
	assert.Equal(t, uint64(3), tl.Generation())

	tl.MarkCommitted(gen)
	assert.NoFileExists(t, filepath.Join(dir, FileName(1)))

	snap, err := tl.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, []model.UID{"type#2", "type#3"}, uids(drain(t, snap)))
}

func TestTranslog_MinGeneration(t *testing.T) {
	opts := DefaultOptions()
	opts.MinGeneration = 7
	tl, err := Open(nil, t.TempDir(), opts)
	require.NoError(t, err)
	defer tl.Close()

	assert.Equal(t, uint64(7), tl.Generation())
	tl.MarkCommitted(7)

	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)
	snap, err := tl.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, 1, snap.Len())
}

func TestTranslog_ReadFile(t *testing.T) {
	dir := t.TempDir()
	tl, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)
	_, err = tl.Add(model.NewDelete(model.NewUID("type", "1")))
	require.NoError(t, err)
	require.NoError(t, tl.Close())

	var seen []model.OpType
	err = ReadFile(nil, filepath.Join(dir, FileName(1)), func(loc Location, op model.Operation) error {
		assert.Equal(t, uint64(1), loc.Generation)
		seen = append(seen, op.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.OpType{model.OpIndex, model.OpDelete}, seen)
}

func TestTranslog_Compression(t *testing.T) {
	source := bytes.Repeat([]byte(`{"field":"compressible value"}`), 200)

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Compression = c
			tl, err := Open(nil, t.TempDir(), opts)
			require.NoError(t, err)
			defer tl.Close()

			loc, err := tl.Add(model.NewIndex(model.NewUID("type", "big"), source))
			require.NoError(t, err)
			if c != CompressionNone {
				assert.Less(t, int(loc.Size), len(source))
			}

			snap, err := tl.Snapshot()
			require.NoError(t, err)
			defer snap.Release()
			ops := drain(t, snap)
			require.Len(t, ops, 1)
			assert.Equal(t, source, ops[0].Source)
		})
	}
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZSTD, c)

	_, err = ParseCompression("brotli")
	assert.Error(t, err)
}

func TestTranslog_GroupCommit(t *testing.T) {
	tl, err := Open(nil, t.TempDir(), Options{Durability: DurabilitySync})
	require.NoError(t, err)
	defer tl.Close()

	const writers, perWriter = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := tl.Add(indexOp(fmt.Sprintf("%d-%d", w, i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	snap, err := tl.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	assert.Len(t, drain(t, snap), writers*perWriter)
}

func TestTranslog_AsyncSync(t *testing.T) {
	tl, err := Open(nil, t.TempDir(), Options{Durability: DurabilityAsync})
	require.NoError(t, err)

	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)
	require.NoError(t, tl.Sync())
	require.NoError(t, tl.Close())

	assert.ErrorIs(t, tl.Close(), ErrClosed)
	_, err = tl.Add(indexOp("2"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTranslog_WriteFailure(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	tl, err := Open(faulty, t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer tl.Close()

	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)

	faulty.SetFault(filePrefix, fs.Fault{FailAfterBytes: 0})
	_, err = tl.Add(indexOp("2"))
	require.ErrorIs(t, err, fs.ErrInjected)

	// the failure is sticky
	faulty.ClearFaults()
	_, err = tl.Add(indexOp("3"))
	require.ErrorIs(t, err, fs.ErrInjected)
	_, err = tl.Snapshot()
	require.Error(t, err)
	assert.Equal(t, 1, tl.Size())
}

func TestTranslog_SyncFailure(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	tl, err := Open(faulty, t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer tl.Close()

	faulty.SetFault(filePrefix, fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	_, err = tl.Add(indexOp("1"))
	require.ErrorIs(t, err, fs.ErrInjected)

	_, err = tl.NewGeneration()
	require.ErrorIs(t, err, fs.ErrInjected)
}

func TestTranslog_SyncFailureDiscardsOperation(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	tl, err := Open(faulty, dir, DefaultOptions())
	require.NoError(t, err)

	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)

	faulty.SetFault(fileSuffix, fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	_, err = tl.Add(indexOp("2"))
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, 1, tl.Size())
	require.NoError(t, tl.Close())

	tl, err = Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer tl.Close()

	snap, err := tl.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, []model.UID{model.NewUID("type", "1")}, uids(drain(t, snap)))
}

func TestTranslog_CheckpointWhenTruncateFails(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	tl, err := Open(faulty, dir, DefaultOptions())
	require.NoError(t, err)

	_, err = tl.Add(indexOp("1"))
	require.NoError(t, err)

	faulty.SetFault(fileSuffix, fs.Fault{FailAfterBytes: -1, FailOnSync: true, FailOnTruncate: true})
	_, err = tl.Add(indexOp("2"))
	require.ErrorIs(t, err, fs.ErrInjected)
	require.NoError(t, tl.Close())

	path := filepath.Join(dir, FileName(1))
	_, err = os.Stat(checkpointPath(path))
	require.NoError(t, err)

	var read []model.UID
	require.NoError(t, ReadFile(nil, path, func(_ Location, op model.Operation) error {
		read = append(read, op.UID)
		return nil
	}))
	assert.Equal(t, []model.UID{model.NewUID("type", "1")}, read)

	tl, err = Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	snap, err := tl.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	snap.Release()

	// the checkpoint goes away with its generation
	_, err = tl.NewGeneration()
	require.NoError(t, err)
	tl.MarkCommitted(tl.Generation())
	require.NoError(t, tl.Close())
	_, err = os.Stat(checkpointPath(path))
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 4, CompressionZSTD, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(indexOp(fmt.Sprint(i))))
	}
	require.NoError(t, w.Write(model.NewDelete(model.NewUID("type", "3")).WithVersion(2)))
	require.NoError(t, w.Flush())
	assert.Equal(t, 11, w.Ops())
	assert.Equal(t, int64(buf.Len()), w.Size())

	var got []model.Operation
	n, err := ReadStream(bytes.NewReader(buf.Bytes()), func(op model.Operation) error {
		got = append(got, op)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, model.OpDelete, got[10].Type)
	assert.Equal(t, []byte(`{"value":"9"}`), got[9].Source)

	_, err = ReadStream(bytes.NewReader(buf.Bytes()[:buf.Len()-3]), func(model.Operation) error { return nil })
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
