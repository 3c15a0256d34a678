// Package blobstoretest checks that a blobstore.Store behaves the way the
// snapshot repository relies on.
package blobstoretest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/hupe1980/docshard/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises the store returned by newStore. Every subtest gets its own
// store, which must start out empty.
func Run(t *testing.T, newStore func(t *testing.T) blobstore.Store) {
	ctx := context.Background()

	t.Run("PutAndRead", func(t *testing.T) {
		s := newStore(t)
		data := []byte("hello world, this is a test blob")
		require.NoError(t, s.Put(ctx, "data-001.bin", data))

		b, err := s.Open(ctx, "data-001.bin")
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, int64(len(data)), b.Size())

		buf := make([]byte, 5)
		n, err := b.ReadAt(ctx, buf, 6)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "world", string(buf))

		r, err := b.ReadRange(ctx, 13, 4)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "this", string(got))

		// ranges past the end are clipped
		r, err = b.ReadRange(ctx, int64(len(data))-4, 100)
		require.NoError(t, err)
		got, err = io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "blob", string(got))

		_, err = b.ReadAt(ctx, buf, int64(len(data)))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("Streaming", func(t *testing.T) {
		s := newStore(t)
		w, err := s.Create(ctx, "dir/stream.bin")
		require.NoError(t, err)
		_, err = w.Write([]byte("part one "))
		require.NoError(t, err)
		require.NoError(t, w.Sync())
		_, err = w.Write([]byte("part two"))
		require.NoError(t, err)

		ok, err := blobstore.Exists(ctx, s, "dir/stream.bin")
		require.NoError(t, err)
		assert.False(t, ok, "blob visible before Close")

		require.NoError(t, w.Close())
		assert.ErrorIs(t, w.Close(), blobstore.ErrClosed)
		_, err = w.Write([]byte("late"))
		assert.ErrorIs(t, err, blobstore.ErrClosed)

		got, err := blobstore.ReadAll(ctx, s, "dir/stream.bin")
		require.NoError(t, err)
		assert.Equal(t, "part one part two", string(got))
	})

	t.Run("Abort", func(t *testing.T) {
		s := newStore(t)
		w, err := s.Create(ctx, "aborted")
		require.NoError(t, err)
		_, err = w.Write([]byte("discarded"))
		require.NoError(t, err)
		require.NoError(t, w.Abort())
		require.NoError(t, w.Abort())

		_, err = s.Open(ctx, "aborted")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
		names, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("Upload", func(t *testing.T) {
		s := newStore(t)
		n, err := blobstore.Upload(ctx, s, "up", bytes.NewReader(make([]byte, 1<<16)))
		require.NoError(t, err)
		assert.Equal(t, int64(1<<16), n)

		boom := errors.New("boom")
		_, err = blobstore.Upload(ctx, s, "broken", io.MultiReader(bytes.NewReader([]byte("x")), errReader{boom}))
		assert.ErrorIs(t, err, boom)
		_, err = s.Open(ctx, "broken")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		s := newStore(t)
		for _, name := range []string{"b/2", "a/1", "b/1", "c"} {
			require.NoError(t, s.Put(ctx, name, []byte(name)))
		}

		names, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/1", "b/1", "b/2", "c"}, names)

		names, err = s.List(ctx, "b/")
		require.NoError(t, err)
		assert.Equal(t, []string{"b/1", "b/2"}, names)

		require.NoError(t, s.Delete(ctx, "b/1"))
		require.NoError(t, s.Delete(ctx, "b/1"))
		names, err = s.List(ctx, "b/")
		require.NoError(t, err)
		assert.Equal(t, []string{"b/2"}, names)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Open(ctx, "missing")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
		_, err = blobstore.ReadAll(ctx, s, "missing")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})
}

// Cleanup deletes every blob of s when t ends.
func Cleanup(t *testing.T, s blobstore.Store) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		names, err := s.List(ctx, "")
		if err != nil {
			t.Logf("list for cleanup: %v", err)
			return
		}
		for _, name := range names {
			if err := s.Delete(ctx, name); err != nil {
				t.Logf("delete %s: %v", name, err)
			}
		}
	})
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
