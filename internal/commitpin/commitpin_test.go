package commitpin

import (
	"path/filepath"
	"testing"

	"github.com/hupe1980/docshard/internal/segindex"
	"github.com/hupe1980/docshard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openIndex(t *testing.T, p *Policy) (*segindex.Index, string) {
	t.Helper()
	dir := t.TempDir()
	opts := segindex.DefaultOptions()
	opts.DeletionPolicy = p
	x, err := segindex.Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })
	return x, dir
}

func addAndCommit(t *testing.T, x *segindex.Index, id string) segindex.Commit {
	t.Helper()
	require.NoError(t, x.Add(model.Document{UID: model.NewUID("type", id), Version: 1, Source: []byte(id)}))
	c, err := x.Commit(nil)
	require.NoError(t, err)
	return c
}

// assertFiles checks every file of c when exist is set. Otherwise only the
// commit point is checked, since segments are shared with newer commits.
func assertFiles(t *testing.T, dir string, c segindex.Commit, exist bool) {
	t.Helper()
	if !exist {
		assert.NoFileExists(t, filepath.Join(dir, c.SegmentsFileName()))
		return
	}
	for _, name := range c.FileNames() {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestPinSurvivesCommits(t *testing.T) {
	p := New(nil)
	x, dir := openIndex(t, p)

	addAndCommit(t, x, "1")
	h, err := p.Pin()
	require.NoError(t, err)
	pinned := h.Commit()
	assert.Equal(t, x.LastCommit().Generation(), h.Generation())

	for i := 0; i < 3; i++ {
		addAndCommit(t, x, string(rune('a'+i)))
	}
	assertFiles(t, dir, pinned, true)
	assert.Len(t, x.Commits(), 2)

	r, err := segindex.ReadCommit(nil, dir, pinned)
	require.NoError(t, err)
	assert.Equal(t, 1, r.NumDocs())

	h.Release()
	h.Release()
	assert.Empty(t, p.Pinned())

	addAndCommit(t, x, "z")
	assertFiles(t, dir, pinned, false)
	assert.Len(t, x.Commits(), 1)
}

func TestMultiplePins(t *testing.T) {
	p := New(nil)
	x, dir := openIndex(t, p)

	c1 := addAndCommit(t, x, "1")
	h1, err := p.Pin()
	require.NoError(t, err)
	h1b, err := p.Pin()
	require.NoError(t, err)

	c2 := addAndCommit(t, x, "2")
	h2, err := p.Pin()
	require.NoError(t, err)
	addAndCommit(t, x, "3")

	assert.Equal(t, []uint64{c1.Generation(), c2.Generation()}, p.PinnedGenerations())
	assert.Equal(t, 2, p.Pinned()[c1.Generation()])

	h1.Release()
	addAndCommit(t, x, "4")
	assertFiles(t, dir, c1, true)

	h1b.Release()
	h2.Release()
	addAndCommit(t, x, "5")
	assertFiles(t, dir, c1, false)
	assertFiles(t, dir, c2, false)
}

func TestReleaseHookRevisits(t *testing.T) {
	p := New(nil)
	x, dir := openIndex(t, p)
	p.SetReleaseHook(func() { require.NoError(t, x.Revisit()) })

	c1 := addAndCommit(t, x, "1")
	h, err := p.Pin()
	require.NoError(t, err)
	addAndCommit(t, x, "2")
	assertFiles(t, dir, c1, true)

	h.Release()
	// files shared with the newest commit stay
	assert.NoFileExists(t, filepath.Join(dir, c1.SegmentsFileName()))
	assert.FileExists(t, filepath.Join(dir, c1.Segments()[0].File.Name))
}

func TestPinBeforeCommit(t *testing.T) {
	p := New(nil)
	_, err := p.Pin()
	assert.ErrorIs(t, err, ErrNoCommit)
}
