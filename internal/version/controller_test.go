package version

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/docshard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, c *Controller, op model.Operation) (uint64, error) {
	t.Helper()
	tk, err := c.CheckAndAssign(op)
	if err != nil {
		return 0, err
	}
	tk.Commit()
	return tk.Version(), nil
}

func TestLifecycleScenario(t *testing.T) {
	c := New(0)
	uid := model.NewUID("type", "1")

	v, err := apply(t, c, model.NewCreate(uid, []byte("a")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = apply(t, c, model.NewIndex(uid, []byte("b")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	v, err = apply(t, c, model.NewDelete(uid).WithVersion(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	_, err = apply(t, c, model.NewIndex(uid, []byte("c")).WithVersion(2))
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(3), ce.Current)
	assert.Equal(t, uint64(2), ce.Provided)

	v, err = apply(t, c, model.NewCreate(uid, []byte("d")))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	rec, ok := c.Get(uid)
	require.True(t, ok)
	assert.Equal(t, Record{Version: 4, Exists: true}, rec)
}

func TestInternalVersioning(t *testing.T) {
	c := New(4)
	uid := model.NewUID("type", "1")

	_, err := apply(t, c, model.NewCreate(uid, nil))
	require.NoError(t, err)
	_, err = apply(t, c, model.NewIndex(uid, nil))
	require.NoError(t, err)

	_, err = apply(t, c, model.NewIndex(uid, nil).WithVersion(1))
	assert.ErrorIs(t, err, ErrConflict)
	_, err = apply(t, c, model.NewIndex(uid, nil).WithVersion(3))
	assert.ErrorIs(t, err, ErrConflict)
	_, err = apply(t, c, model.NewDelete(uid).WithVersion(1))
	assert.ErrorIs(t, err, ErrConflict)
	_, err = apply(t, c, model.NewDelete(uid).WithVersion(3))
	assert.ErrorIs(t, err, ErrConflict)

	v, err := apply(t, c, model.NewIndex(uid, nil).WithVersion(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestCreateOnLiveDocument(t *testing.T) {
	c := New(4)
	uid := model.NewUID("type", "1")

	_, err := apply(t, c, model.NewCreate(uid, nil))
	require.NoError(t, err)

	_, err = apply(t, c, model.NewCreate(uid, nil))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// version check runs first
	_, err = apply(t, c, model.NewCreate(uid, nil).WithVersion(7))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestExplicitVersionOnAbsentKey(t *testing.T) {
	c := New(4)
	_, err := apply(t, c, model.NewIndex(model.NewUID("type", "x"), nil).WithVersion(1))
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(0), ce.Current)
}

func TestExternalVersioning(t *testing.T) {
	c := New(4)
	uid := model.NewUID("type", "1")

	v, err := apply(t, c, model.NewIndex(uid, nil).WithVersion(12).WithVersionType(model.VersionExternal))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), v)

	v, err = apply(t, c, model.NewIndex(uid, nil).WithVersion(14).WithVersionType(model.VersionExternal))
	require.NoError(t, err)
	assert.Equal(t, uint64(14), v)

	_, err = apply(t, c, model.NewIndex(uid, nil).WithVersion(13).WithVersionType(model.VersionExternal))
	assert.ErrorIs(t, err, ErrConflict)
	_, err = apply(t, c, model.NewIndex(uid, nil).WithVersion(14).WithVersionType(model.VersionExternal))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = apply(t, c, model.NewIndex(uid, nil).WithVersionType(model.VersionExternal))
	assert.ErrorIs(t, err, ErrVersionRequired)

	v, err = apply(t, c, model.NewDelete(uid).WithVersion(20).WithVersionType(model.VersionExternal))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v)
}

func TestReplicaVersioning(t *testing.T) {
	c := New(4)
	uid := model.NewUID("type", "1")

	v, err := apply(t, c, model.NewIndex(uid, nil).AsReplica(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	_, err = apply(t, c, model.NewIndex(uid, nil).AsReplica(2))
	assert.ErrorIs(t, err, ErrConflict)

	v, err = apply(t, c, model.NewDelete(uid).AsReplica(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	_, err = apply(t, c, model.NewDelete(uid).AsReplica(3))
	assert.ErrorIs(t, err, ErrConflict)

	// replica creates are not checked for existence
	v, err = apply(t, c, model.NewCreate(uid, nil).AsReplica(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)
	_, err = apply(t, c, model.NewCreate(uid, nil).AsReplica(5))
	require.NoError(t, err)
}

func TestDeleteRetainsRecord(t *testing.T) {
	c := New(4)
	uid := model.NewUID("type", "gone")

	v, err := apply(t, c, model.NewDelete(uid))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	rec, ok := c.Get(uid)
	require.True(t, ok)
	assert.False(t, rec.Exists)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(0), c.Live())
}

func TestTicketAbort(t *testing.T) {
	c := New(4)
	uid := model.NewUID("type", "1")
	_, err := apply(t, c, model.NewCreate(uid, nil))
	require.NoError(t, err)

	tk, err := c.CheckAndAssign(model.NewIndex(uid, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tk.Version())
	assert.True(t, tk.Found())
	tk.Abort()
	tk.Commit() // no-op after abort

	rec, _ := c.Get(uid)
	assert.Equal(t, uint64(1), rec.Version)

	// key is unlocked again
	v, err := apply(t, c, model.NewIndex(uid, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestSetKeepsNewest(t *testing.T) {
	c := New(4)
	uid := model.NewUID("type", "1")
	c.Set(uid, Record{Version: 5, Exists: true})
	c.Set(uid, Record{Version: 3, Exists: false})

	rec, _ := c.Get(uid)
	assert.Equal(t, Record{Version: 5, Exists: true}, rec)
	assert.Equal(t, int64(1), c.Live())
}

func TestConcurrentBlindWritesAreMonotonic(t *testing.T) {
	c := New(8)
	uid := model.NewUID("type", "hot")

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	seen := make(chan uint64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				tk, err := c.CheckAndAssign(model.NewIndex(uid, nil))
				if err != nil {
					t.Error(err)
					return
				}
				seen <- tk.Version()
				tk.Commit()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{})
	for v := range seen {
		unique[v] = struct{}{}
	}
	assert.Len(t, unique, writers*perWriter)

	rec, _ := c.Get(uid)
	assert.Equal(t, uint64(writers*perWriter), rec.Version)
}

func TestStripesSpreadKeys(t *testing.T) {
	c := New(16)
	used := make(map[*stripe]struct{})
	for i := 0; i < 256; i++ {
		uid := model.NewUID("type", fmt.Sprint(i))
		s := c.stripeFor(uid)
		assert.Same(t, s, c.stripeFor(uid))
		used[s] = struct{}{}
	}
	assert.Greater(t, len(used), 8)
}
