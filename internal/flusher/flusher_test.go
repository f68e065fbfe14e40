package flusher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastpersist/internal/cache"
	"fastpersist/internal/columnstore"
	"fastpersist/internal/common"
	"fastpersist/internal/payload"
	"fastpersist/internal/wal"
)

func newDatedFixture(t *testing.T) (*Dated, *cache.DatedCache) {
	t.Helper()
	dir := t.TempDir()

	s, err := columnstore.Open(dir, "storage.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ds, err := columnstore.NewDatedStore(s)
	require.NoError(t, err)

	w, err := wal.NewManager(wal.Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 100})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	c := cache.NewDatedCache()
	return NewDated(c, ds, w), c
}

func TestDatedFlush_MovesPendingIntoColumnStoreAndClearsLedger(t *testing.T) {
	f, c := newDatedFixture(t)
	proc := "p"
	id := common.DatedIdentity{Key: "k1", ProcessName: &proc}
	c.Store(id, &payload.Record{Data: map[string]interface{}{"a": "b"}})

	require.NoError(t, f.Flush(context.Background()))
	assert.Equal(t, 0, c.PendingLen())

	rec, ok := c.Get(id)
	require.True(t, ok, "live view is untouched by flush, only pending is cleared")
	assert.Equal(t, "b", rec.Data["a"])
}

func TestDatedFlush_NoopWhenPendingEmpty(t *testing.T) {
	f, _ := newDatedFixture(t)
	assert.NoError(t, f.Flush(context.Background()))
}

func newCollectionFixture(t *testing.T) (*Collection, *cache.CollectionCache) {
	t.Helper()
	dir := t.TempDir()

	s, err := columnstore.Open(dir, "storage.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cs, err := columnstore.NewCollectionStore(s)
	require.NoError(t, err)

	w, err := wal.NewManager(wal.Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 100})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	c := cache.NewCollectionCache()
	return NewCollection(c, cs, w), c
}

func TestCollectionFlush_EachAppendBecomesOwnHistoryRow(t *testing.T) {
	f, c := newCollectionFixture(t)
	id := common.CollectionIdentity{Key: "k1", CollectionName: "tags", ItemName: "a"}

	c.Append(id, &payload.Record{Data: map[string]interface{}{}, Value: payload.NewValue(int64(1)), HasValue: true})
	c.Append(id, &payload.Record{Data: map[string]interface{}{}, Value: payload.NewValue(int64(2)), HasValue: true})

	modified, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.CollectionIdentity{id}, modified)
	assert.Equal(t, 0, c.PendingLen())

	history, err := f.store.LoadAllHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2, "each append is its own history row")
}
