package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectionEngine_StoreThenGetItemBeforeFlush(t *testing.T) {
	ctx := context.Background()
	e, err := OpenCollection(testConfig(t.TempDir()), "2026-07-30")
	require.NoError(t, err)
	defer e.Close(ctx)

	require.NoError(t, e.Store(ctx, "k1", "coll", "item1", map[string]interface{}{"a": "b"}, WithValue(int64(42))))

	got, ok := e.GetItem("k1", "coll", "item1")
	require.True(t, ok)
	require.Equal(t, "b", got["a"])
	require.Equal(t, int64(42), got["value"])
}

func TestCollectionEngine_GetKeyReturnsAllItems(t *testing.T) {
	ctx := context.Background()
	e, err := OpenCollection(testConfig(t.TempDir()), "2026-07-30")
	require.NoError(t, err)
	defer e.Close(ctx)

	require.NoError(t, e.Store(ctx, "k1", "coll", "item1", map[string]interface{}{"a": 1}))
	require.NoError(t, e.Store(ctx, "k1", "coll", "item2", map[string]interface{}{"a": 2}))

	items, ok := e.GetKey("k1", "coll")
	require.True(t, ok)
	require.Len(t, items, 2)
}

func TestCollectionEngine_RepeatedAppendsAllocateMonotonicVersionsAcrossFlushes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := OpenCollection(cfg, "2026-07-30")
	require.NoError(t, err)

	require.NoError(t, e.Store(ctx, "k1", "coll", "item1", map[string]interface{}{"v": 1}))
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Store(ctx, "k1", "coll", "item1", map[string]interface{}{"v": 2}))
	require.NoError(t, e.Flush(ctx))

	history, err := e.store.LoadAllHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var maxVersion int64
	require.NoError(t, e.store.DB().QueryRowContext(ctx, "SELECT MAX(version) FROM storage_history").Scan(&maxVersion))
	require.Equal(t, int64(2), maxVersion)

	require.NoError(t, e.Close(ctx))
}

func TestCollectionEngine_FlushThenRestartRecoversLatest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := OpenCollection(cfg, "2026-07-30")
	require.NoError(t, err)
	require.NoError(t, e.Store(ctx, "k1", "coll", "item1", map[string]interface{}{"a": "b"}))
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Close(ctx))

	e2, err := OpenCollection(cfg, "2026-07-30")
	require.NoError(t, err)
	defer e2.Close(ctx)

	got, ok := e2.GetItem("k1", "coll", "item1")
	require.True(t, ok)
	require.Equal(t, "b", got["a"])
}

func TestCollectionEngine_RebuildLatestFromHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := OpenCollection(cfg, "2026-07-30")
	require.NoError(t, err)
	require.NoError(t, e.Store(ctx, "k1", "coll", "item1", map[string]interface{}{"v": 1}))
	require.NoError(t, e.Store(ctx, "k1", "coll", "item1", map[string]interface{}{"v": 2}))
	require.NoError(t, e.Flush(ctx))

	require.NoError(t, e.RebuildLatestFromHistory(ctx))

	rows, err := e.store.LoadLatestForCollection(ctx, "k1", "coll")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, float64(2), rows[0].Record.Data["v"])

	require.NoError(t, e.Close(ctx))
}
