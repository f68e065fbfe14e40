package columnstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastpersist/internal/cache"
	"fastpersist/internal/common"
	"fastpersist/internal/config"
	"fastpersist/internal/payload"
)

func TestOpen_HealthProbePassesOnFreshFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "storage.db", nil)
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, s.Path())
}

func TestDatedStore_UpsertIncrementsVersionOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "storage.db", map[string]config.ExtraColumnType{"region": config.ExtraString})
	require.NoError(t, err)
	defer s.Close()

	ds, err := NewDatedStore(s)
	require.NoError(t, err)

	proc := "ingest"
	id := common.DatedIdentity{Key: "k1", ProcessName: &proc}
	ctx := context.Background()

	err = ds.UpsertBatch(ctx, []cache.DatedRow{{
		Identity: id,
		Record:   &payload.Record{Data: map[string]interface{}{"region": "us"}},
	}})
	require.NoError(t, err)

	err = ds.UpsertBatch(ctx, []cache.DatedRow{{
		Identity: id,
		Record:   &payload.Record{Data: map[string]interface{}{"region": "eu"}},
	}})
	require.NoError(t, err)

	rows, err := ds.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1, "upsert must replace, not accumulate, rows for the same identity")
	assert.Equal(t, int64(2), rows[0].Record.Version)
	assert.Equal(t, "eu", rows[0].Record.Data["region"])
}

func TestDatedStore_NilAndEmptyProcessNameAreDistinctRows(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "storage.db", nil)
	require.NoError(t, err)
	defer s.Close()

	ds, err := NewDatedStore(s)
	require.NoError(t, err)

	empty := ""
	ctx := context.Background()
	err = ds.UpsertBatch(ctx, []cache.DatedRow{
		{Identity: common.DatedIdentity{Key: "k1", ProcessName: nil}, Record: &payload.Record{Data: map[string]interface{}{}}},
		{Identity: common.DatedIdentity{Key: "k1", ProcessName: &empty}, Record: &payload.Record{Data: map[string]interface{}{}}},
	})
	require.NoError(t, err)

	rows, err := ds.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCollectionStore_AppendBuildsHistoryAndUpdateLatestSnapshots(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "storage.db", nil)
	require.NoError(t, err)
	defer s.Close()

	cs, err := NewCollectionStore(s)
	require.NoError(t, err)

	id := common.CollectionIdentity{Key: "k1", CollectionName: "tags", ItemName: "a"}
	ctx := context.Background()

	pending := map[string][]cache.CollectionRow{
		id.MapKey(): {
			{Identity: id, Record: &payload.Record{Data: map[string]interface{}{}, Value: payload.NewValue(int64(1)), HasValue: true}},
			{Identity: id, Record: &payload.Record{Data: map[string]interface{}{}, Value: payload.NewValue(int64(2)), HasValue: true}},
		},
	}
	modified, err := cs.AppendBatch(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, []common.CollectionIdentity{id}, modified)

	history, err := cs.LoadAllHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2, "every append must land as its own history row")
	assert.Equal(t, int64(1), history[0].Record.Value.I)
	assert.Equal(t, int64(2), history[1].Record.Value.I)

	// AppendBatch writes history only; storage_latest is materialized by
	// UpdateLatestForIdentities with the triple's current value.
	require.NoError(t, cs.UpdateLatestForIdentities(ctx, []cache.CollectionRow{pending[id.MapKey()][1]}))

	latest, err := cs.LoadLatestForCollection(ctx, "k1", "tags")
	require.NoError(t, err)
	require.Len(t, latest, 1, "latest always holds one row per triple")
	assert.Equal(t, int64(2), latest[0].Record.Value.I, "latest reflects the most recent append")
}

func TestCollectionStore_AppendAllocatesMonotonicVersionsAcrossBatches(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "storage.db", nil)
	require.NoError(t, err)
	defer s.Close()

	cs, err := NewCollectionStore(s)
	require.NoError(t, err)

	id := common.CollectionIdentity{Key: "k1", CollectionName: "tags", ItemName: "a"}
	ctx := context.Background()

	_, err = cs.AppendBatch(ctx, map[string][]cache.CollectionRow{
		id.MapKey(): {{Identity: id, Record: &payload.Record{Data: map[string]interface{}{}}}},
	})
	require.NoError(t, err)

	_, err = cs.AppendBatch(ctx, map[string][]cache.CollectionRow{
		id.MapKey(): {{Identity: id, Record: &payload.Record{Data: map[string]interface{}{}}}},
	})
	require.NoError(t, err)

	history, err := cs.LoadAllHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var maxVersion int64
	require.NoError(t, cs.DB().QueryRowContext(ctx, "SELECT MAX(version) FROM storage_history").Scan(&maxVersion))
	assert.Equal(t, int64(2), maxVersion, "the second batch continues at version 2")
}
