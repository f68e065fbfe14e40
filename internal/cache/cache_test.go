package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastpersist/internal/common"
	"fastpersist/internal/payload"
)

func TestDatedCache_StoreThenGet(t *testing.T) {
	c := NewDatedCache()
	proc := "ingest"
	id := common.DatedIdentity{Key: "k1", ProcessName: &proc}

	c.Store(id, &payload.Record{Version: 1})
	rec, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Version)
}

func TestDatedCache_NilAndEmptyProcessNameAreDistinct(t *testing.T) {
	c := NewDatedCache()
	empty := ""
	nilID := common.DatedIdentity{Key: "k1", ProcessName: nil}
	emptyID := common.DatedIdentity{Key: "k1", ProcessName: &empty}

	c.Store(nilID, &payload.Record{Version: 1})
	c.Store(emptyID, &payload.Record{Version: 2})

	nilRec, ok := c.Get(nilID)
	require.True(t, ok)
	assert.Equal(t, int64(1), nilRec.Version)

	emptyRec, ok := c.Get(emptyID)
	require.True(t, ok)
	assert.Equal(t, int64(2), emptyRec.Version)
}

func TestDatedCache_SnapshotAndClearPendingIsOverwriteSemantics(t *testing.T) {
	c := NewDatedCache()
	proc := "p"
	id := common.DatedIdentity{Key: "k1", ProcessName: &proc}

	c.Store(id, &payload.Record{Version: 1})
	c.Store(id, &payload.Record{Version: 2})

	rows := c.SnapshotAndClearPending()
	require.Len(t, rows, 1, "only the latest pending write per identity should survive")
	assert.Equal(t, int64(2), rows[0].Record.Version)
	assert.Equal(t, 0, c.PendingLen())
}

func TestDatedCache_RestorePendingDoesNotClobberNewerWrite(t *testing.T) {
	c := NewDatedCache()
	proc := "p"
	id := common.DatedIdentity{Key: "k1", ProcessName: &proc}

	c.Store(id, &payload.Record{Version: 1})
	rows := c.SnapshotAndClearPending()

	c.Store(id, &payload.Record{Version: 2})
	c.RestorePending(rows)

	restored := c.SnapshotAndClearPending()
	require.Len(t, restored, 1)
	assert.Equal(t, int64(2), restored[0].Record.Version, "a newer write must win over a restored failed flush")
}

func TestCollectionCache_AppendAccumulatesPendingInOrder(t *testing.T) {
	c := NewCollectionCache()
	id := common.CollectionIdentity{Key: "k1", CollectionName: "tags", ItemName: "a"}

	c.Append(id, &payload.Record{Version: 1})
	c.Append(id, &payload.Record{Version: 2})

	rec, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version, "Get reflects the most recent append")

	pending := c.SnapshotAndClearPending()
	rows := pending[id.MapKey()]
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Record.Version)
	assert.Equal(t, int64(2), rows[1].Record.Version)
}

func TestCollectionCache_HydrationRunsOncePerCollection(t *testing.T) {
	c := NewCollectionCache()
	kc := common.KeyCollectionKey{Key: "k1", CollectionName: "tags"}
	assert.False(t, c.IsHydrated(kc))

	c.MarkHydrated(kc, []CollectionRow{
		{Identity: common.CollectionIdentity{Key: "k1", CollectionName: "tags", ItemName: "a"}, Record: &payload.Record{Version: 1}},
	})
	assert.True(t, c.IsHydrated(kc))

	rec, ok := c.Get(common.CollectionIdentity{Key: "k1", CollectionName: "tags", ItemName: "a"})
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Version)
}

func TestCollectionCache_RestorePendingPrependsFailedRows(t *testing.T) {
	c := NewCollectionCache()
	id := common.CollectionIdentity{Key: "k1", CollectionName: "tags", ItemName: "a"}

	c.Append(id, &payload.Record{Version: 1})
	failed := c.SnapshotAndClearPending()

	c.Append(id, &payload.Record{Version: 2})
	c.RestorePending(failed)

	rows := c.SnapshotAndClearPending()[id.MapKey()]
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Record.Version, "restored rows must replay before newer appends")
	assert.Equal(t, int64(2), rows[1].Record.Version)
}
