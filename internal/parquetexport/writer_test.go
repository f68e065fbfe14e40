package parquetexport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastpersist/internal/blockstore"
	"fastpersist/internal/cache"
	"fastpersist/internal/common"
	"fastpersist/internal/payload"
)

func TestWriter_ExportWritesOnePartitionPerProcessName(t *testing.T) {
	dir := t.TempDir()
	sink, err := blockstore.NewLocalFS(dir)
	require.NoError(t, err)

	w := NewWriter(sink, nil)

	proc := "ingest"
	rows := []cache.DatedRow{
		{Identity: common.DatedIdentity{Key: "k1", ProcessName: &proc}, Record: &payload.Record{Data: map[string]interface{}{"a": "b"}, Version: 1}},
		{Identity: common.DatedIdentity{Key: "k2", ProcessName: nil}, Record: &payload.Record{Data: map[string]interface{}{}, Version: 1}},
	}

	require.NoError(t, w.Export(context.Background(), "2026-07-30", rows))

	metas, err := sink.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, metas, 2, "one partition file per distinct process_name")

	for _, m := range metas {
		assert.FileExists(t, filepath.Join(dir, m.Path))
		assert.Greater(t, m.Size, int64(0))
	}
}
