package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fastpersist/internal/config"
)

func testConfig(baseDir string) config.Config {
	cfg := config.Defaults()
	cfg.BaseDir = baseDir
	cfg.FlushIntervalSeconds = 0 // deterministic: no background goroutine in tests
	return cfg
}

func TestDatedEngine_StoreThenGetBeforeFlush(t *testing.T) {
	ctx := context.Background()
	e, err := OpenDated(testConfig(t.TempDir()), "2026-07-30")
	require.NoError(t, err)
	defer e.Close(ctx)

	require.NoError(t, e.Store(ctx, "k1", nil, map[string]interface{}{"a": "b"}))

	got, ok := e.GetKey("k1")
	require.True(t, ok)
	require.Equal(t, "b", got["a"])
}

func TestDatedEngine_NilAndEmptyProcessNameAreDistinct(t *testing.T) {
	ctx := context.Background()
	e, err := OpenDated(testConfig(t.TempDir()), "2026-07-30")
	require.NoError(t, err)
	defer e.Close(ctx)

	empty := ""
	require.NoError(t, e.Store(ctx, "k1", nil, map[string]interface{}{"v": 1}))
	require.NoError(t, e.Store(ctx, "k1", &empty, map[string]interface{}{"v": 2}))

	nilGot, ok := e.GetKeyProcess("k1", nil)
	require.True(t, ok)
	require.Equal(t, 1, nilGot["v"])

	emptyGot, ok := e.GetKeyProcess("k1", &empty)
	require.True(t, ok)
	require.Equal(t, 2, emptyGot["v"])
}

func TestDatedEngine_FlushThenRestartRecoversData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := OpenDated(cfg, "2026-07-30")
	require.NoError(t, err)
	require.NoError(t, e.Store(ctx, "k1", nil, map[string]interface{}{"a": "b"}))
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Close(ctx))

	e2, err := OpenDated(cfg, "2026-07-30")
	require.NoError(t, err)
	defer e2.Close(ctx)

	got, ok := e2.GetKey("k1")
	require.True(t, ok)
	require.Equal(t, "b", got["a"])
}

func TestDatedEngine_StoreAppendsWALAndReplaysOnRestartWithoutExplicitFlush(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := OpenDated(cfg, "2026-07-30")
	require.NoError(t, err)
	require.NoError(t, e.Store(ctx, "k1", nil, map[string]interface{}{"a": "c"}))
	// Simulate a crash: no explicit Flush/Close, just abandon the handle.
	require.NoError(t, e.colDB.Close())
	require.NoError(t, e.lock.Release())

	e2, err := OpenDated(cfg, "2026-07-30")
	require.NoError(t, err)
	defer e2.Close(ctx)

	got, ok := e2.GetKey("k1")
	require.True(t, ok)
	require.Equal(t, "c", got["a"])
}
