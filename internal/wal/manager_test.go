package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_NewManager_CreatesDirNoEagerSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 100})
	require.NoError(t, err)
	require.NotNil(t, m)
	defer m.Close()

	assert.DirExists(t, dir)
	assert.Empty(t, m.Segments())
}

func TestManager_AppendCreatesSegmentLazily(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 100})
	require.NoError(t, err)
	defer m.Close()

	line, _ := json.Marshal(map[string]string{"key": "a"})
	rotated, err := m.Append(line)
	require.NoError(t, err)
	assert.False(t, rotated)

	segs := m.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, filepath.Join(dir, "wal_000000.jsonl"), segs[0].Path())
}

func TestManager_RotatesOnRecordCount(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 2})
	require.NoError(t, err)
	defer m.Close()

	line, _ := json.Marshal(map[string]string{"key": "a"})
	for i := 0; i < 2; i++ {
		_, err := m.Append(line)
		require.NoError(t, err)
	}
	rotated, err := m.Append(line)
	require.NoError(t, err)
	assert.True(t, rotated, "third append should rotate once batch_size is reached")
	assert.Len(t, m.Segments(), 2)
}

func TestManager_RotatesOnAge(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 1000, MaxWALAge: time.Millisecond})
	require.NoError(t, err)
	defer m.Close()

	line, _ := json.Marshal(map[string]string{"key": "a"})
	_, err = m.Append(line)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	rotated, err := m.Append(line)
	require.NoError(t, err)
	assert.True(t, rotated)
}

func TestManager_RetireSupersededKeepsCurrentOnly(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 1})
	require.NoError(t, err)
	defer m.Close()

	line, _ := json.Marshal(map[string]string{"key": "a"})
	for i := 0; i < 3; i++ {
		_, err := m.Append(line)
		require.NoError(t, err)
	}
	require.Len(t, m.Segments(), 3)

	require.NoError(t, m.RetireSuperseded())
	assert.Len(t, m.Segments(), 1)
}

func TestManager_ReplayLinesSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 1000})
	require.NoError(t, err)

	good1, _ := json.Marshal(map[string]string{"key": "a"})
	good2, _ := json.Marshal(map[string]string{"key": "b"})
	_, err = m.Append(good1)
	require.NoError(t, err)
	_, err = m.Append([]byte("{not valid json"))
	require.NoError(t, err) // Append does not validate JSON, only the replay handler does
	_, err = m.Append(good2)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m2, err := NewManager(Config{DataDir: dir, MaxWALSize: 1024 * 1024, BatchSize: 1000})
	require.NoError(t, err)
	defer m2.Close()

	var seen []map[string]string
	result, err := m2.ReplayLines(func(line []byte) error {
		var rec map[string]string
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		seen = append(seen, rec)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.EntriesReplayed)
	assert.Equal(t, int64(1), result.SkippedLines)
	assert.Len(t, seen, 2)
}

func TestManager_LoadSegmentsOrdersBySequenceNotLexical(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{DataDir: dir, MaxWALSize: 1, BatchSize: 1})
	require.NoError(t, err)

	line, _ := json.Marshal(map[string]string{"key": "a"})
	for i := 0; i < 11; i++ {
		_, err := m.Append(line)
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	// Seven-digit sequence 1000000 sorts before 999999 lexically.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wal_999999.jsonl"), append(line, '\n'), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wal_1000000.jsonl"), append(line, '\n'), 0644))

	m2, err := NewManager(Config{DataDir: dir, MaxWALSize: 1, BatchSize: 1})
	require.NoError(t, err)
	defer m2.Close()

	segs := m2.Segments()
	require.Len(t, segs, 13)
	for i := 1; i < len(segs); i++ {
		assert.Less(t, segs[i-1].Sequence(), segs[i].Sequence())
	}
}
