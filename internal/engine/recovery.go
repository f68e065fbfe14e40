package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"fastpersist/internal/cache"
	"fastpersist/internal/cohort"
	"fastpersist/internal/common"
	"fastpersist/internal/payload"
	"fastpersist/internal/wal"
)

// decodeDatedLine turns one WAL line back into the identity + record it
// represents. The WAL line carries no version (the flusher is the sole
// allocator), so replay always re-derives version at flush time.
func decodeDatedLine(line []byte) (common.DatedIdentity, *payload.Record, error) {
	var wr wal.DatedRecord
	if err := json.Unmarshal(line, &wr); err != nil {
		return common.DatedIdentity{}, nil, fmt.Errorf("engine: decode dated WAL line: %w", err)
	}

	rec := payload.ExtractWellKnown(wr.Data, false)
	rec.Username = wr.Username
	if t, ok := cohort.ParseTimestamp(wr.Timestamp); ok {
		rec.Timestamp = &t
		rec.UpdatedAt = t
	} else {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Version = 1

	id := common.DatedIdentity{Key: wr.Key, ProcessName: wr.ProcessName}
	return id, &rec, nil
}

// decodeCollectionLine turns one collection-engine WAL line back into the
// identity + record it represents. Value travels as its own WAL field,
// separate from data, so it is restored directly rather than through
// ExtractWellKnown's data-map lookup.
func decodeCollectionLine(line []byte) (common.CollectionIdentity, *payload.Record, error) {
	var wr wal.CollectionRecord
	if err := json.Unmarshal(line, &wr); err != nil {
		return common.CollectionIdentity{}, nil, fmt.Errorf("engine: decode collection WAL line: %w", err)
	}

	rec := payload.ExtractWellKnown(wr.Data, false)
	rec.Username = wr.Username
	if wr.Value != nil {
		rec.Value = payload.NewValue(wr.Value)
		rec.HasValue = true
	}
	if t, ok := cohort.ParseTimestamp(wr.Timestamp); ok {
		rec.Timestamp = &t
		rec.UpdatedAt = t
	} else {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Version = 1

	id := common.CollectionIdentity{Key: wr.Key, CollectionName: wr.CollectionName, ItemName: wr.ItemName}
	return id, &rec, nil
}

// replayDated replays every WAL segment into the cache exactly as if each
// line's store call had just happened: the cache view is updated and the
// record re-enters pending, so an immediate post-replay flush durably
// materialises whatever the crash left unflushed.
func replayDated(w *wal.Manager, c *cache.DatedCache) (wal.ReplayResult, error) {
	return w.ReplayLines(func(line []byte) error {
		id, rec, err := decodeDatedLine(line)
		if err != nil {
			return err
		}
		c.Store(id, rec)
		return nil
	})
}

// replayCollection replays every WAL segment, pushing each line onto
// pending in order so every historical update becomes its own history row
// on the post-replay flush (spec §4.H).
func replayCollection(w *wal.Manager, c *cache.CollectionCache) (wal.ReplayResult, error) {
	return w.ReplayLines(func(line []byte) error {
		id, rec, err := decodeCollectionLine(line)
		if err != nil {
			return err
		}
		c.Append(id, rec)
		return nil
	})
}

// replayIntoPending decodes every line of an arbitrary cohort's WAL
// segments into the ordered-append pending shape AppendBatch expects,
// without touching any cache — used by RebuildHistoryFromWAL, which
// replays directly into storage_history.
func replayIntoPending(w *wal.Manager) (map[string][]cache.CollectionRow, wal.ReplayResult, error) {
	pending := make(map[string][]cache.CollectionRow)
	result, err := w.ReplayLines(func(line []byte) error {
		id, rec, err := decodeCollectionLine(line)
		if err != nil {
			return err
		}
		key := id.MapKey()
		pending[key] = append(pending[key], cache.CollectionRow{Identity: id, Record: rec})
		return nil
	})
	return pending, result, err
}
