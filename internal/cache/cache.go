// Package cache implements spec component D: the in-memory view each
// engine variant serves reads from, plus the pending ledger of records not
// yet durably flushed to the column store. Both structures are guarded by
// a single exclusive lock per cache instance, matching the teacher's
// memtable mutex discipline — there is no separate read lock here because
// Store/Append always mutate both the live view and the pending ledger
// together.
package cache

import (
	"sync"

	"fastpersist/internal/common"
	"fastpersist/internal/payload"
)

// DatedRow pairs a dated identity with its current record.
type DatedRow struct {
	Identity common.DatedIdentity
	Record   *payload.Record
}

// DatedCache holds the dated engine's (key, process_name) -> data view.
// Store overwrites; there is at most one pending row per identity, because
// a later Store before the next flush simply replaces the column-store
// upsert that identity will receive.
type DatedCache struct {
	mu      sync.Mutex
	rows    map[string]DatedRow
	pending map[string]DatedRow
}

// NewDatedCache returns an empty cache.
func NewDatedCache() *DatedCache {
	return &DatedCache{
		rows:    make(map[string]DatedRow),
		pending: make(map[string]DatedRow),
	}
}

// HydrateAll seeds the live view from a full-table load, performed once at
// cohort open (spec §4.D: dated engine hydrates its whole table eagerly
// since there is one row per identity). It does not touch pending.
func (c *DatedCache) HydrateAll(rows []DatedRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		c.rows[r.Identity.MapKey()] = r
	}
}

// Store records a write: both the live view and the pending ledger are
// updated to the new value, replacing whatever that identity held before.
func (c *DatedCache) Store(identity common.DatedIdentity, record *payload.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := DatedRow{Identity: identity, Record: record}
	key := identity.MapKey()
	c.rows[key] = row
	c.pending[key] = row
}

// Get returns the current value for identity, if known.
func (c *DatedCache) Get(identity common.DatedIdentity) (*payload.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[identity.MapKey()]
	if !ok {
		return nil, false
	}
	return row.Record, true
}

// SnapshotAndClearPending atomically takes every pending row and empties
// the ledger, so the flusher can work from a stable batch while new Stores
// keep landing in a fresh, empty pending map.
func (c *DatedCache) SnapshotAndClearPending() []DatedRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DatedRow, 0, len(c.pending))
	for _, row := range c.pending {
		out = append(out, row)
	}
	c.pending = make(map[string]DatedRow)
	return out
}

// RestorePending re-merges rows back into the pending ledger after a
// failed flush transaction, preferring whatever a concurrent Store already
// placed there over the failed snapshot (a newer write must win).
func (c *DatedCache) RestorePending(rows []DatedRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		key := row.Identity.MapKey()
		if _, alreadyNewer := c.pending[key]; !alreadyNewer {
			c.pending[key] = row
		}
	}
}

// PendingLen reports how many identities currently await a flush.
func (c *DatedCache) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Len reports how many identities the live view currently holds.
func (c *DatedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

// AllRows returns every row currently in the live view, used by the
// parquet exporter on clean close.
func (c *DatedCache) AllRows() []DatedRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DatedRow, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row)
	}
	return out
}
