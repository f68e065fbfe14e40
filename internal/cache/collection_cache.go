package cache

import (
	"sync"

	"fastpersist/internal/common"
	"fastpersist/internal/payload"
)

// CollectionRow pairs a collection identity with a record carrying one
// history version.
type CollectionRow struct {
	Identity common.CollectionIdentity
	Record   *payload.Record
}

// CollectionCache holds the collection engine's (key, collection_name,
// item_name) view. Unlike the dated cache, pending is an ordered list per
// identity: every Append before the next flush becomes its own row in
// history, each allocated the next monotonic version (spec §3 "Collection
// engine" versioning).
type CollectionCache struct {
	mu        sync.Mutex
	latest    map[string]CollectionRow   // current value per identity, for reads
	pending   map[string][]CollectionRow // ordered appends awaiting flush, per identity
	hydrated  map[string]bool            // KeyCollectionKey.MapKey() already point-queried
}

// NewCollectionCache returns an empty cache.
func NewCollectionCache() *CollectionCache {
	return &CollectionCache{
		latest:   make(map[string]CollectionRow),
		pending:  make(map[string][]CollectionRow),
		hydrated: make(map[string]bool),
	}
}

// IsHydrated reports whether kc's collection has already been point-queried
// against storage_latest this process lifetime.
func (c *CollectionCache) IsHydrated(kc common.KeyCollectionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated[kc.MapKey()]
}

// MarkHydrated seeds the live view with rows loaded by a point query
// against storage_latest (spec §4.D: collection engine hydrates lazily,
// one (key, collection) at a time, on first touch) and records that the
// collection need not be re-queried.
func (c *CollectionCache) MarkHydrated(kc common.KeyCollectionKey, rows []CollectionRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		key := r.Identity.MapKey()
		if _, already := c.latest[key]; !already {
			c.latest[key] = r
		}
	}
	c.hydrated[kc.MapKey()] = true
}

// Append records one history write: it is always added to the pending
// ledger (never overwritten, since every append becomes its own durable
// history row) and replaces the live "latest" view.
func (c *CollectionCache) Append(identity common.CollectionIdentity, record *payload.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := identity.MapKey()
	row := CollectionRow{Identity: identity, Record: record}
	c.pending[key] = append(c.pending[key], row)
	c.latest[key] = row
}

// Get returns the current value for identity, if known.
func (c *CollectionCache) Get(identity common.CollectionIdentity) (*payload.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.latest[identity.MapKey()]
	if !ok {
		return nil, false
	}
	return row.Record, true
}

// SnapshotAndClearPending atomically takes every pending append, in
// original append order per identity, and empties the ledger.
func (c *CollectionCache) SnapshotAndClearPending() map[string][]CollectionRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = make(map[string][]CollectionRow)
	return out
}

// RestorePending re-merges a failed flush's rows ahead of whatever new
// appends have already landed, preserving append order.
func (c *CollectionCache) RestorePending(rows map[string][]CollectionRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, failed := range rows {
		c.pending[key] = append(failed, c.pending[key]...)
	}
}

// PendingLen reports how many identities currently have unflushed appends.
func (c *CollectionCache) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Len reports how many identities the live view currently holds.
func (c *CollectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latest)
}

// ItemsInCollection returns every cached row belonging to (key,
// collectionName), scanning the live view linearly — the collection
// engine hydrates one (key, collection) pair at a time, so this set is
// small by construction.
func (c *CollectionCache) ItemsInCollection(key, collectionName string) []CollectionRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CollectionRow
	for _, row := range c.latest {
		if row.Identity.Key == key && row.Identity.CollectionName == collectionName {
			out = append(out, row)
		}
	}
	return out
}
