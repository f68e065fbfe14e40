// Package flusher implements spec component F: moving the pending ledger
// into the column store on a schedule or on demand, and restoring it on
// failure so no acknowledged write is ever lost.
package flusher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fastpersist/internal/cache"
	"fastpersist/internal/columnstore"
	"fastpersist/internal/common"
	"fastpersist/internal/logging"
	"fastpersist/internal/wal"
)

var flushLog = logging.New("flusher")

// Dated flushes a DatedCache's pending ledger into a DatedStore. Flush
// never takes the engine's write lock: it takes its own flush_lock, holds
// the cache's internal mutex only inside cache.SnapshotAndClearPending,
// and runs the column-store transaction under flush_lock alone, so Store
// calls and WAL appends are never blocked on column-store I/O.
type Dated struct {
	flushMu sync.Mutex
	cache   *cache.DatedCache
	store   *columnstore.DatedStore
	wal     *wal.Manager
}

// NewDated wires a cache, column store, and WAL manager into one flusher.
func NewDated(c *cache.DatedCache, store *columnstore.DatedStore, w *wal.Manager) *Dated {
	return &Dated{cache: c, store: store, wal: w}
}

// Flush snapshots pending, writes it transactionally, and retires
// superseded WAL segments on success. On failure the snapshot is restored
// to pending so a retry (the next scheduled tick, or the next Store call
// triggering an immediate flush) picks it back up.
func (f *Dated) Flush(ctx context.Context) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	rows := f.cache.SnapshotAndClearPending()
	if len(rows) == 0 {
		return nil
	}

	cycle := uuid.NewString()
	if err := f.store.UpsertBatch(ctx, rows); err != nil {
		f.cache.RestorePending(rows)
		flushLog.Warn("flush %s failed for %d rows: %v", cycle, len(rows), err)
		return common.ErrFlushFailedError(err)
	}
	flushLog.Info("flush %s committed %d rows", cycle, len(rows))

	if err := f.wal.RetireSuperseded(); err != nil {
		flushLog.Warn("flush %s committed but WAL retirement failed: %v", cycle, err)
	}
	return nil
}

// Collection flushes a CollectionCache's pending ledger into a
// CollectionStore: every pending append becomes its own history row. This
// is the routine/background/rotation-triggered flush path only — it never
// touches storage_latest. storage_latest is a deferred, batched
// materialization of whichever triples were modified since it was last
// refreshed, performed only by the engine's explicit latest-update step
// (on Close, or on demand), never by this Flush.
type Collection struct {
	flushMu sync.Mutex
	cache   *cache.CollectionCache
	store   *columnstore.CollectionStore
	wal     *wal.Manager
}

// NewCollection wires a cache, column store, and WAL manager together.
func NewCollection(c *cache.CollectionCache, store *columnstore.CollectionStore, w *wal.Manager) *Collection {
	return &Collection{cache: c, store: store, wal: w}
}

// Flush behaves like Dated.Flush but for the append-only collection shape,
// writing only storage_history. It returns the triples modified this pass
// so the caller can accumulate them into its own modified-records set and
// materialize storage_latest for them later, in one deferred batch.
func (f *Collection) Flush(ctx context.Context) ([]common.CollectionIdentity, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	pending := f.cache.SnapshotAndClearPending()
	if len(pending) == 0 {
		return nil, nil
	}

	cycle := uuid.NewString()
	modified, err := f.store.AppendBatch(ctx, pending)
	if err != nil {
		f.cache.RestorePending(pending)
		flushLog.Warn("flush %s failed for %d triples: %v", cycle, len(pending), err)
		return nil, common.ErrFlushFailedError(err)
	}
	flushLog.Info("flush %s committed %d triples", cycle, len(modified))

	if err := f.wal.RetireSuperseded(); err != nil {
		flushLog.Warn("flush %s committed but WAL retirement failed: %v", cycle, err)
	}
	return modified, nil
}

// Background runs fn on a ticker until stop is closed, matching the
// teacher's periodic-flush goroutine idiom. The caller owns fn's locking.
func Background(interval time.Duration, stop <-chan struct{}, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// FlushError wraps a flush failure with the operation that was attempted,
// for callers that want a uniform error format across both variants.
func FlushError(op string, err error) error {
	return fmt.Errorf("flusher: %s: %w", op, err)
}
