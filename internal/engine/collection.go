package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fastpersist/internal/cache"
	"fastpersist/internal/cohort"
	"fastpersist/internal/columnstore"
	"fastpersist/internal/common"
	"fastpersist/internal/config"
	"fastpersist/internal/flusher"
	"fastpersist/internal/lock"
	"fastpersist/internal/logging"
	"fastpersist/internal/payload"
	"fastpersist/internal/wal"
)

// CollectionEngine owns the shared (across cohorts) column store backing
// (key, collection_name, item_name) -> data, plus the current cohort's WAL
// directory, lock, and backup/retention lifecycle. The column store lives
// at <base_dir>/<db_name> rather than inside the cohort directory, since
// history and latest are not date-partitioned.
type CollectionEngine struct {
	cfg       config.Config
	cohort    string
	cohortDir string
	dbPath    string

	writeMu sync.Mutex
	lock    *lock.Lock
	walMgr  *wal.Manager
	cache   *cache.CollectionCache
	colDB   *columnstore.Store
	store   *columnstore.CollectionStore
	flush   *flusher.Collection

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	statsMu      sync.Mutex
	lastFlushAt  *time.Time
	lastFlushErr string

	// modifiedMu guards modified, the set of triples history-flushed since
	// storage_latest was last materialized. Routine/background/rotation
	// flushes only accumulate into this set; only UpdateLatest (called from
	// Close) drains it into storage_latest, matching spec.md's
	// modified_records/_update_latest_table split.
	modifiedMu sync.Mutex
	modified   map[string]common.CollectionIdentity

	log *logging.Logger
}

// OpenCollection opens (or recovers) a collection engine scoped to the
// given cohort's WAL directory, against the base_dir-wide shared column
// store.
func OpenCollection(cfg config.Config, cohortName string) (*CollectionEngine, error) {
	if cohortName == "" {
		cohortName = cohort.Today()
	}
	cohortDir := filepath.Join(cfg.BaseDir, cohortName)
	if err := os.MkdirAll(cohortDir, 0755); err != nil {
		return nil, fmt.Errorf("engine: create cohort dir: %w", err)
	}

	hasWAL := walSegmentsPresent(cohortDir)
	l, err := lock.Acquire(cfg.BaseDir, cohortName, hasWAL)
	if err != nil {
		return nil, err
	}

	walMgr, err := wal.NewManager(wal.Config{
		DataDir:    cohortDir,
		MaxWALSize: cfg.MaxWALSize,
		BatchSize:  cfg.BatchSize,
		// Age-based rotation is dated-engine only.
	})
	if err != nil {
		l.Release()
		return nil, err
	}

	dbName := cfg.DBName
	if dbName == "" {
		dbName = "storage.db"
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		l.Release()
		return nil, fmt.Errorf("engine: create base dir: %w", err)
	}
	colDB, err := columnstore.Open(cfg.BaseDir, dbName, cfg.ExtraSchema)
	if err != nil {
		l.Release()
		return nil, err
	}
	cs, err := columnstore.NewCollectionStore(colDB)
	if err != nil {
		colDB.Close()
		l.Release()
		return nil, err
	}

	c := cache.NewCollectionCache()
	ctx := context.Background()
	if _, err := replayCollection(walMgr, c); err != nil {
		colDB.Close()
		l.Release()
		return nil, fmt.Errorf("engine: replay collection WAL: %w", err)
	}

	fl := flusher.NewCollection(c, cs, walMgr)
	recovered, err := fl.Flush(ctx)
	if err != nil {
		colDB.Close()
		l.Release()
		return nil, fmt.Errorf("engine: post-recovery flush: %w", err)
	}

	e := &CollectionEngine{
		cfg:       cfg,
		cohort:    cohortName,
		cohortDir: cohortDir,
		dbPath:    filepath.Join(cfg.BaseDir, dbName),
		lock:      l,
		walMgr:    walMgr,
		cache:     c,
		colDB:     colDB,
		store:     cs,
		flush:     fl,
		stopCh:    make(chan struct{}),
		modified:  make(map[string]common.CollectionIdentity),
		log:       logging.New("engine.collection"),
	}
	e.trackModified(recovered)

	if cfg.FlushIntervalSeconds > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			flusher.Background(time.Duration(cfg.FlushIntervalSeconds)*time.Second, e.stopCh, e.backgroundFlush)
		}()
	}

	return e, nil
}

func (e *CollectionEngine) backgroundFlush() {
	modified, err := e.flush.Flush(context.Background())
	if err != nil {
		e.log.Error("background flush failed: %v", err)
		e.recordFlush(err)
		return
	}
	e.trackModified(modified)
	e.recordFlush(nil)
}

// trackModified merges newly history-flushed triples into the pending
// modified-records set, deduping by identity.
func (e *CollectionEngine) trackModified(ids []common.CollectionIdentity) {
	if len(ids) == 0 {
		return
	}
	e.modifiedMu.Lock()
	defer e.modifiedMu.Unlock()
	for _, id := range ids {
		e.modified[id.MapKey()] = id
	}
}

// UpdateLatest materializes storage_latest for every triple flushed to
// history since the last call, using each triple's current cached value.
// This is the deferred batch write spec.md describes as happening only on
// shutdown or an explicit request — never from a routine flush.
func (e *CollectionEngine) UpdateLatest(ctx context.Context) error {
	e.modifiedMu.Lock()
	pending := e.modified
	e.modified = make(map[string]common.CollectionIdentity)
	e.modifiedMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	rows := make([]cache.CollectionRow, 0, len(pending))
	for _, id := range pending {
		rec, ok := e.cache.Get(id)
		if !ok {
			continue
		}
		rows = append(rows, cache.CollectionRow{Identity: id, Record: rec})
	}
	return e.store.UpdateLatestForIdentities(ctx, rows)
}

func (e *CollectionEngine) recordFlush(err error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	now := time.Now().UTC()
	e.lastFlushAt = &now
	if err != nil {
		e.lastFlushErr = err.Error()
	} else {
		e.lastFlushErr = ""
	}
}

// ensureHydrated runs the lazy, once-per-process point query against
// storage_latest the first time any item in (key, collection) is touched,
// by either a read or a write.
func (e *CollectionEngine) ensureHydrated(ctx context.Context, key, collectionName string) error {
	kc := common.KeyCollectionKey{Key: key, CollectionName: collectionName}
	if e.cache.IsHydrated(kc) {
		return nil
	}
	rows, err := e.store.LoadLatestForCollection(ctx, key, collectionName)
	if err != nil {
		return fmt.Errorf("engine: hydrate collection %s/%s: %w", key, collectionName, err)
	}
	e.cache.MarkHydrated(kc, rows)
	return nil
}

// Store resolves well-known fields (and the typed scalar value), appends
// the update to pending, and fsyncs a WAL line carrying the raw value
// alongside the JSON payload.
func (e *CollectionEngine) Store(ctx context.Context, key, collectionName, itemName string, data map[string]interface{}, opts ...StoreOption) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.ensureHydrated(ctx, key, collectionName); err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := resolveRecord(data, opts, true, now)
	rec.Data = payload.MirrorMetadata(data, rec)

	identity := common.CollectionIdentity{Key: key, CollectionName: collectionName, ItemName: itemName}
	e.cache.Append(identity, rec)

	var rawValue interface{}
	if rec.HasValue {
		rawValue = rec.Value.Interface()
	}

	line, err := json.Marshal(wal.CollectionRecord{
		Key:            key,
		CollectionName: collectionName,
		ItemName:       itemName,
		Data:           payload.StripValue(rec.Data),
		Value:          rawValue,
		Username:       rec.Username,
		Timestamp:      cohort.SerializeTimestamp(*rec.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("engine: marshal collection WAL line: %w", err)
	}

	rotated, err := e.walMgr.Append(line)
	if err != nil {
		return common.NewErrorWithCause(common.ErrWALAppendFailed, "WAL append failed", err)
	}
	if rotated {
		go e.backgroundFlush()
	}
	return nil
}

// GetKey returns every cached item in (key, collectionName), hydrating it
// first if this is the first touch.
func (e *CollectionEngine) GetKey(key, collectionName string) (map[string]ItemPayload, bool) {
	if err := e.ensureHydrated(context.Background(), key, collectionName); err != nil {
		e.log.Error("hydrate on read failed: %v", err)
		return nil, false
	}
	rows := e.cache.ItemsInCollection(key, collectionName)
	if len(rows) == 0 {
		return nil, false
	}
	out := make(map[string]ItemPayload, len(rows))
	for _, row := range rows {
		out[row.Identity.ItemName] = mirrorCollectionRead(row.Record)
	}
	return out, true
}

// GetItem returns one item's cached payload, hydrating its collection
// first if this is the first touch.
func (e *CollectionEngine) GetItem(key, collectionName, itemName string) (map[string]interface{}, bool) {
	if err := e.ensureHydrated(context.Background(), key, collectionName); err != nil {
		e.log.Error("hydrate on read failed: %v", err)
		return nil, false
	}
	rec, ok := e.cache.Get(common.CollectionIdentity{Key: key, CollectionName: collectionName, ItemName: itemName})
	if !ok {
		return nil, false
	}
	return mirrorCollectionRead(rec), true
}

func mirrorCollectionRead(rec *payload.Record) map[string]interface{} {
	data := payload.MirrorMetadata(rec.Data, rec)
	if rec.HasValue {
		data = payload.MirrorValue(data, rec.Value)
	}
	return data
}

// Flush synchronously drains pending into storage_history. It does not
// refresh storage_latest — that only happens on Close or an explicit
// UpdateLatest call, matching spec.md's deferred modified_records model.
func (e *CollectionEngine) Flush(ctx context.Context) error {
	modified, err := e.flush.Flush(ctx)
	if err != nil {
		e.recordFlush(err)
		return err
	}
	e.trackModified(modified)
	e.recordFlush(nil)
	return nil
}

// RebuildHistoryFromWAL replays every WAL segment under the named
// cohort's directory directly into storage_history, allocating versions
// against whatever is already there. It does not touch this engine's
// cache or the named cohort's own pending ledger, and does not clear the
// table — it is an additive repair run after a corrupt history database
// has been deleted and recreated empty.
func (e *CollectionEngine) RebuildHistoryFromWAL(ctx context.Context, cohortName string) error {
	cohortDir := filepath.Join(e.cfg.BaseDir, cohortName)
	replayMgr, err := wal.NewManager(wal.Config{DataDir: cohortDir})
	if err != nil {
		return fmt.Errorf("engine: open cohort %s WAL for rebuild: %w", cohortName, err)
	}
	defer replayMgr.Close()

	pending, _, err := replayIntoPending(replayMgr)
	if err != nil {
		return fmt.Errorf("engine: replay cohort %s WAL for rebuild: %w", cohortName, err)
	}
	if _, err := e.store.AppendBatch(ctx, pending); err != nil {
		return fmt.Errorf("engine: rebuild history from WAL: %w", err)
	}
	return nil
}

// RebuildLatestFromHistory clears and repopulates storage_latest from the
// argmax(version) row per triple in storage_history.
func (e *CollectionEngine) RebuildLatestFromHistory(ctx context.Context) error {
	return e.store.RebuildLatestFromHistory(ctx)
}

// Stats reports point-in-time diagnostics.
func (e *CollectionEngine) Stats() EngineStats {
	e.statsMu.Lock()
	lastAt, lastErr := e.lastFlushAt, e.lastFlushErr
	e.statsMu.Unlock()

	walStats := e.walMgr.Stats()
	return EngineStats{
		CacheSize:      e.cache.Len(),
		PendingCount:   e.cache.PendingLen(),
		WALSegments:    walStats.SegmentCount,
		WALBytes:       walStats.TotalBytes,
		WALRecords:     walStats.TotalRecords,
		LastFlushAt:    lastAt,
		LastFlushError: lastErr,
	}
}

// Close stops the background flusher, runs a final flush, materializes
// storage_latest for every triple accumulated in the modified-records set
// since it was last refreshed, closes the shared column store, backs it up
// into the cohort directory (verifying the copy with a fresh health probe
// before declaring it complete), purges this cohort's WAL, sweeps cohort
// directories older than RetainDays, and releases the lock.
func (e *CollectionEngine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Warn("background flusher did not stop within timeout, proceeding with shutdown")
	}

	if modified, err := e.flush.Flush(ctx); err != nil {
		e.log.Error("final flush failed: %v", err)
	} else {
		e.trackModified(modified)
	}

	if err := e.UpdateLatest(ctx); err != nil {
		e.log.Error("latest table update failed: %v", err)
	}

	if err := e.colDB.Close(); err != nil {
		return fmt.Errorf("engine: close column store: %w", err)
	}

	backupPath := filepath.Join(e.cohortDir, filepath.Base(e.dbPath)+".backup")
	if err := copyFile(e.dbPath, backupPath); err != nil {
		e.log.Error("backup copy failed: %v", err)
	} else if err := verifyBackup(filepath.Dir(backupPath), filepath.Base(backupPath)); err != nil {
		e.log.Error("backup verification failed: %v", err)
	}

	if err := e.walMgr.PurgeAll(); err != nil {
		e.log.Error("WAL purge failed: %v", err)
	}

	if err := e.sweepRetention(); err != nil {
		e.log.Error("retention sweep failed: %v", err)
	}

	return e.lock.Release()
}

func (e *CollectionEngine) sweepRetention() error {
	if e.cfg.RetainDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(e.cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("engine: list base dir for retention sweep: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !cohort.IsValid(entry.Name()) {
			continue
		}
		age, err := cohort.Age(entry.Name())
		if err != nil || age <= e.cfg.RetainDays {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.cfg.BaseDir, entry.Name())); err != nil {
			return fmt.Errorf("engine: remove expired cohort %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("engine: open backup source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("engine: create backup %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("engine: copy backup to %s: %w", dst, err)
	}
	return out.Close()
}

// verifyBackup re-opens the backup file read-only (as far as a plain
// sqlite open allows) and runs the same health probe Open uses, so a
// corrupt copy is caught before the engine declares backup complete.
func verifyBackup(dir, name string) error {
	s, err := columnstore.Open(dir, name, nil)
	if err != nil {
		return err
	}
	return s.Close()
}
