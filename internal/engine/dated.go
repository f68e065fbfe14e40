package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fastpersist/internal/blockstore"
	"fastpersist/internal/cache"
	"fastpersist/internal/cohort"
	"fastpersist/internal/columnstore"
	"fastpersist/internal/common"
	"fastpersist/internal/config"
	"fastpersist/internal/flusher"
	"fastpersist/internal/lock"
	"fastpersist/internal/logging"
	"fastpersist/internal/parquetexport"
	"fastpersist/internal/payload"
	"fastpersist/internal/wal"
)

// DatedEngine owns one cohort's (key, process_name) -> data store: a
// per-cohort WAL directory, a per-cohort column store, and the optional
// Hive-partitioned parquet export run on clean close.
type DatedEngine struct {
	cfg       config.Config
	cohort    string
	cohortDir string

	writeMu sync.Mutex // serialises Store: cache update + WAL append is one unit
	lock    *lock.Lock
	walMgr  *wal.Manager
	cache   *cache.DatedCache
	colDB   *columnstore.Store
	store   *columnstore.DatedStore
	flush   *flusher.Dated
	sink    blockstore.Storage // nil unless parquet export configured

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	statsMu      sync.Mutex
	lastFlushAt  *time.Time
	lastFlushErr string

	log *logging.Logger
}

// OpenDated opens (or recovers) a dated engine for the given cohort,
// acquiring the cohort's exclusive lock, replaying any existing WAL
// segments, and starting the background flusher.
func OpenDated(cfg config.Config, cohortName string) (*DatedEngine, error) {
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
		MaxWALAge:  time.Duration(cfg.MaxWALAgeSeconds) * time.Second,
	})
	if err != nil {
		l.Release()
		return nil, err
	}

	dbName := cfg.DBName
	if dbName == "" {
		dbName = "storage.db"
	}
	colDB, err := columnstore.Open(cohortDir, dbName, cfg.ExtraSchema)
	if err != nil {
		l.Release()
		return nil, err
	}
	ds, err := columnstore.NewDatedStore(colDB)
	if err != nil {
		colDB.Close()
		l.Release()
		return nil, err
	}

	c := cache.NewDatedCache()
	ctx := context.Background()
	rows, err := ds.LoadAll(ctx)
	if err != nil {
		colDB.Close()
		l.Release()
		return nil, err
	}
	c.HydrateAll(rows)

	if _, err := replayDated(walMgr, c); err != nil {
		colDB.Close()
		l.Release()
		return nil, fmt.Errorf("engine: replay dated WAL: %w", err)
	}

	fl := flusher.NewDated(c, ds, walMgr)
	if err := fl.Flush(ctx); err != nil {
		colDB.Close()
		l.Release()
		return nil, fmt.Errorf("engine: post-recovery flush: %w", err)
	}

	var sink blockstore.Storage
	if cfg.Parquet.Path != "" {
		sink, err = buildSink(cfg.Parquet)
		if err != nil {
			colDB.Close()
			l.Release()
			return nil, err
		}
	}

	e := &DatedEngine{
		cfg:       cfg,
		cohort:    cohortName,
		cohortDir: cohortDir,
		lock:      l,
		walMgr:    walMgr,
		cache:     c,
		colDB:     colDB,
		store:     ds,
		flush:     fl,
		sink:      sink,
		stopCh:    make(chan struct{}),
		log:       logging.New("engine.dated"),
	}

	if cfg.FlushIntervalSeconds > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			flusher.Background(time.Duration(cfg.FlushIntervalSeconds)*time.Second, e.stopCh, e.backgroundFlush)
		}()
	}

	return e, nil
}

func walSegmentsPresent(cohortDir string) bool {
	entries, err := os.ReadDir(cohortDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			return true
		}
	}
	return false
}

func buildSink(p config.ParquetConfig) (blockstore.Storage, error) {
	switch p.Backend {
	case "", "local":
		return blockstore.NewLocalFS(p.Path)
	case "s3":
		return blockstore.NewS3FS(context.Background(), p.S3.Bucket, p.S3.Region, p.S3.Prefix)
	default:
		return nil, fmt.Errorf("engine: unsupported parquet backend %q", p.Backend)
	}
}

func (e *DatedEngine) backgroundFlush() {
	if err := e.flush.Flush(context.Background()); err != nil {
		e.log.Error("background flush failed: %v", err)
		e.recordFlush(err)
		return
	}
	e.recordFlush(nil)
}

func (e *DatedEngine) recordFlush(err error) {
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

// Store resolves the record's well-known fields, updates the cache,
// appends a fsynced WAL line, and — if that append crossed a rotation
// threshold — triggers a background flush.
func (e *DatedEngine) Store(ctx context.Context, key string, processName *string, data map[string]interface{}, opts ...StoreOption) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := time.Now().UTC()
	rec := resolveRecord(data, opts, false, now)
	rec.Data = payload.MirrorMetadata(data, rec)

	identity := common.DatedIdentity{Key: key, ProcessName: processName}
	e.cache.Store(identity, rec)

	line, err := json.Marshal(wal.DatedRecord{
		Key:         key,
		ProcessName: processName,
		Data:        rec.Data,
		Username:    rec.Username,
		Timestamp:   cohort.SerializeTimestamp(*rec.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("engine: marshal dated WAL line: %w", err)
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

// GetKey returns the record for (key, process_name=nil), the convenience
// form of GetKeyProcess most callers use.
func (e *DatedEngine) GetKey(key string) (map[string]interface{}, bool) {
	return e.GetKeyProcess(key, nil)
}

// GetKeyProcess returns the cached record for (key, processName), if any.
func (e *DatedEngine) GetKeyProcess(key string, processName *string) (map[string]interface{}, bool) {
	rec, ok := e.cache.Get(common.DatedIdentity{Key: key, ProcessName: processName})
	if !ok {
		return nil, false
	}
	return payload.MirrorMetadata(rec.Data, rec), true
}

// Flush synchronously drains the pending ledger into the column store.
func (e *DatedEngine) Flush(ctx context.Context) error {
	err := e.flush.Flush(ctx)
	e.recordFlush(err)
	return err
}

// Stats reports point-in-time diagnostics.
func (e *DatedEngine) Stats() EngineStats {
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

// Close stops the background flusher, runs one final flush, closes the
// column store, optionally exports parquet, purges WAL segments, and
// releases the cohort lock. Column-store connections are closed strictly
// before the parquet export reads the live cache (not the closed store),
// matching the close-ordering constraint that file copies/exports must
// never race an open store handle.
func (e *DatedEngine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Warn("background flusher did not stop within timeout, proceeding with shutdown")
	}

	if err := e.flush.Flush(ctx); err != nil {
		e.log.Error("final flush failed: %v", err)
	}

	rows := e.cache.AllRows()

	if err := e.colDB.Close(); err != nil {
		return fmt.Errorf("engine: close column store: %w", err)
	}

	if e.sink != nil {
		w := parquetexport.NewWriter(e.sink, e.cfg.ExtraSchema)
		if err := w.Export(ctx, e.cohort, rows); err != nil {
			e.log.Error("parquet export failed: %v", err)
		}
	}

	if err := e.walMgr.PurgeAll(); err != nil {
		e.log.Error("WAL purge failed: %v", err)
	}

	return e.lock.Release()
}
