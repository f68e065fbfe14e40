package columnstore

import (
	"context"
	"database/sql"
	"fmt"

	"fastpersist/internal/cache"
	"fastpersist/internal/cohort"
	"fastpersist/internal/common"
	"fastpersist/internal/payload"
)

// CollectionStore is the collection engine's view of the column store: an
// append-only "storage_history" table (one row per version ever written to
// a triple) and a "storage_latest" table (one row per triple, always
// holding the current value at version 1 — a point-in-time snapshot, not
// the true history version number).
type CollectionStore struct {
	*Store
	extraNames []string
}

// NewCollectionStore wraps an opened Store and ensures the collection
// schema exists.
func NewCollectionStore(s *Store) (*CollectionStore, error) {
	cs := &CollectionStore{Store: s, extraNames: ExtraColumnNames(s.ExtraSchema())}
	if err := cs.ensureSchema(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *CollectionStore) ensureSchema() error {
	extraDDL := ExtraColumnDDL(cs.ExtraSchema())
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS storage_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		collection_name TEXT NOT NULL,
		item_name TEXT NOT NULL,
		data TEXT NOT NULL,
		value_int INTEGER,
		value_float REAL,
		value_string TEXT,
		timestamp TEXT,
		status TEXT,
		status_int INTEGER,
		username TEXT,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL%s
	);
	CREATE INDEX IF NOT EXISTS idx_history_triple ON storage_history(key, collection_name, item_name, version);

	CREATE TABLE IF NOT EXISTS storage_latest (
		key TEXT NOT NULL,
		collection_name TEXT NOT NULL,
		item_name TEXT NOT NULL,
		data TEXT NOT NULL,
		value_int INTEGER,
		value_float REAL,
		value_string TEXT,
		timestamp TEXT,
		status TEXT,
		status_int INTEGER,
		username TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL%s,
		PRIMARY KEY (key, collection_name, item_name)
	);`, extraDDL, extraDDL)

	if _, err := cs.DB().Exec(ddl); err != nil {
		return fmt.Errorf("columnstore: create collection schema: %w", err)
	}
	return nil
}

// AppendBatch writes every pending append, in order, as a new
// storage_history row with a monotonically increasing version per triple.
// This is the routine/background/rotation flush path: it never touches
// storage_latest (that is a deferred, batched materialization performed
// only by UpdateLatestForIdentities, called from the engine's explicit
// latest-update step). modifiedIdentities reports which (key, collection,
// item) triples changed, so the caller can accumulate them into its own
// modified-records set.
func (cs *CollectionStore) AppendBatch(ctx context.Context, pending map[string][]cache.CollectionRow) (modifiedIdentities []common.CollectionIdentity, err error) {
	if len(pending) == 0 {
		return nil, nil
	}
	tx, err := cs.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("columnstore: begin append tx: %w", err)
	}
	defer tx.Rollback()

	for _, rows := range pending {
		if len(rows) == 0 {
			continue
		}
		if err := cs.appendTriple(ctx, tx, rows); err != nil {
			return nil, err
		}
		modifiedIdentities = append(modifiedIdentities, rows[0].Identity)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("columnstore: commit append tx: %w", err)
	}
	return modifiedIdentities, nil
}

// appendTriple writes every pending row for one triple as its own
// storage_history row, allocating versions by max(version)+1. It never
// writes storage_latest — see AppendBatch.
func (cs *CollectionStore) appendTriple(ctx context.Context, tx *sql.Tx, rows []cache.CollectionRow) error {
	id := rows[0].Identity

	var maxVersion int64
	q := `SELECT COALESCE(MAX(version), 0) FROM storage_history WHERE key = ? AND collection_name = ? AND item_name = ?`
	if err := tx.QueryRowContext(ctx, q, id.Key, id.CollectionName, id.ItemName).Scan(&maxVersion); err != nil {
		return fmt.Errorf("columnstore: query max history version: %w", err)
	}

	for _, row := range rows {
		maxVersion++
		if err := cs.insertHistoryRow(ctx, tx, row, maxVersion); err != nil {
			return err
		}
	}
	return nil
}

// UpdateLatestForIdentities materializes storage_latest for exactly the
// given rows, in one transaction. This is the deferred batch write spec.md
// describes as happening only on shutdown or an explicit request — never
// from the routine/background/rotation flush path (see AppendBatch).
func (cs *CollectionStore) UpdateLatestForIdentities(ctx context.Context, rows []cache.CollectionRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := cs.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("columnstore: begin update-latest tx: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := cs.upsertLatest(ctx, tx, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (cs *CollectionStore) insertHistoryRow(ctx context.Context, tx *sql.Tx, row cache.CollectionRow, version int64) error {
	rec := row.Record
	dataJSON, err := payload.MarshalJSON(payload.StripValue(rec.Data))
	if err != nil {
		return fmt.Errorf("columnstore: marshal history data: %w", err)
	}

	cols := []string{"key", "collection_name", "item_name", "data", "value_int", "value_float", "value_string",
		"timestamp", "status", "status_int", "username", "version", "updated_at"}
	vals := []interface{}{
		row.Identity.Key, row.Identity.CollectionName, row.Identity.ItemName, string(dataJSON),
		valueColumn(rec.Value, payload.ValueInt), valueColumn(rec.Value, payload.ValueFloat), valueColumn(rec.Value, payload.ValueString),
		timeOrNil(rec.Timestamp), rec.Status, rec.StatusInt, rec.Username,
		version, cohort.SerializeTimestamp(rec.UpdatedAt),
	}
	for _, name := range cs.extraNames {
		cols = append(cols, name)
		vals = append(vals, rec.Data[name])
	}

	ins := fmt.Sprintf("INSERT INTO storage_history (%s) VALUES (%s)", joinCols(cols), placeholdersFor(len(cols)))
	if _, err := tx.ExecContext(ctx, ins, vals...); err != nil {
		return fmt.Errorf("columnstore: insert history row: %w", err)
	}
	return nil
}

// upsertLatest replaces storage_latest's row for this triple, always at
// version 1 — it is a snapshot of "the current value", not a history
// version counter.
func (cs *CollectionStore) upsertLatest(ctx context.Context, tx *sql.Tx, row cache.CollectionRow) error {
	rec := row.Record
	dataJSON, err := payload.MarshalJSON(payload.StripValue(rec.Data))
	if err != nil {
		return fmt.Errorf("columnstore: marshal latest data: %w", err)
	}

	cols := []string{"key", "collection_name", "item_name", "data", "value_int", "value_float", "value_string",
		"timestamp", "status", "status_int", "username", "version", "updated_at"}
	vals := []interface{}{
		row.Identity.Key, row.Identity.CollectionName, row.Identity.ItemName, string(dataJSON),
		valueColumn(rec.Value, payload.ValueInt), valueColumn(rec.Value, payload.ValueFloat), valueColumn(rec.Value, payload.ValueString),
		timeOrNil(rec.Timestamp), rec.Status, rec.StatusInt, rec.Username,
		int64(1), cohort.SerializeTimestamp(rec.UpdatedAt),
	}
	for _, name := range cs.extraNames {
		cols = append(cols, name)
		vals = append(vals, rec.Data[name])
	}

	updateAssignments := ""
	for i, c := range cols {
		if i > 0 {
			updateAssignments += ", "
		}
		updateAssignments += fmt.Sprintf("%s = excluded.%s", c, c)
	}

	stmt := fmt.Sprintf(`INSERT INTO storage_latest (%s) VALUES (%s)
		ON CONFLICT(key, collection_name, item_name) DO UPDATE SET %s`,
		joinCols(cols), placeholdersFor(len(cols)), updateAssignments)
	if _, err := tx.ExecContext(ctx, stmt, vals...); err != nil {
		return fmt.Errorf("columnstore: upsert latest row: %w", err)
	}
	return nil
}

func valueColumn(v payload.Value, kind payload.ValueKind) interface{} {
	if v.Kind != kind {
		return nil
	}
	return v.Interface()
}

// LoadLatestForCollection runs the point query a first touch of (key,
// collection_name) performs: every item currently in storage_latest for
// that collection (spec §4.D lazy per-collection hydration).
func (cs *CollectionStore) LoadLatestForCollection(ctx context.Context, key, collectionName string) ([]cache.CollectionRow, error) {
	rows, err := cs.DB().QueryContext(ctx, `SELECT item_name, data, value_int, value_float, value_string,
		timestamp, status, status_int, username, updated_at
		FROM storage_latest WHERE key = ? AND collection_name = ?`, key, collectionName)
	if err != nil {
		return nil, fmt.Errorf("columnstore: load latest for collection: %w", err)
	}
	defer rows.Close()

	var out []cache.CollectionRow
	for rows.Next() {
		row, err := scanCollectionRow(rows, key, collectionName)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LoadAllHistory returns every row of storage_history, across all cohorts,
// in insertion order; used by RebuildLatestFromHistory.
func (cs *CollectionStore) LoadAllHistory(ctx context.Context) ([]cache.CollectionRow, error) {
	rows, err := cs.DB().QueryContext(ctx, `SELECT key, collection_name, item_name, data, value_int, value_float,
		value_string, timestamp, status, status_int, username, updated_at
		FROM storage_history ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("columnstore: load history table: %w", err)
	}
	defer rows.Close()

	var out []cache.CollectionRow
	for rows.Next() {
		var key, collectionName string
		var itemName, dataJSON string
		var valueInt sql.NullInt64
		var valueFloat sql.NullFloat64
		var valueString, ts, status, username sql.NullString
		var statusInt sql.NullInt64
		var updatedAt string
		if err := rows.Scan(&key, &collectionName, &itemName, &dataJSON, &valueInt, &valueFloat, &valueString,
			&ts, &status, &statusInt, &username, &updatedAt); err != nil {
			return nil, fmt.Errorf("columnstore: scan history row: %w", err)
		}
		rec, err := buildRecord(dataJSON, valueInt, valueFloat, valueString, ts, status, statusInt, username, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, cache.CollectionRow{
			Identity: common.CollectionIdentity{Key: key, CollectionName: collectionName, ItemName: itemName},
			Record:   rec,
		})
	}
	return out, rows.Err()
}

// RebuildLatestFromHistory implements the admin repair operation: in one
// transaction, clear storage_latest and re-populate it from the
// argmax(version) row per triple in storage_history. LoadAllHistory
// streams rows in insertion (id ASC) order, so the last occurrence seen
// per triple is always its highest version.
func (cs *CollectionStore) RebuildLatestFromHistory(ctx context.Context) error {
	history, err := cs.LoadAllHistory(ctx)
	if err != nil {
		return err
	}

	latest := make(map[string]cache.CollectionRow, len(history))
	for _, row := range history {
		latest[row.Identity.MapKey()] = row
	}

	tx, err := cs.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("columnstore: begin rebuild-latest tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM storage_latest"); err != nil {
		return fmt.Errorf("columnstore: clear storage_latest: %w", err)
	}
	for _, row := range latest {
		if err := cs.upsertLatest(ctx, tx, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanCollectionRow(rows *sql.Rows, key, collectionName string) (cache.CollectionRow, error) {
	var itemName, dataJSON string
	var valueInt sql.NullInt64
	var valueFloat sql.NullFloat64
	var valueString, ts, status, username sql.NullString
	var statusInt sql.NullInt64
	var updatedAt string
	if err := rows.Scan(&itemName, &dataJSON, &valueInt, &valueFloat, &valueString,
		&ts, &status, &statusInt, &username, &updatedAt); err != nil {
		return cache.CollectionRow{}, fmt.Errorf("columnstore: scan latest row: %w", err)
	}
	rec, err := buildRecord(dataJSON, valueInt, valueFloat, valueString, ts, status, statusInt, username, updatedAt)
	if err != nil {
		return cache.CollectionRow{}, err
	}
	return cache.CollectionRow{
		Identity: common.CollectionIdentity{Key: key, CollectionName: collectionName, ItemName: itemName},
		Record:   rec,
	}, nil
}

func buildRecord(dataJSON string, valueInt sql.NullInt64, valueFloat sql.NullFloat64, valueString, ts, status sql.NullString,
	statusInt sql.NullInt64, username sql.NullString, updatedAt string) (*payload.Record, error) {
	data, err := decodeJSONObject(dataJSON)
	if err != nil {
		return nil, fmt.Errorf("columnstore: decode data: %w", err)
	}

	rec := &payload.Record{Data: data, Version: 1}
	switch {
	case valueInt.Valid:
		rec.Value = payload.Value{Kind: payload.ValueInt, I: valueInt.Int64}
		rec.HasValue = true
	case valueFloat.Valid:
		rec.Value = payload.Value{Kind: payload.ValueFloat, F: valueFloat.Float64}
		rec.HasValue = true
	case valueString.Valid:
		rec.Value = payload.Value{Kind: payload.ValueString, S: valueString.String}
		rec.HasValue = true
	}
	if status.Valid {
		v := status.String
		rec.Status = &v
	}
	if statusInt.Valid {
		v := statusInt.Int64
		rec.StatusInt = &v
	}
	if username.Valid {
		v := username.String
		rec.Username = &v
	}
	if ts.Valid {
		if parsed, ok := cohort.ParseTimestamp(ts.String); ok {
			rec.Timestamp = &parsed
		}
	}
	if parsed, ok := cohort.ParseTimestamp(updatedAt); ok {
		rec.UpdatedAt = parsed
	}
	return rec, nil
}
