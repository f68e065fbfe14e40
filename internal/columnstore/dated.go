package columnstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fastpersist/internal/cache"
	"fastpersist/internal/cohort"
	"fastpersist/internal/common"
	"fastpersist/internal/payload"
)

// DatedStore is the dated engine's view of the column store: a "storage"
// table with one row per (key, process_name) identity.
type DatedStore struct {
	*Store
	extraNames []string
}

// NewDatedStore wraps an opened Store and ensures the dated schema exists.
func NewDatedStore(s *Store) (*DatedStore, error) {
	ds := &DatedStore{Store: s, extraNames: ExtraColumnNames(s.ExtraSchema())}
	if err := ds.ensureSchema(); err != nil {
		return nil, err
	}
	return ds, nil
}

// ensureSchema applies CREATE TABLE IF NOT EXISTS only — no destructive
// schema action is taken on open (spec §8 Open Question: a pre-existing
// file is trusted, not rewritten). There is deliberately no
// UNIQUE(key, process_name) constraint: sqlite's UNIQUE treats every NULL
// as distinct, which would let multiple NULL-process_name rows for the
// same key pile up instead of colliding as one identity. Upsert
// uniqueness is enforced in application code instead (see upsertOne).
func (ds *DatedStore) ensureSchema() error {
	ddl := `CREATE TABLE IF NOT EXISTS storage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		process_name TEXT,
		data TEXT NOT NULL,
		value_int INTEGER,
		value_float REAL,
		value_string TEXT,
		timestamp TEXT,
		status TEXT,
		status_int INTEGER,
		username TEXT,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL` + ExtraColumnDDL(ds.ExtraSchema()) + `
	);
	CREATE INDEX IF NOT EXISTS idx_storage_key_process ON storage(key, process_name);`

	_, err := ds.DB().Exec(ddl)
	if err != nil {
		return fmt.Errorf("columnstore: create dated schema: %w", err)
	}
	return nil
}

// processNameMatch renders the WHERE-clause fragment that matches a
// nullable process_name the way application-level identity equality
// requires: NULL matches NULL, otherwise exact string match.
func processNameMatch(procName *string) (clause string, args []interface{}) {
	if procName == nil {
		return "process_name IS NULL", nil
	}
	return "process_name = ?", []interface{}{*procName}
}

// UpsertBatch writes every row in one transaction: each identity's prior
// row (if any) is deleted and replaced with a new row carrying
// version = COALESCE(existing version, 0) + 1, implementing the dated
// engine's "one row per identity, monotonically versioned" contract.
func (ds *DatedStore) UpsertBatch(ctx context.Context, rows []cache.DatedRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := ds.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("columnstore: begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := ds.upsertOne(ctx, tx, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (ds *DatedStore) upsertOne(ctx context.Context, tx *sql.Tx, row cache.DatedRow) error {
	clause, args := processNameMatch(row.Identity.ProcessName)
	var existingVersion int64
	q := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM storage WHERE key = ? AND %s", clause)
	qArgs := append([]interface{}{row.Identity.Key}, args...)
	if err := tx.QueryRowContext(ctx, q, qArgs...).Scan(&existingVersion); err != nil {
		return fmt.Errorf("columnstore: query existing version: %w", err)
	}

	del := fmt.Sprintf("DELETE FROM storage WHERE key = ? AND %s", clause)
	if _, err := tx.ExecContext(ctx, del, qArgs...); err != nil {
		return fmt.Errorf("columnstore: delete prior row: %w", err)
	}

	rec := row.Record
	dataJSON, err := payload.MarshalJSON(rec.Data)
	if err != nil {
		return fmt.Errorf("columnstore: marshal data: %w", err)
	}

	cols := []string{"key", "process_name", "data", "timestamp", "status", "status_int",
		"username", "version", "updated_at"}
	vals := []interface{}{
		row.Identity.Key, row.Identity.ProcessName, string(dataJSON),
		timeOrNil(rec.Timestamp), rec.Status, rec.StatusInt, rec.Username,
		existingVersion + 1, cohort.SerializeTimestamp(rec.UpdatedAt),
	}
	for _, name := range ds.extraNames {
		cols = append(cols, name)
		vals = append(vals, rec.Data[name])
	}

	ins := fmt.Sprintf("INSERT INTO storage (%s) VALUES (%s)", joinCols(cols), placeholdersFor(len(cols)))
	if _, err := tx.ExecContext(ctx, ins, vals...); err != nil {
		return fmt.Errorf("columnstore: insert row: %w", err)
	}
	return nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return cohort.SerializeTimestamp(*t)
}

// LoadAll hydrates the dated engine's in-memory cache at cohort open: one
// row per identity, since the dated table already guarantees that
// invariant (spec §4.D full-table hydration).
func (ds *DatedStore) LoadAll(ctx context.Context) ([]cache.DatedRow, error) {
	rows, err := ds.DB().QueryContext(ctx, `SELECT key, process_name, data, timestamp, status, status_int,
		username, version, updated_at FROM storage`)
	if err != nil {
		return nil, fmt.Errorf("columnstore: load dated table: %w", err)
	}
	defer rows.Close()

	var out []cache.DatedRow
	for rows.Next() {
		var (
			key, dataJSON                  string
			procName, ts, status, username sql.NullString
			statusInt                      sql.NullInt64
			version                        int64
			updatedAt                      string
		)
		if err := rows.Scan(&key, &procName, &dataJSON, &ts, &status, &statusInt, &username, &version, &updatedAt); err != nil {
			return nil, fmt.Errorf("columnstore: scan dated row: %w", err)
		}

		data, err := decodeJSONObject(dataJSON)
		if err != nil {
			return nil, fmt.Errorf("columnstore: decode data for key %q: %w", key, err)
		}

		id := common.DatedIdentity{Key: key}
		if procName.Valid {
			v := procName.String
			id.ProcessName = &v
		}

		rec := &payload.Record{Data: data, Version: version}
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

		out = append(out, cache.DatedRow{Identity: id, Record: rec})
	}
	return out, rows.Err()
}
