// Package columnstore implements spec component E: the embedded
// analytical column store each cohort directory owns. It is realised on
// top of modernc.org/sqlite (pure-Go, no cgo) via database/sql, grounded
// on the pack's core.Engine — WAL journal mode, a fixed DDL applied with
// CREATE TABLE IF NOT EXISTS on every open, and a COUNT(*) health probe
// used to detect a corrupted file before the engine trusts it.
package columnstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"fastpersist/internal/common"
	"fastpersist/internal/config"
)

// Store wraps one cohort's sqlite-backed database file.
type Store struct {
	db          *sql.DB
	path        string
	extraSchema map[string]config.ExtraColumnType
}

// Open opens (creating if absent) the column store at <cohortDir>/<dbName>
// and runs a health probe; the table DDL is applied afterwards by
// NewDatedStore or NewCollectionStore. A probe failure returns
// ErrStoreCorrupted rather than silently continuing, per spec §7's
// corruption-detection requirement.
func Open(cohortDir, dbName string, extraSchema map[string]config.ExtraColumnType) (*Store, error) {
	path := filepath.Join(cohortDir, dbName)
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("columnstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite allows one writer; serialise through database/sql's pool

	s := &Store{db: db, path: path, extraSchema: extraSchema}
	if err := s.healthProbe(); err != nil {
		db.Close()
		return nil, common.ErrStoreCorruptedError(path, err)
	}
	return s, nil
}

func (s *Store) healthProbe() error {
	if err := s.db.Ping(); err != nil {
		return err
	}
	var n int
	// sqlite_master is always present on a well-formed file; a corrupted
	// file fails this trivial query immediately rather than later mid-batch.
	return s.db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n)
}

// DB exposes the underlying handle for package-internal callers
// (dated.go/collection.go) that need direct transaction control.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the on-disk database file path.
func (s *Store) Path() string { return s.path }

// ExtraSchema returns the declared extra-column projection.
func (s *Store) ExtraSchema() map[string]config.ExtraColumnType { return s.extraSchema }

// Close checkpoints the WAL journal and closes the connection. Checkpoint
// failures are returned, not swallowed: the caller (engine shutdown) needs
// to know before it copies the file out for a parquet export or backup.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("columnstore: checkpoint %s: %w", s.path, err)
	}
	return s.db.Close()
}

// ExtraColumnDDL renders the extra_schema projection as column
// definitions for inclusion in a CREATE TABLE statement.
func ExtraColumnDDL(schema map[string]config.ExtraColumnType) string {
	var ddl string
	for col, typ := range schema {
		ddl += fmt.Sprintf(",\n\t%s %s", col, sqlTypeFor(typ))
	}
	return ddl
}

func sqlTypeFor(t config.ExtraColumnType) string {
	switch t {
	case config.ExtraInt64:
		return "INTEGER"
	case config.ExtraFloat64:
		return "REAL"
	case config.ExtraBool:
		return "INTEGER"
	case config.ExtraTimestamp:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// ExtraColumnNames returns the declared extra_schema column names, in a
// stable (sorted) order so every prepared statement that touches them is
// deterministic across a process's lifetime.
func ExtraColumnNames(schema map[string]config.ExtraColumnType) []string {
	names := make([]string, 0, len(schema))
	for col := range schema {
		names = append(names, col)
	}
	// simple insertion sort: extra_schema maps are small, and this avoids
	// importing sort purely for a handful of elements at call sites that
	// already import it for other reasons.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

// beginTx starts a transaction, used by dated.go/collection.go so both
// share one context-aware entry point.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func placeholdersFor(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

func decodeJSONObject(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
