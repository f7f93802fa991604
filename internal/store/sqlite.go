package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 1

// SQLiteEngine stores every table in a single kv table keyed by
// (table, key). Unlike bbolt the file can be opened by several processes at
// once, which is where the primary lease matters.
type SQLiteEngine struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database in WAL mode.
func OpenSQLite(dbPath string) (*SQLiteEngine, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(1000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	e := &SQLiteEngine{db: db}
	if err := e.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *SQLiteEngine) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		tbl TEXT NOT NULL,
		k BLOB NOT NULL,
		v BLOB NOT NULL,
		PRIMARY KEY (tbl, k)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS docsync_schema_version (
		version INTEGER PRIMARY KEY
	);
	`
	if _, err := e.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", classifySQLiteError("create schema", err))
	}

	var version int
	if err := e.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM docsync_schema_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	_, err := e.db.Exec("INSERT OR REPLACE INTO docsync_schema_version (version) VALUES (?)", currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (e *SQLiteEngine) Close() error { return e.db.Close() }

// classifySQLiteError marks lock contention as retryable.
func classifySQLiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return &RetryableError{Op: op, Err: err}
	}
	return err
}

func (e *SQLiteEngine) run(action string, readOnly bool, fn func(Tx) error) error {
	tx, err := e.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", action, classifySQLiteError("begin", err))
	}
	if err := fn(&sqliteTx{tx: tx, writable: !readOnly}); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: %w", action, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", action, classifySQLiteError("commit", err))
	}
	return nil
}

func (e *SQLiteEngine) Update(action string, fn func(Tx) error) error {
	return e.run(action, false, fn)
}

func (e *SQLiteEngine) View(action string, fn func(Tx) error) error {
	return e.run(action, true, fn)
}

type sqliteTx struct {
	tx       *sql.Tx
	writable bool
}

var errReadOnlyTx = errors.New("write in read-only transaction")

func (t *sqliteTx) Writable() bool { return t.writable }

func (t *sqliteTx) Get(table Table, key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRow("SELECT v FROM kv WHERE tbl = ? AND k = ?", string(table), key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLiteError("get", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *sqliteTx) Put(table Table, key, value []byte) error {
	if !t.writable {
		return errReadOnlyTx
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.Exec(
		"INSERT INTO kv (tbl, k, v) VALUES (?, ?, ?) ON CONFLICT(tbl, k) DO UPDATE SET v = excluded.v",
		string(table), key, value,
	)
	return classifySQLiteError("put", err)
}

func (t *sqliteTx) Delete(table Table, key []byte) error {
	if !t.writable {
		return errReadOnlyTx
	}
	_, err := t.tx.Exec("DELETE FROM kv WHERE tbl = ? AND k = ?", string(table), key)
	return classifySQLiteError("delete", err)
}

func (t *sqliteTx) query(q string, args []any, fn func(k, v []byte) error) error {
	rows, err := t.tx.Query(q, args...)
	if err != nil {
		return classifySQLiteError("scan", err)
	}
	type kv struct{ k, v []byte }
	var buf []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.k, &e.v); err != nil {
			rows.Close()
			return err
		}
		buf = append(buf, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return classifySQLiteError("scan", err)
	}
	rows.Close()
	// Rows are buffered so callbacks may issue further statements.
	for _, e := range buf {
		if err := fn(e.k, e.v); err != nil {
			return stopped(err)
		}
	}
	return nil
}

// nonNil avoids binding NULL, which compares false against every key.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (t *sqliteTx) Scan(table Table, prefix []byte, fn func(k, v []byte) error) error {
	prefix = nonNil(prefix)
	if end := prefixEnd(prefix); end != nil {
		return t.query("SELECT k, v FROM kv WHERE tbl = ? AND k >= ? AND k < ? ORDER BY k",
			[]any{string(table), prefix, end}, fn)
	}
	return t.query("SELECT k, v FROM kv WHERE tbl = ? AND k >= ? ORDER BY k",
		[]any{string(table), prefix}, fn)
}

func (t *sqliteTx) ScanFrom(table Table, start []byte, fn func(k, v []byte) error) error {
	start = nonNil(start)
	return t.query("SELECT k, v FROM kv WHERE tbl = ? AND k >= ? ORDER BY k",
		[]any{string(table), start}, fn)
}

func (t *sqliteTx) ScanReverse(table Table, prefix []byte, fn func(k, v []byte) error) error {
	prefix = nonNil(prefix)
	if end := prefixEnd(prefix); end != nil {
		return t.query("SELECT k, v FROM kv WHERE tbl = ? AND k >= ? AND k < ? ORDER BY k DESC",
			[]any{string(table), prefix, end}, fn)
	}
	return t.query("SELECT k, v FROM kv WHERE tbl = ? AND k >= ? ORDER BY k DESC",
		[]any{string(table), prefix}, fn)
}
