package durable

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Index on entries.updated_at for databases created before it existed
const currentSchemaVersion = 1

// sqliteVarLimit bounds the number of placeholders per statement.
const sqliteVarLimit = 500

// SQLite is an Adapter backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a database at path and applies pragmas and
// migrations. Safe to call on an existing database.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storeErr("sqlite", "open", 0, fmt.Errorf("open database: %w", err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storeErr("sqlite", "open", 0, fmt.Errorf("connect to database: %w", err))
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, storeErr("sqlite", "open", 0, err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, storeErr("sqlite", "open", 0, err)
	}
	return &SQLite{db: db}, nil
}

// GetAll implements Adapter.
func (s *SQLite) GetAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, chunk := range chunkKeys(keys, sqliteVarLimit) {
		query := "SELECT key, value FROM entries WHERE key IN (" + placeholders(len(chunk)) + ")"
		rows, err := s.db.QueryContext(ctx, query, anyArgs(chunk)...)
		if err != nil {
			return nil, storeErr("sqlite", "get", len(keys), err)
		}
		for rows.Next() {
			var key string
			var value []byte
			if err := rows.Scan(&key, &value); err != nil {
				rows.Close()
				return nil, storeErr("sqlite", "get", len(keys), err)
			}
			out[key] = value
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, storeErr("sqlite", "get", len(keys), err)
		}
	}
	return out, nil
}

// SetAll implements Adapter. The batch is written in one transaction.
func (s *SQLite) SetAll(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entries (key, value, updated_at)
			VALUES (?, ?, strftime('%s', 'now'))
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, key := range sortedKeys(entries) {
			if _, err := stmt.ExecContext(ctx, key, entries[key]); err != nil {
				return fmt.Errorf("upsert %s: %w", key, err)
			}
		}
		return nil
	})
	return storeErr("sqlite", "set", len(entries), err)
}

// EvictAll implements Adapter.
func (s *SQLite) EvictAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkKeys(keys, sqliteVarLimit) {
			query := "DELETE FROM entries WHERE key IN (" + placeholders(len(chunk)) + ")"
			if _, err := tx.ExecContext(ctx, query, anyArgs(chunk)...); err != nil {
				return err
			}
		}
		return nil
	})
	return storeErr("sqlite", "evict", len(keys), err)
}

// Keys implements Lister.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, storeErr("sqlite", "list", 0, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storeErr("sqlite", "list", 0, err)
		}
		out = append(out, key)
	}
	return out, storeErr("sqlite", "list", 0, rows.Err())
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the updated_at index for databases created without it.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_updated_at ON entries(updated_at)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// schemaVersion returns PRAGMA user_version. Used by tests.
func (s *SQLite) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("PRAGMA user_version").Scan(&version)
	return version, err
}

// pragma returns the value of a pragma. Used by tests.
func (s *SQLite) pragma(name string) (string, error) {
	var value string
	err := s.db.QueryRow("PRAGMA " + name).Scan(&value)
	return value, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anyArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
