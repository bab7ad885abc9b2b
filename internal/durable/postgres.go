package durable

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName        = "graphcache_entries"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is an Adapter backed by one table in a PostgreSQL database. The
// connection and table are created lazily on first use.
type Postgres struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres creates an adapter for dsn. No connection is made until the
// first operation.
func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, storeErr("postgres", "open", 0, fmt.Errorf("dsn is required"))
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

// GetAll implements Adapter.
func (p *Postgres) GetAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if err := p.ensureReady(ctx); err != nil {
		return nil, storeErr("postgres", "get", len(keys), err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key, value FROM %s WHERE key = ANY($1)", postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, storeErr("postgres", "get", len(keys), err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storeErr("postgres", "get", len(keys), err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("postgres", "get", len(keys), err)
	}
	return out, nil
}

// SetAll implements Adapter. The batch is written in one transaction.
func (p *Postgres) SetAll(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	if err := p.ensureReady(ctx); err != nil {
		return storeErr("postgres", "set", len(entries), err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(p.tableName))

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("postgres", "set", len(entries), err)
	}
	for _, key := range sortedKeys(entries) {
		if _, err := tx.ExecContext(ctx, query, key, entries[key]); err != nil {
			_ = tx.Rollback()
			return storeErr("postgres", "set", len(entries), fmt.Errorf("upsert %s: %w", key, err))
		}
	}
	return storeErr("postgres", "set", len(entries), tx.Commit())
}

// EvictAll implements Adapter.
func (p *Postgres) EvictAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := p.ensureReady(ctx); err != nil {
		return storeErr("postgres", "evict", len(keys), err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ANY($1)", postgresQuoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query, pq.Array(keys))
	return storeErr("postgres", "evict", len(keys), err)
}

// Keys implements Lister.
func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, storeErr("postgres", "list", 0, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key FROM %s WHERE starts_with(key, $1) ORDER BY key", postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, storeErr("postgres", "list", 0, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storeErr("postgres", "list", 0, err)
		}
		out = append(out, key)
	}
	return out, storeErr("postgres", "list", 0, rows.Err())
}

// Close implements Adapter.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady(ctx context.Context) error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
