package durable

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Open builds an adapter from a DSN:
//
//	memory:                       in-process Memory
//	file:/path/cache.json         File
//	sqlite:/path/cache.db         SQLite (also sqlite3:)
//	postgres://user@host/db       Postgres (also postgresql://)
//	/path/cache.db                SQLite when the extension is .db, .sqlite or .sqlite3
//	/path/cache.json              File otherwise
//
// An empty DSN is memory:.
func Open(dsn string) (Adapter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, storeErr("dsn", "open", 0, fmt.Errorf("parse dsn: %w", err))
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(path)
	case "file":
		path, err := dsnPath(parsed)
		if err != nil {
			return nil, err
		}
		return NewFile(path)
	case "":
		switch strings.ToLower(filepath.Ext(dsn)) {
		case ".db", ".sqlite", ".sqlite3":
			return OpenSQLite(dsn)
		default:
			return NewFile(dsn)
		}
	default:
		return nil, storeErr("dsn", "open", 0, fmt.Errorf("unsupported durable store scheme: %s", scheme))
	}
}

// Backend returns the backend name Open would select for dsn.
func Backend(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "memory"
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return "memory"
	case "postgres", "postgresql":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	case "file":
		return "file"
	case "":
		switch strings.ToLower(filepath.Ext(dsn)) {
		case ".db", ".sqlite", ".sqlite3":
			return "sqlite"
		}
		return "file"
	}
	return ""
}

func dsnPath(parsed *url.URL) (string, error) {
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		return "", storeErr("dsn", "open", 0, fmt.Errorf("%s dsn has no path", parsed.Scheme))
	}
	return path, nil
}
