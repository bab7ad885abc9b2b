// Package durable is the boundary between the cache and persistent storage.
//
// An Adapter is a batched key/value store of opaque bytes. The cache writes
// encoded records behind the in-memory store and reads them back only on
// explicit hydration, so adapters never sit on the read path.
//
// Implementations:
//   - Memory: process-local map, used by tests and the default DSN
//   - SQLite: single file, WAL mode, schema migrations via PRAGMA user_version
//   - Postgres: shared table with upsert semantics
//   - File: one JSON document rewritten atomically
//
// Open selects an implementation from a DSN. Codec encodes records into the
// versioned envelope, validates them against a JSON Schema on the way back
// and migrates older envelope formats.
package durable
