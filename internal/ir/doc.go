// Package ir provides the value and record types shared by every layer of
// graphcache.
//
// This package contains type definitions and serialization only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// value model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - IRValue is sealed; records hold IRRef values instead of nested entities
//   - Canonical JSON (RFC 8785 key order, NFC strings) is the only persisted form
//   - Values handed out of the cache are always deep clones
//   - Record versions are logical counters, never wall-clock timestamps
package ir
