// Package plan defines the selection plan: the fixed intermediate
// representation that ingestion and snapshot building consume.
//
// A plan names a root entity type (and optionally a root key) and a tree of
// field selections. It is produced by an external query parser or by the
// CUE schema compiler and is never parsed here.
//
// FIELD KINDS:
//
//   - Scalar: copied as-is (strings, numbers, booleans, scalar lists, and
//     opaque objects)
//   - Link: a single entity; ingested into its own record and replaced by an
//     IRRef. Fragments without identity are inlined instead.
//   - List: an ordered list of entities; each element follows Link rules.
//
// Required fields are non-nullable: ingestion rejects payloads missing them,
// and snapshot building marks the snapshot Stale when a required reference
// cannot be resolved.
package plan
