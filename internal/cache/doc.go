// Package cache is the normalized entity cache.
//
// A Cache owns one record per entity key. Server payloads enter through
// Ingest (or Fetch, which wraps a Transport), are split into records by the
// selection plan, merged with the registered reducers and committed
// atomically. Readers subscribe with a plan and receive immutable Snapshots
// whenever a mutation touches a key their last snapshot depended on and the
// rebuilt data actually differs.
//
// Optimistic drafts overlay canonical records until the server confirms or
// rejects them; see package draft for the state machine.
//
// Persistence is write-behind: commits mark keys dirty and Flush (or Run)
// writes them to the durable adapter in batches. Durable state is read back
// only through Hydrate and HydrateDrafts.
//
// # Concurrency
//
// One mutex serializes every mutation and snapshot build. Notifications are
// queued while the mutex is held, so batches are delivered in mutation order,
// and dispatched after it is released. A callback may mutate the cache; the
// resulting batch is delivered after the current one finishes.
package cache
