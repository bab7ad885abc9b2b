// Package harness runs YAML cache scenarios and records a deterministic trace
// of every operation and every subscriber notification.
//
// # Scenario Format
//
//	name: acme_rename
//	description: "Optimistic rename is confirmed by the server"
//	schema: |
//	  type: Account: { identity: ["Id"] }
//	  plan: AccountName: {
//	    type: "Account"
//	    root: "Account:1"
//	    fields: ["Id", { name: "Name", required: true }]
//	  }
//	subscribe:
//	  - plan: AccountName
//	steps:
//	  - op: ingest
//	    plan: AccountName
//	    payload: { Id: 1, Name: Acme }
//	  - op: draft
//	    target: "Account:1"
//	    kind: update
//	    payload: { Name: "Acme Corp" }
//	  - op: upload
//	    draft: d-1
//	  - op: confirm
//	    draft: d-1
//	    plan: AccountName
//	    payload: { Id: 1, Name: "Acme Corp" }
//	assertions:
//	  - type: snapshot
//	    plan: AccountName
//	    state: fulfilled
//	    data: { Name: "Acme Corp" }
//	  - type: notify_count
//	    sub: AccountName
//	    count: 2
//
// # Steps
//
//   - ingest: normalize payload with plan
//   - fetch: run plan through a scripted transport; error/status script a failure
//   - draft: apply an optimistic create, update or delete on target
//   - upload, confirm, fail, retry, discard: drive a draft through its lifecycle
//   - sync: upload every ready draft; responses and failures are keyed by draft id
//   - flush, evict, hydrate: durable write-behind operations
//   - restart: flush, then rebuild the cache over the same durable store,
//     hydrate records and drafts, and re-subscribe
//
// A step may set expect_error to one of malformed, network, blocked,
// in_flight, not_found, invalid_transition, durable or any. A step without it
// must succeed.
//
// # Assertion Types
//
//   - snapshot: state and a subset of the data of a plan's current snapshot
//   - record: version and a subset of the fields of a stored record, or absent
//   - drafts: number of queued drafts for a target ("" for all)
//   - notify_count: number of notifications a subscription received
//
// # Deterministic Testing
//
// Draft ids are sequential (d-1, d-2, ...), timestamps come from a manual
// clock, and the durable store is in memory, so the same scenario always
// produces the same trace. Traces are compared against golden files with
// RunWithGolden.
package harness
