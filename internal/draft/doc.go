// Package draft holds optimistic local mutations until the server confirms or
// rejects them.
//
// Each target key owns an ordered queue of drafts. Drafts move through a small
// state machine:
//
//	pending -> uploading -> confirmed (removed)
//	                     -> error -> pending (retry)
//
// Only the head of a target's queue may upload, so at most one draft per
// target is ever in flight and server-side effects apply in creation order.
// A draft in error state keeps its overlay visible and blocks every later
// draft on the same target until it is retried or discarded.
//
// Queue is not safe for concurrent use; the cache serializes access to it
// together with the records it overlays.
package draft
