package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/keys"
	"github.com/roach88/graphcache/internal/plan"
)

// ApplyDraft queues an optimistic mutation of target and returns the draft
// id. Subscribers reading target see the overlay immediately.
func (c *Cache) ApplyDraft(target string, op draft.Operation, payload ir.IRObject) (string, error) {
	if target == "" {
		return "", fmt.Errorf("apply draft: target key is required")
	}
	if !op.Valid() {
		return "", fmt.Errorf("apply draft on %s: unknown operation %q", target, op)
	}

	c.mu.Lock()
	typ := keys.TypeOf(target)
	if rec, ok := c.records[target]; ok && rec.Type != "" {
		typ = rec.Type
	}
	d := draft.Draft{
		ID:        c.ids.Generate(),
		TargetKey: target,
		Type:      typ,
		Operation: op,
		Payload:   payload.Clone(),
		Status:    draft.StatusPending,
		CreatedAt: c.now().UTC(),
		Seq:       c.seq.Next(),
	}
	if err := c.drafts.Add(d); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.markDraftDirty(d.ID)
	c.logger.Debug("draft applied", "draft", d.ID, "target", target, "op", string(op), "seq", d.Seq)
	c.finish(keySet(target))
	return d.ID, nil
}

// BeginUpload moves the draft to uploading. Only the head of its target's
// queue may upload; see draft.Queue.BeginUpload.
func (c *Cache) BeginUpload(id string) (draft.Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.drafts.Get(id)
	if !ok {
		return draft.Draft{}, fmt.Errorf("begin upload %s: %w", id, draft.ErrNotFound)
	}
	var base int64
	if rec, ok := c.records[cur.TargetKey]; ok {
		base = rec.Version
	}
	d, err := c.drafts.BeginUpload(id, base)
	if err != nil {
		return draft.Draft{}, err
	}
	c.markDraftDirty(id)
	return d, nil
}

// ConfirmDraft completes an upload: response (when non-nil) is ingested with
// p as the authoritative server state, the draft is removed and subscribers
// are notified once for the combined change. A confirmed delete also removes
// the canonical record.
func (c *Cache) ConfirmDraft(ctx context.Context, id string, response ir.IRObject, p *plan.Plan) (IngestResult, error) {
	_, span := c.tracer.Start(ctx, "cache.ConfirmDraft")
	defer span.End()

	c.mu.Lock()
	d, ok := c.drafts.Get(id)
	if !ok {
		c.mu.Unlock()
		return IngestResult{}, fmt.Errorf("confirm %s: %w", id, draft.ErrNotFound)
	}
	if d.Status != draft.StatusUploading {
		c.mu.Unlock()
		return IngestResult{}, fmt.Errorf("%w: confirm on %s draft %s", draft.ErrInvalidTransition, d.Status, id)
	}

	if rec, ok := c.records[d.TargetKey]; ok && rec.Version != d.BaseVersion {
		c.logger.Debug("draft target changed during upload",
			"draft", id,
			"target", d.TargetKey,
			"base_version", d.BaseVersion,
			"version", rec.Version)
	}

	var res IngestResult
	touched := keySet(d.TargetKey)
	if response != nil && p != nil {
		buf := c.newWriteBuffer()
		root, err := buf.ingestRoot(response, p)
		if err != nil {
			c.mu.Unlock()
			span.RecordError(err)
			return IngestResult{}, err
		}
		for k := range buf.commit() {
			touched[k] = struct{}{}
		}
		res = IngestResult{RootKey: root}
	}

	if _, err := c.drafts.Confirm(id); err != nil {
		c.mu.Unlock()
		return IngestResult{}, err
	}
	c.markDraftGone(id)

	if d.Operation == draft.OpDelete {
		delete(c.records, d.TargetKey)
		delete(c.dirty, d.TargetKey)
		c.evicted[d.TargetKey] = struct{}{}
	}
	res.Touched = sortedSet(touched)

	c.logger.Debug("draft confirmed", "draft", id, "target", d.TargetKey, "touched", len(touched))
	c.finish(touched)
	return res, nil
}

// FailDraft records a rejected upload. The overlay stays visible and later
// drafts on the same target stay blocked until RetryDraft or DiscardDraft.
func (c *Cache) FailDraft(id string, cause error) error {
	c.mu.Lock()
	d, err := c.drafts.Fail(id, cause)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.markDraftDirty(id)
	c.logger.Warn("draft upload failed", "draft", id, "target", d.TargetKey, "error", cause)
	c.finish(keySet(d.TargetKey))
	return nil
}

// RetryDraft moves a failed draft back to pending.
func (c *Cache) RetryDraft(id string) error {
	c.mu.Lock()
	d, err := c.drafts.Retry(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.markDraftDirty(id)
	c.finish(keySet(d.TargetKey))
	return nil
}

// DiscardDraft removes a draft that is not uploading and recomputes the
// overlay of its target.
func (c *Cache) DiscardDraft(id string) error {
	c.mu.Lock()
	d, err := c.drafts.Discard(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.markDraftGone(id)
	c.logger.Debug("draft discarded", "draft", id, "target", d.TargetKey)
	c.finish(keySet(d.TargetKey))
	return nil
}

// Draft returns a copy of the draft with id.
func (c *Cache) Draft(id string) (draft.Draft, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drafts.Get(id)
}

// Drafts returns the queued drafts on target in creation order. An empty
// target returns every queued draft.
func (c *Cache) Drafts(target string) []draft.Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target == "" {
		return c.drafts.All()
	}
	return c.drafts.ForTarget(target)
}

// Uploader sends a draft to the server. It returns the authoritative
// response and the plan to ingest it with; a nil response confirms without
// ingesting anything.
type Uploader func(ctx context.Context, d draft.Draft) (response ir.IRObject, p *plan.Plan, err error)

// SyncResult counts the outcome of SyncDrafts.
type SyncResult struct {
	Confirmed int
	Failed    int
}

// SyncDrafts uploads every uploadable draft, one at a time per target and in
// creation order, until no pending head remains. Upload failures move the
// draft to error and are counted, not returned; the returned error is the
// context error or an unexpected cache error.
func (c *Cache) SyncDrafts(ctx context.Context, upload Uploader) (SyncResult, error) {
	var res SyncResult
	for {
		c.mu.Lock()
		heads := c.drafts.Uploadable()
		c.mu.Unlock()
		if len(heads) == 0 {
			return res, nil
		}

		progressed := false
		for _, head := range heads {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			d, err := c.BeginUpload(head.ID)
			if err != nil {
				if errors.Is(err, draft.ErrNotFound) || errors.Is(err, draft.ErrUploadInFlight) || errors.Is(err, draft.ErrBlocked) {
					// Discarded or claimed concurrently.
					continue
				}
				return res, err
			}
			progressed = true

			response, p, sendErr := upload(ctx, d)
			if sendErr == nil {
				if _, err := c.ConfirmDraft(ctx, d.ID, response, p); err != nil {
					sendErr = err
				} else {
					res.Confirmed++
					continue
				}
			}
			if err := c.FailDraft(d.ID, sendErr); err != nil {
				return res, err
			}
			res.Failed++
		}
		if !progressed {
			return res, nil
		}
	}
}

// markDraftDirty schedules the draft for the next flush.
func (c *Cache) markDraftDirty(id string) {
	c.draftsDirty[id] = struct{}{}
	delete(c.draftsGone, id)
	c.indexDirty = true
}

// markDraftGone schedules removal of a persisted draft.
func (c *Cache) markDraftGone(id string) {
	delete(c.draftsDirty, id)
	c.draftsGone[id] = struct{}{}
	c.indexDirty = true
}
