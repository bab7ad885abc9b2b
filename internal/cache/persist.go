package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/ir"
)

// flushBatch is the durable work captured from the cache in one step.
type flushBatch struct {
	entries map[string][]byte
	evict   []string
	// keys and drafts that must be re-marked if the write fails
	records     []string
	drafts      []string
	gone        []string
	indexDirty  bool
	encodeError error
}

// Flush writes every dirty record and draft to the durable adapter in batches
// of the configured size, and removes evicted keys. On failure the affected
// keys stay dirty for the next flush; in-memory state is never changed.
func (c *Cache) Flush(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "cache.Flush")
	defer span.End()

	c.mu.Lock()
	batch := c.captureLocked()
	c.mu.Unlock()

	if len(batch.entries) == 0 && len(batch.evict) == 0 {
		return batch.encodeError
	}
	span.SetAttributes(
		attribute.Int("graphcache.entries", len(batch.entries)),
		attribute.Int("graphcache.evicted", len(batch.evict)),
	)

	if err := c.write(ctx, batch); err != nil {
		c.mu.Lock()
		c.restoreLocked(batch)
		c.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("flush failed", "entries", len(batch.entries), "evicted", len(batch.evict), "error", err)
		return fmt.Errorf("flush: %w", err)
	}
	c.logger.Debug("flushed", "entries", len(batch.entries), "evicted", len(batch.evict))
	return batch.encodeError
}

// captureLocked encodes dirty state and clears the dirty sets.
func (c *Cache) captureLocked() flushBatch {
	b := flushBatch{entries: make(map[string][]byte)}
	var encodeErrs []error

	for _, key := range slices.Sorted(maps.Keys(c.dirty)) {
		rec, ok := c.records[key]
		if !ok {
			continue
		}
		data, err := c.codec.Encode(*rec)
		if err != nil {
			encodeErrs = append(encodeErrs, err)
			continue
		}
		b.entries[key] = data
		b.records = append(b.records, key)
	}
	clear(c.dirty)

	for _, id := range slices.Sorted(maps.Keys(c.draftsDirty)) {
		d, ok := c.drafts.Get(id)
		if !ok {
			continue
		}
		data, err := draft.Encode(d)
		if err != nil {
			encodeErrs = append(encodeErrs, err)
			continue
		}
		b.entries[draft.StorageKey(id)] = data
		b.drafts = append(b.drafts, id)
	}
	clear(c.draftsDirty)

	if c.indexDirty {
		ids := make([]string, 0, c.drafts.Len())
		for _, d := range c.drafts.All() {
			ids = append(ids, d.ID)
		}
		if data, err := draft.EncodeIndex(ids); err != nil {
			encodeErrs = append(encodeErrs, err)
		} else {
			b.entries[draft.IndexKey] = data
			b.indexDirty = true
		}
		c.indexDirty = false
	}

	b.evict = slices.Sorted(maps.Keys(c.evicted))
	for _, id := range slices.Sorted(maps.Keys(c.draftsGone)) {
		b.evict = append(b.evict, draft.StorageKey(id))
		b.gone = append(b.gone, id)
	}
	clear(c.evicted)
	clear(c.draftsGone)

	b.encodeError = errors.Join(encodeErrs...)
	return b
}

// restoreLocked re-marks the keys of a failed flush as dirty. Keys changed
// since the capture are dirty already.
func (c *Cache) restoreLocked(b flushBatch) {
	for _, key := range b.records {
		if _, ok := c.records[key]; ok {
			c.dirty[key] = struct{}{}
		}
	}
	for _, id := range b.drafts {
		if _, gone := c.draftsGone[id]; !gone {
			c.draftsDirty[id] = struct{}{}
		}
	}
	for _, key := range b.evict {
		if _, ok := c.records[key]; !ok && !isDraftKey(key) {
			c.evicted[key] = struct{}{}
		}
	}
	for _, id := range b.gone {
		if _, back := c.drafts.Get(id); !back {
			c.draftsGone[id] = struct{}{}
		}
	}
	if b.indexDirty {
		c.indexDirty = true
	}
}

func (c *Cache) write(ctx context.Context, b flushBatch) error {
	keys := slices.Sorted(maps.Keys(b.entries))
	for start := 0; start < len(keys); start += c.batchSize {
		end := min(start+c.batchSize, len(keys))
		chunk := make(map[string][]byte, end-start)
		for _, k := range keys[start:end] {
			chunk[k] = b.entries[k]
		}
		if err := c.durable.SetAll(ctx, chunk); err != nil {
			return err
		}
	}
	for start := 0; start < len(b.evict); start += c.batchSize {
		end := min(start+c.batchSize, len(b.evict))
		if err := c.durable.EvictAll(ctx, b.evict[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes every flush interval until ctx is cancelled, then flushes once
// more with a context that ignores the cancellation. It returns the error of
// that last flush.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	c.logger.Debug("write-behind started", "interval", c.flushInterval, "batch_size", c.batchSize)
	for {
		select {
		case <-ctx.Done():
			err := c.Flush(context.WithoutCancel(ctx))
			c.logger.Debug("write-behind stopped", "error", err)
			return err
		case <-ticker.C:
			// Errors are logged by Flush and retried on the next tick.
			_ = c.Flush(ctx)
		}
	}
}

// Evict removes keys from memory and from the durable store. Subscribers
// that read an evicted key are re-evaluated.
func (c *Cache) Evict(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.mu.Lock()
	touched := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := c.records[key]; ok {
			delete(c.records, key)
			touched[key] = struct{}{}
		}
		delete(c.dirty, key)
		delete(c.evicted, key)
	}
	c.finish(touched)

	if c.durable == nil {
		return nil
	}
	// A flush in progress may hold a capture of these keys; its writes must
	// land before the store delete.
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if err := c.durable.EvictAll(ctx, keys); err != nil {
		c.logger.Error("evict failed", "keys", len(keys), "error", err)
		return fmt.Errorf("evict: %w", err)
	}
	return nil
}

// Hydrate loads keys from the durable store and commits them. A key already
// held in memory is merged through its reducer with the in-memory fields
// winning, so fields only the store holds are kept.
// Undecodable entries are logged and skipped; their errors are joined into
// the returned error. It returns the number of records hydrated.
func (c *Cache) Hydrate(ctx context.Context, keys ...string) (int, error) {
	if c.durable == nil || len(keys) == 0 {
		return 0, nil
	}
	ctx, span := c.tracer.Start(ctx, "cache.Hydrate", trace.WithAttributes(
		attribute.Int("graphcache.requested", len(keys)),
	))
	defer span.End()

	raw, err := c.durable.GetAll(ctx, keys)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("hydrate failed", "keys", len(keys), "error", err)
		return 0, fmt.Errorf("hydrate: %w", err)
	}

	var decodeErrs []error
	records := make([]ir.Record, 0, len(raw))
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		rec, format, err := c.codec.Decode(raw[key])
		if err != nil {
			c.logger.Error("hydrate decode failed", "key", key, "error", err)
			decodeErrs = append(decodeErrs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if rec.Key != key {
			decodeErrs = append(decodeErrs, fmt.Errorf("%s: stored record has key %s", key, rec.Key))
			continue
		}
		if format < ir.RecordFormat {
			c.logger.Debug("migrated record format", "key", key, "from", format, "to", ir.RecordFormat)
		}
		records = append(records, rec)
	}

	c.mu.Lock()
	buf := c.newWriteBuffer()
	buf.hydrated = true
	var combined []string
	for _, rec := range records {
		if _, gone := c.evicted[rec.Key]; gone {
			continue
		}
		if mem, ok := c.records[rec.Key]; ok {
			if buf.mergeStored(rec, mem) {
				combined = append(combined, rec.Key)
			}
			continue
		}
		buf.stageRecord(rec)
	}
	touched := buf.commit()
	// Merged records now differ from the stored copy.
	for _, key := range combined {
		c.dirty[key] = struct{}{}
	}
	c.finish(touched)

	span.SetAttributes(attribute.Int("graphcache.hydrated", len(touched)))
	c.logger.Debug("hydrated", "requested", len(keys), "found", len(raw), "hydrated", len(touched))
	return len(touched), joinDecodeErrors(decodeErrs)
}

// HydrateDrafts restores persisted drafts. Drafts that were uploading when
// persisted are restored as pending, since the upload outcome is unknown.
// Drafts already queued are skipped. Returns the number restored.
func (c *Cache) HydrateDrafts(ctx context.Context) (int, error) {
	if c.durable == nil {
		return 0, nil
	}
	idx, err := c.durable.GetAll(ctx, []string{draft.IndexKey})
	if err != nil {
		return 0, fmt.Errorf("hydrate drafts: %w", err)
	}
	data, ok := idx[draft.IndexKey]
	if !ok {
		return 0, nil
	}
	ids, err := draft.DecodeIndex(data)
	if err != nil {
		return 0, fmt.Errorf("hydrate drafts: %w", err)
	}
	storageKeys := make([]string, len(ids))
	for i, id := range ids {
		storageKeys[i] = draft.StorageKey(id)
	}
	raw, err := c.durable.GetAll(ctx, storageKeys)
	if err != nil {
		return 0, fmt.Errorf("hydrate drafts: %w", err)
	}

	var decodeErrs []error
	c.mu.Lock()
	touched := make(map[string]struct{})
	restored := 0
	for _, key := range storageKeys {
		data, ok := raw[key]
		if !ok {
			continue
		}
		d, err := draft.Decode(data)
		if err != nil {
			decodeErrs = append(decodeErrs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if _, exists := c.drafts.Get(d.ID); exists {
			continue
		}
		if d.Status == draft.StatusUploading {
			d.Status = draft.StatusPending
		}
		if err := c.drafts.Add(d); err != nil {
			decodeErrs = append(decodeErrs, err)
			continue
		}
		c.seq.Advance(d.Seq)
		touched[d.TargetKey] = struct{}{}
		restored++
	}
	c.finish(touched)

	c.logger.Debug("hydrated drafts", "restored", restored)
	return restored, joinDecodeErrors(decodeErrs)
}

// StoredKeys lists the record keys held by the durable store, sorted.
// Persisted drafts are excluded. The adapter must implement durable.Lister.
func (c *Cache) StoredKeys(ctx context.Context) ([]string, error) {
	if c.durable == nil {
		return nil, nil
	}
	lister, ok := c.durable.(durable.Lister)
	if !ok {
		return nil, fmt.Errorf("stored keys: %T cannot list keys", c.durable)
	}
	all, err := lister.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("stored keys: %w", err)
	}
	out := make([]string, 0, len(all))
	for _, k := range all {
		if !isDraftKey(k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Close flushes pending writes and closes the durable adapter.
func (c *Cache) Close(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	flushErr := c.Flush(ctx)
	return errors.Join(flushErr, c.durable.Close())
}

func joinDecodeErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("hydrate: %d entries skipped: %w", len(errs), errors.Join(errs...))
}

func isDraftKey(key string) bool {
	return key == draft.IndexKey || strings.HasPrefix(key, draft.KeyPrefix)
}
