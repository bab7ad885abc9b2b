package cache

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/merge"
	"github.com/roach88/graphcache/internal/plan"
)

// IngestResult describes a committed ingestion pass.
type IngestResult struct {
	// RootKey is the key of the payload root.
	RootKey string
	// Touched lists the keys whose records were created or changed, sorted.
	// Keys merged without any change are not included.
	Touched []string
}

// Ingest normalizes raw according to p and commits the resulting records
// atomically. The root key is derived from the payload; p.RootKey is ignored.
// On error nothing is committed.
func (c *Cache) Ingest(ctx context.Context, raw ir.IRObject, p *plan.Plan) (IngestResult, error) {
	if p == nil {
		return IngestResult{}, fmt.Errorf("ingest: %w", ErrNoPlan)
	}
	_, span := c.tracer.Start(ctx, "cache.Ingest", trace.WithAttributes(
		attribute.String("graphcache.plan", p.Label()),
	))
	defer span.End()

	c.mu.Lock()
	res, touched, err := c.ingestLocked(raw, p)
	if err != nil {
		c.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return IngestResult{}, err
	}
	span.SetAttributes(
		attribute.String("graphcache.root", res.RootKey),
		attribute.Int("graphcache.touched", len(res.Touched)),
	)
	c.finish(touched)
	return res, nil
}

// ingestLocked runs an ingestion pass and commits it. Must be called with c.mu
// held.
func (c *Cache) ingestLocked(raw ir.IRObject, p *plan.Plan) (IngestResult, map[string]struct{}, error) {
	buf := c.newWriteBuffer()
	root, err := buf.ingestRoot(raw, p)
	if err != nil {
		return IngestResult{}, nil, err
	}
	touched := buf.commit()
	c.logger.Debug("ingested",
		"plan", p.Label(),
		"root", root,
		"merged", len(buf.order),
		"touched", len(touched))
	return IngestResult{RootKey: root, Touched: sortedSet(touched)}, touched, nil
}

// writeBuffer stages merged records for one ingestion pass. Nothing reaches
// the cache until commit.
type writeBuffer struct {
	c       *Cache
	plan    string
	staged  map[string]*ir.Record
	changed map[string]struct{}
	order   []string
	ctx     merge.Context
	// hydrated buffers hold records read from the durable store; they are
	// not written back.
	hydrated bool
}

func (c *Cache) newWriteBuffer() *writeBuffer {
	return &writeBuffer{
		c:       c,
		staged:  make(map[string]*ir.Record),
		changed: make(map[string]struct{}),
		ctx:     merge.Context{Written: make(map[string]struct{})},
	}
}

func (w *writeBuffer) ingestRoot(raw ir.IRObject, p *plan.Plan) (string, error) {
	w.plan = p.Label()
	if raw == nil {
		return "", w.malformed(p.Label(), "", "payload is empty")
	}
	key, ok := w.c.resolver.Resolve(p.Type, raw)
	if !ok {
		return "", w.malformed(p.Label(), "", fmt.Sprintf("root %s has no identity", p.Type))
	}
	fields, err := w.normalize(raw, p.Fields, p.Label())
	if err != nil {
		return "", err
	}
	w.stage(key, p.Type, fields)
	return key, nil
}

// normalize copies the selected fields of obj, replacing identifiable nested
// entities with references.
func (w *writeBuffer) normalize(obj ir.IRObject, sel []plan.Field, path string) (ir.IRObject, error) {
	out := make(ir.IRObject, len(sel))
	for _, f := range sel {
		v, ok := obj[f.Name]
		if !ok || ir.IsNull(v) {
			if f.Required {
				reason := "is required but missing"
				if ok {
					reason = "is required but null"
				}
				return nil, w.malformed(path, f.Name, reason)
			}
			if ok {
				out[f.Name] = ir.IRNull{}
			}
			continue
		}

		fieldPath := path + "." + f.Name
		switch f.Kind {
		case plan.KindLink:
			norm, err := w.normalizeEntity(v, f, fieldPath)
			if err != nil {
				return nil, err
			}
			out[f.Name] = norm
		case plan.KindList:
			arr, isArr := v.(ir.IRArray)
			if !isArr {
				return nil, w.malformed(path, f.Name, fmt.Sprintf("expected list, got %T", v))
			}
			list := make(ir.IRArray, 0, len(arr))
			for i, elem := range arr {
				norm, err := w.normalizeEntity(elem, f, fmt.Sprintf("%s[%d]", fieldPath, i))
				if err != nil {
					return nil, err
				}
				list = append(list, norm)
			}
			out[f.Name] = list
		default:
			out[f.Name] = ir.Clone(v)
		}
	}
	return out, nil
}

// normalizeEntity stages an identifiable fragment and returns a reference to
// it. Fragments without identity are returned inline, still normalized.
func (w *writeBuffer) normalizeEntity(v ir.IRValue, f plan.Field, path string) (ir.IRValue, error) {
	switch val := v.(type) {
	case ir.IRNull:
		return ir.IRNull{}, nil
	case ir.IRRef:
		return val, nil
	case ir.IRObject:
		fields, err := w.normalize(val, f.Fields, path)
		if err != nil {
			return nil, err
		}
		key, ok := w.c.resolver.Resolve(f.Type, val)
		if !ok {
			return fields, nil
		}
		w.stage(key, f.Type, fields)
		return ir.Ref(key), nil
	default:
		return nil, w.malformed(path, "", fmt.Sprintf("expected %s object, got %T", f.Type, v))
	}
}

// stage merges fields into the staged or committed record for key.
func (w *writeBuffer) stage(key, typ string, fields ir.IRObject) {
	existing := w.staged[key]
	if existing == nil {
		if rec, ok := w.c.records[key]; ok {
			existing = rec
		}
	}
	merged, changed := w.c.reducers.Merge(existing, ir.Record{Key: key, Type: typ, Fields: fields}, w.ctx)
	if _, seen := w.staged[key]; !seen {
		w.order = append(w.order, key)
	}
	w.staged[key] = &merged
	w.ctx.Written[key] = struct{}{}
	if changed {
		w.changed[key] = struct{}{}
	}
}

// stageRecord places a fully formed record, version included. Used by
// hydration.
func (w *writeBuffer) stageRecord(rec ir.Record) {
	if _, seen := w.staged[rec.Key]; !seen {
		w.order = append(w.order, rec.Key)
	}
	cp := rec.Clone()
	w.staged[rec.Key] = &cp
	w.changed[rec.Key] = struct{}{}
}

// mergeStored folds a stored record under the in-memory record mem: mem's
// fields win and fields only the store holds are kept. The result is staged
// with a version above both inputs. Reports whether mem changed.
func (w *writeBuffer) mergeStored(stored ir.Record, mem *ir.Record) bool {
	typ := mem.Type
	if typ == "" {
		typ = stored.Type
	}
	merged, _ := w.c.reducers.Merge(&stored, ir.Record{Key: mem.Key, Type: typ, Fields: mem.Fields}, w.ctx)
	if ir.Equal(merged.Fields, mem.Fields) {
		return false
	}
	merged.Key = mem.Key
	merged.Type = typ
	merged.Version = max(mem.Version, stored.Version) + 1
	if _, seen := w.staged[mem.Key]; !seen {
		w.order = append(w.order, mem.Key)
	}
	w.staged[mem.Key] = &merged
	w.changed[mem.Key] = struct{}{}
	return true
}

// commit installs every changed record and marks it dirty for the next
// flush. Returns the touched keys.
func (w *writeBuffer) commit() map[string]struct{} {
	touched := make(map[string]struct{}, len(w.changed))
	for _, key := range w.order {
		if _, ok := w.changed[key]; !ok {
			continue
		}
		w.c.records[key] = w.staged[key]
		if !w.hydrated {
			w.c.dirty[key] = struct{}{}
		}
		delete(w.c.evicted, key)
		touched[key] = struct{}{}
	}
	return touched
}

func (w *writeBuffer) malformed(path, field, reason string) error {
	return &MalformedResponseError{Plan: w.plan, Path: path, Field: field, Reason: reason}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
