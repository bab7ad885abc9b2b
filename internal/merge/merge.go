// Package merge combines an existing normalized record with an incoming one.
//
// Reducers are looked up by type name; types without a registered reducer use
// Overwrite. Every reducer must preserve:
//   - the union of field names from both inputs
//   - idempotence: merge(merge(A, B), B) == merge(A, B)
//   - commutativity of updates to unrelated fields
package merge

import (
	"sync"

	"github.com/roach88/graphcache/internal/ir"
)

// Context carries information about the ingestion pass running the merge.
type Context struct {
	// Written holds the keys created or merged so far in the current pass.
	Written map[string]struct{}
}

// Wrote reports whether key was created or merged in the current pass.
func (c Context) Wrote(key string) bool {
	_, ok := c.Written[key]
	return ok
}

// Reducer merges incoming into existing. existing is nil for a new record.
// Reducers must not mutate their inputs. The returned record's Key and Type
// are taken from incoming; Version is assigned by the caller.
type Reducer func(existing *ir.Record, incoming ir.Record, ctx Context) ir.Record

// Overwrite is the default reducer: every field present in incoming replaces
// the corresponding field in existing; absent fields are preserved.
func Overwrite(existing *ir.Record, incoming ir.Record, _ Context) ir.Record {
	out := ir.Record{Key: incoming.Key, Type: incoming.Type}
	if existing != nil {
		out.Fields = existing.Fields.Clone()
	}
	if out.Fields == nil {
		out.Fields = make(ir.IRObject, len(incoming.Fields))
	}
	for name, v := range incoming.Fields {
		out.Fields[name] = ir.Clone(v)
	}
	return out
}

// ListUnion returns a reducer for partial or paginated payloads: the named
// list fields become the ordered union of the existing elements followed by
// incoming elements not already present. Every other field follows Overwrite.
func ListUnion(fields ...string) Reducer {
	union := make(map[string]bool, len(fields))
	for _, f := range fields {
		union[f] = true
	}
	return func(existing *ir.Record, incoming ir.Record, ctx Context) ir.Record {
		out := Overwrite(existing, incoming, ctx)
		if existing == nil {
			return out
		}
		for name := range union {
			prev, okPrev := existing.Fields[name].(ir.IRArray)
			next, okNext := incoming.Fields[name].(ir.IRArray)
			if !okPrev || !okNext {
				continue
			}
			out.Fields[name] = unionArrays(prev, next)
		}
		return out
	}
}

func unionArrays(prev, next ir.IRArray) ir.IRArray {
	out := prev.Clone()
	for _, candidate := range next {
		found := false
		for _, have := range out {
			if ir.Equal(have, candidate) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, ir.Clone(candidate))
		}
	}
	return out
}

// Registry is a tagged lookup from type name to reducer with Overwrite as the
// fallback. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
	fallback Reducer
}

// NewRegistry creates a registry that falls back to Overwrite.
func NewRegistry() *Registry {
	return &Registry{
		reducers: make(map[string]Reducer),
		fallback: Overwrite,
	}
}

// Register installs reducer for typ, replacing any previous one.
func (r *Registry) Register(typ string, reducer Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reducer == nil {
		delete(r.reducers, typ)
		return
	}
	r.reducers[typ] = reducer
}

// Lookup returns the reducer for typ, or the fallback.
func (r *Registry) Lookup(typ string) Reducer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reducer, ok := r.reducers[typ]; ok {
		return reducer
	}
	return r.fallback
}

// Merge runs the reducer registered for incoming.Type and assigns the version:
// a merge that changes nothing keeps existing's version, anything else bumps
// it by one. changed reports whether the stored record must be replaced.
func (r *Registry) Merge(existing *ir.Record, incoming ir.Record, ctx Context) (merged ir.Record, changed bool) {
	merged = r.Lookup(incoming.Type)(existing, incoming, ctx)
	merged.Key = incoming.Key
	if merged.Type == "" {
		merged.Type = incoming.Type
	}

	if existing == nil {
		merged.Version = 1
		return merged, true
	}

	merged.Key = existing.Key
	if merged.Type == existing.Type && ir.Equal(merged.Fields, existing.Fields) {
		merged.Version = existing.Version
		return merged, false
	}
	merged.Version = existing.Version + 1
	return merged, true
}

// Named returns the built-in reducer registered under name in schema files.
// unionFields configures "list_union".
func Named(name string, unionFields []string) (Reducer, bool) {
	switch name {
	case "", "overwrite":
		return Overwrite, true
	case "list_union":
		return ListUnion(unionFields...), true
	default:
		return nil, false
	}
}
