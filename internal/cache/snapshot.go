package cache

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/plan"
)

// State describes how complete a snapshot is.
type State int

const (
	// Fulfilled means every required value was present.
	Fulfilled State = iota
	// Stale means a required reference is missing and nothing is fetching it.
	Stale
	// Pending means every missing required reference is being fetched.
	Pending
	// Error means the snapshot could not be built at all.
	Error
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Fulfilled:
		return "fulfilled"
	case Stale:
		return "stale"
	case Pending:
		return "pending"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the immutable result of evaluating a plan against the cache.
// Data is a deep copy; nothing in a snapshot aliases cache state.
type Snapshot struct {
	State State
	// Data holds the selected fields with references replaced by the
	// referenced records. Nil when the root is absent or deleted.
	Data ir.IRObject
	// Seen holds every key visited while building, including keys that were
	// looked up but absent.
	Seen map[string]struct{}
	// Err is an *UnresolvedReferenceError for Stale and Pending snapshots.
	Err error
}

// SeenKeys returns Seen in sorted order.
func (s Snapshot) SeenKeys() []string {
	return slices.Sorted(maps.Keys(s.Seen))
}

// Depends reports whether the snapshot read key.
func (s Snapshot) Depends(key string) bool {
	_, ok := s.Seen[key]
	return ok
}

// sameAs reports whether two snapshots would look identical to a subscriber.
func (s Snapshot) sameAs(other Snapshot) bool {
	if s.State != other.State {
		return false
	}
	if (s.Err == nil) != (other.Err == nil) {
		return false
	}
	if s.Err != nil && s.Err.Error() != other.Err.Error() {
		return false
	}
	if (s.Data == nil) != (other.Data == nil) {
		return false
	}
	return ir.Equal(s.Data, other.Data)
}

// builder evaluates one plan. It must run with the cache mutex held.
type builder struct {
	c       *Cache
	seen    map[string]struct{}
	missing []missingRef
}

type missingRef struct {
	key     string
	path    string
	pending bool
}

// buildSnapshot evaluates p from p.RootKey. The plan tree is finite, so the
// walk terminates even when records reference each other in a cycle.
func (c *Cache) buildSnapshot(p *plan.Plan) Snapshot {
	if p == nil || p.RootKey == "" {
		return Snapshot{State: Error, Seen: map[string]struct{}{}, Err: fmt.Errorf("build snapshot: plan has no root key")}
	}
	b := &builder{c: c, seen: make(map[string]struct{})}

	fields, present, hidden := b.read(p.RootKey)
	snap := Snapshot{Seen: b.seen}
	switch {
	case present:
		snap.Data = b.selectFields(fields, p.Fields, p.Label())
	case hidden:
		// A deleted root reads as no data.
	default:
		b.missing = append(b.missing, missingRef{key: p.RootKey, path: p.Label(), pending: c.inflight[p.RootKey] > 0})
	}

	snap.State = Fulfilled
	if len(b.missing) > 0 {
		snap.State = Pending
		for _, m := range b.missing {
			if !m.pending {
				snap.State = Stale
				break
			}
		}
		first := b.missing[0]
		snap.Err = &UnresolvedReferenceError{Key: first.key, Path: first.path}
	}
	return snap
}

// read returns the visible fields of key with drafts applied. hidden reports
// a record removed by a delete draft.
func (b *builder) read(key string) (fields ir.IRObject, present, hidden bool) {
	b.seen[key] = struct{}{}
	var base ir.IRObject
	rec, exists := b.c.records[key]
	if exists {
		base = rec.Fields
	}
	fields, present = b.c.drafts.Overlay(key, base, exists)
	hidden = !present && b.c.drafts.Hidden(key)
	return fields, present, hidden
}

func (b *builder) selectFields(fields ir.IRObject, sel []plan.Field, path string) ir.IRObject {
	out := make(ir.IRObject, len(sel))
	for _, f := range sel {
		fieldPath := path + "." + f.Name
		v, ok := fields[f.Name]
		if !ok {
			out[f.Name] = ir.IRNull{}
			continue
		}
		switch f.Kind {
		case plan.KindLink:
			out[f.Name] = b.resolve(v, f, fieldPath)
		case plan.KindList:
			arr, isArr := v.(ir.IRArray)
			if !isArr {
				out[f.Name] = ir.Clone(v)
				continue
			}
			list := make(ir.IRArray, 0, len(arr))
			for i, elem := range arr {
				list = append(list, b.resolve(elem, f, fmt.Sprintf("%s[%d]", fieldPath, i)))
			}
			out[f.Name] = list
		default:
			out[f.Name] = ir.Clone(v)
		}
	}
	return out
}

func (b *builder) resolve(v ir.IRValue, f plan.Field, path string) ir.IRValue {
	switch val := v.(type) {
	case ir.IRRef:
		fields, present, hidden := b.read(val.Key)
		if present {
			return b.selectFields(fields, f.Fields, path)
		}
		if !hidden && f.Required {
			b.missing = append(b.missing, missingRef{
				key:     val.Key,
				path:    path,
				pending: val.Pending || b.c.inflight[val.Key] > 0,
			})
		}
		return ir.IRNull{}
	case ir.IRObject:
		return b.selectFields(val, f.Fields, path)
	default:
		return ir.Clone(v)
	}
}
