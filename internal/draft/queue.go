package draft

import (
	"fmt"
	"slices"

	"github.com/roach88/graphcache/internal/ir"
)

// Queue holds every outstanding draft, grouped by target key in creation
// order. Confirmed drafts are removed; all other states stay queued.
type Queue struct {
	byID     map[string]*Draft
	byTarget map[string][]*Draft
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		byID:     make(map[string]*Draft),
		byTarget: make(map[string][]*Draft),
	}
}

// Add appends d to its target's queue. The slot is chosen by Seq so that
// restored drafts land in their original order.
func (q *Queue) Add(d Draft) error {
	if d.ID == "" || d.TargetKey == "" {
		return fmt.Errorf("add draft: id and target key are required")
	}
	if !d.Operation.Valid() {
		return fmt.Errorf("add draft %s: unknown operation %q", d.ID, d.Operation)
	}
	if _, exists := q.byID[d.ID]; exists {
		return fmt.Errorf("add draft %s: duplicate id", d.ID)
	}
	if d.Status == "" {
		d.Status = StatusPending
	}

	stored := d.Clone()
	list := q.byTarget[d.TargetKey]
	idx := slices.IndexFunc(list, func(e *Draft) bool { return e.Seq > stored.Seq })
	if idx < 0 {
		idx = len(list)
	}
	q.byTarget[d.TargetKey] = slices.Insert(list, idx, &stored)
	q.byID[d.ID] = &stored
	return nil
}

// Get returns a copy of the draft with id.
func (q *Queue) Get(id string) (Draft, bool) {
	d, ok := q.byID[id]
	if !ok {
		return Draft{}, false
	}
	return d.Clone(), true
}

// Len returns the number of queued drafts.
func (q *Queue) Len() int {
	return len(q.byID)
}

// ForTarget returns copies of the drafts on key in creation order.
func (q *Queue) ForTarget(key string) []Draft {
	list := q.byTarget[key]
	out := make([]Draft, len(list))
	for i, d := range list {
		out[i] = d.Clone()
	}
	return out
}

// Targets returns every key with at least one queued draft, sorted.
func (q *Queue) Targets() []string {
	out := make([]string, 0, len(q.byTarget))
	for key := range q.byTarget {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

// All returns copies of every queued draft ordered by target then Seq.
func (q *Queue) All() []Draft {
	var out []Draft
	for _, key := range q.Targets() {
		out = append(out, q.ForTarget(key)...)
	}
	return out
}

// MaxSeq returns the highest Seq in the queue.
func (q *Queue) MaxSeq() int64 {
	var highest int64
	for _, d := range q.byID {
		if d.Seq > highest {
			highest = d.Seq
		}
	}
	return highest
}

// BeginUpload moves the draft to uploading. Only the head of the target queue
// may upload: a later draft fails with ErrUploadInFlight while the head is
// uploading and with ErrBlocked while the head is pending or failed.
func (q *Queue) BeginUpload(id string, baseVersion int64) (Draft, error) {
	d, ok := q.byID[id]
	if !ok {
		return Draft{}, fmt.Errorf("begin upload %s: %w", id, ErrNotFound)
	}
	head := q.byTarget[d.TargetKey][0]
	if head != d {
		if head.Status == StatusUploading {
			return Draft{}, fmt.Errorf("begin upload %s: %w", id, ErrUploadInFlight)
		}
		return Draft{}, fmt.Errorf("begin upload %s: %w (head %s is %s)", id, ErrBlocked, head.ID, head.Status)
	}
	if d.Status == StatusUploading {
		return Draft{}, fmt.Errorf("begin upload %s: %w", id, ErrUploadInFlight)
	}
	next, err := Transition(*d, EventUpload)
	if err != nil {
		return Draft{}, err
	}
	next.BaseVersion = baseVersion
	*d = next
	return d.Clone(), nil
}

// Confirm finishes an upload and removes the draft. The returned copy has
// StatusConfirmed.
func (q *Queue) Confirm(id string) (Draft, error) {
	d, ok := q.byID[id]
	if !ok {
		return Draft{}, fmt.Errorf("confirm %s: %w", id, ErrNotFound)
	}
	next, err := Transition(*d, EventConfirm)
	if err != nil {
		return Draft{}, err
	}
	q.remove(d)
	return next.Clone(), nil
}

// Fail moves an uploading draft to error and records cause as an
// *UploadError. The overlay stays in place.
func (q *Queue) Fail(id string, cause error) (Draft, error) {
	d, ok := q.byID[id]
	if !ok {
		return Draft{}, fmt.Errorf("fail %s: %w", id, ErrNotFound)
	}
	next, err := Transition(*d, EventFail)
	if err != nil {
		return Draft{}, err
	}
	next.Err = &UploadError{DraftID: d.ID, TargetKey: d.TargetKey, Err: cause}
	*d = next
	return d.Clone(), nil
}

// Retry moves a failed draft back to pending.
func (q *Queue) Retry(id string) (Draft, error) {
	d, ok := q.byID[id]
	if !ok {
		return Draft{}, fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}
	next, err := Transition(*d, EventRetry)
	if err != nil {
		return Draft{}, err
	}
	*d = next
	return d.Clone(), nil
}

// Discard removes a draft that is not uploading.
func (q *Queue) Discard(id string) (Draft, error) {
	d, ok := q.byID[id]
	if !ok {
		return Draft{}, fmt.Errorf("discard %s: %w", id, ErrNotFound)
	}
	if d.Status == StatusUploading {
		return Draft{}, fmt.Errorf("discard %s: %w", id, ErrUploadInFlight)
	}
	out := d.Clone()
	q.remove(d)
	return out, nil
}

// Uploadable returns the pending heads of every target queue, ordered by Seq.
func (q *Queue) Uploadable() []Draft {
	var out []Draft
	for _, list := range q.byTarget {
		if head := list[0]; head.Status == StatusPending {
			out = append(out, head.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Draft) int { return cmpInt64(a.Seq, b.Seq) })
	return out
}

// Overlay applies the drafts on key to the canonical fields. exists reports
// whether the canonical record is present. Drafts apply in creation order:
// create and update replace the declared payload fields, delete hides the
// record. present is false when the result is hidden or absent.
func (q *Queue) Overlay(key string, base ir.IRObject, exists bool) (fields ir.IRObject, present bool) {
	list := q.byTarget[key]
	if len(list) == 0 {
		return base, exists
	}
	fields = base.Clone()
	present = exists
	for _, d := range list {
		switch d.Operation {
		case OpCreate:
			if !present || fields == nil {
				fields = make(ir.IRObject, len(d.Payload))
			}
			present = true
			applyPayload(fields, d.Payload)
		case OpUpdate:
			if !present {
				continue
			}
			if fields == nil {
				fields = make(ir.IRObject, len(d.Payload))
			}
			applyPayload(fields, d.Payload)
		case OpDelete:
			present = false
			fields = nil
		}
	}
	return fields, present
}

// Hidden reports whether the drafts on key end in a delete that no later
// create revived.
func (q *Queue) Hidden(key string) bool {
	hidden := false
	for _, d := range q.byTarget[key] {
		switch d.Operation {
		case OpDelete:
			hidden = true
		case OpCreate:
			hidden = false
		}
	}
	return hidden
}

func applyPayload(fields, payload ir.IRObject) {
	for name, v := range payload {
		fields[name] = ir.Clone(v)
	}
}

func (q *Queue) remove(d *Draft) {
	delete(q.byID, d.ID)
	list := q.byTarget[d.TargetKey]
	list = slices.DeleteFunc(list, func(e *Draft) bool { return e == d })
	if len(list) == 0 {
		delete(q.byTarget, d.TargetKey)
		return
	}
	q.byTarget[d.TargetKey] = list
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
