package draft

import (
	"fmt"
	"time"

	"github.com/roach88/graphcache/internal/ir"
)

// Operation is the kind of local mutation a draft represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is a draft's position in the upload state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusConfirmed Status = "confirmed"
	StatusError     Status = "error"
)

// Event drives a state transition.
type Event string

const (
	EventUpload  Event = "upload"
	EventConfirm Event = "confirm"
	EventFail    Event = "fail"
	EventRetry   Event = "retry"
)

// Draft is one optimistic mutation of a single target record.
type Draft struct {
	ID        string
	TargetKey string
	Type      string
	Operation Operation
	Payload   ir.IRObject
	Status    Status
	// Err is a *UploadError once the draft reached StatusError.
	Err       error
	CreatedAt time.Time
	// Seq orders drafts on the same target.
	Seq int64
	// BaseVersion is the target record's version when the upload began.
	BaseVersion int64
}

// Clone returns a copy that shares nothing mutable with d.
func (d Draft) Clone() Draft {
	d.Payload = d.Payload.Clone()
	return d
}

// Terminal reports whether the draft has left the queue for good.
func (d Draft) Terminal() bool {
	return d.Status == StatusConfirmed
}

var transitions = map[Status]map[Event]Status{
	StatusPending:   {EventUpload: StatusUploading},
	StatusUploading: {EventConfirm: StatusConfirmed, EventFail: StatusError},
	StatusError:     {EventRetry: StatusPending},
}

// Transition applies ev to d and returns the updated draft. Transitions not
// in the state machine fail with ErrInvalidTransition. Retry clears Err.
func Transition(d Draft, ev Event) (Draft, error) {
	next, ok := transitions[d.Status][ev]
	if !ok {
		return d, fmt.Errorf("%w: %s on %s draft %s", ErrInvalidTransition, ev, d.Status, d.ID)
	}
	d.Status = next
	if ev == EventRetry {
		d.Err = nil
	}
	return d, nil
}
