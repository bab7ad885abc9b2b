package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/graphcache/internal/cache"
	"github.com/roach88/graphcache/internal/ir"
)

// Reply is one scripted transport outcome: a payload or an error.
type Reply struct {
	Payload ir.IRObject
	Err     error
}

// ScriptedTransport replays queued replies per operation name.
//
// Replies for an operation are returned in the order they were queued. An
// operation with no replies left fails with a *cache.NetworkError, so a
// missing script entry shows up as a network failure rather than a hang.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedTransport struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []cache.Descriptor
}

// NewScriptedTransport creates a transport with no replies queued.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{replies: make(map[string][]Reply)}
}

// Respond queues a successful reply for operation.
func (s *ScriptedTransport) Respond(operation string, payload ir.IRObject) {
	s.enqueue(operation, Reply{Payload: payload})
}

// Fail queues a failing reply for operation.
func (s *ScriptedTransport) Fail(operation string, err error) {
	s.enqueue(operation, Reply{Err: err})
}

func (s *ScriptedTransport) enqueue(operation string, r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[operation] = append(s.replies[operation], r)
}

// Do implements cache.Transport.
func (s *ScriptedTransport) Do(ctx context.Context, desc cache.Descriptor) (ir.IRObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, desc)

	queue := s.replies[desc.Operation]
	if len(queue) == 0 {
		return nil, &cache.NetworkError{Status: 404, Err: fmt.Errorf("no scripted reply for %q", desc.Operation)}
	}
	next := queue[0]
	s.replies[desc.Operation] = queue[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Payload.Clone(), nil
}

// Calls returns the descriptors received so far, in order.
func (s *ScriptedTransport) Calls() []cache.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cache.Descriptor, len(s.calls))
	copy(out, s.calls)
	return out
}

// Pending returns the number of replies not yet consumed.
func (s *ScriptedTransport) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.replies {
		n += len(q)
	}
	return n
}
