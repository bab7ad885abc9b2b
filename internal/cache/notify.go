package cache

import (
	"sync"
)

// delivery is one callback invocation with the snapshot computed for it.
type delivery struct {
	sub      *subscription
	snapshot Snapshot
}

// deliveryQueue is a FIFO of notification batches.
//
// Batches are enqueued while the cache mutex is held, so queue order is
// mutation order. Whoever finds the queue idle drains it; a mutation made
// from inside a callback only enqueues, and its batch is delivered by the
// active drainer after the current batch.
type deliveryQueue struct {
	mu       sync.Mutex
	batches  [][]delivery
	draining bool
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{batches: make([][]delivery, 0, 8)}
}

// enqueue appends a batch. Empty batches are dropped.
func (q *deliveryQueue) enqueue(batch []delivery) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, batch)
}

// tryDequeue removes the front batch. When the queue is empty it releases the
// drainer role and returns false.
func (q *deliveryQueue) tryDequeue() ([]delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.batches) == 0 {
		q.draining = false
		return nil, false
	}
	batch := q.batches[0]
	q.batches[0] = nil // release snapshots for GC
	if len(q.batches) == 1 {
		q.batches = q.batches[:0]
	} else {
		q.batches = q.batches[1:]
	}
	return batch, true
}

// drain delivers queued batches until the queue is empty. It returns
// immediately if another call is already draining.
func (q *deliveryQueue) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	for {
		batch, ok := q.tryDequeue()
		if !ok {
			return
		}
		for _, d := range batch {
			if !d.sub.active.Load() {
				continue
			}
			d.sub.deliver(d.snapshot)
		}
	}
}

// len returns the number of queued batches.
func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}
