package cache

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/keys"
	"github.com/roach88/graphcache/internal/merge"
	"github.com/roach88/graphcache/internal/plan"
)

const tracerName = "github.com/roach88/graphcache/internal/cache"

// Cache is a normalized entity cache. Create one with New; the zero value is
// not usable. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	records  map[string]*ir.Record
	drafts   *draft.Queue
	subs     []*subscription
	nextSub  uint64
	inflight map[string]int

	// write-behind state
	dirty       map[string]struct{}
	evicted     map[string]struct{}
	draftsDirty map[string]struct{}
	draftsGone  map[string]struct{}
	indexDirty  bool

	resolver *keys.Resolver
	reducers *merge.Registry
	durable  durable.Adapter
	codec    *durable.Codec
	ids      draft.IDGenerator
	seq      *draft.Clock
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer

	batchSize     int
	flushInterval time.Duration

	notify  *deliveryQueue
	flushMu sync.Mutex
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		records:       make(map[string]*ir.Record),
		drafts:        draft.NewQueue(),
		inflight:      make(map[string]int),
		dirty:         make(map[string]struct{}),
		evicted:       make(map[string]struct{}),
		draftsDirty:   make(map[string]struct{}),
		draftsGone:    make(map[string]struct{}),
		resolver:      keys.NewResolver(),
		reducers:      merge.NewRegistry(),
		codec:         durable.DefaultCodec(),
		ids:           draft.UUIDv7Generator{},
		seq:           draft.NewClockAt(0),
		now:           time.Now,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		notify:        newDeliveryQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record returns a copy of the canonical record stored under key, without
// draft overlays.
func (c *Cache) Record(key string) (ir.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return ir.Record{}, false
	}
	return rec.Clone(), true
}

// Keys returns every stored key in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.records))
}

// Len returns the number of stored records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// BuildSnapshot evaluates p against the current records and drafts.
func (c *Cache) BuildSnapshot(p *plan.Plan) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildSnapshot(p)
}

// Subscribe registers cb for p. cb is invoked once with the current snapshot,
// then after every mutation that touches a key the last delivered snapshot
// depended on and changes its contents. The initial snapshot is queued ahead
// of any later mutation's batch. It is delivered before Subscribe returns
// unless a delivery is already running, on another goroutine or in an
// enclosing callback; that drainer then delivers it in order.
// The returned function unsubscribes; callbacks already queued for it are
// skipped.
func (c *Cache) Subscribe(p *plan.Plan, cb func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	sub := &subscription{id: c.nextSub, plan: p, cb: cb, logger: c.logger}
	sub.active.Store(true)
	sub.last = c.buildSnapshot(p)
	c.subs = append(c.subs, sub)
	c.notify.enqueue([]delivery{{sub: sub, snapshot: sub.last}})
	c.mu.Unlock()

	c.notify.drain()

	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs = slices.DeleteFunc(c.subs, func(s *subscription) bool { return s == sub })
	}
}

// Subscribers returns the number of active subscriptions.
func (c *Cache) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type subscription struct {
	id     uint64
	plan   *plan.Plan
	cb     func(Snapshot)
	last   Snapshot // guarded by Cache.mu
	active atomic.Bool
	logger *slog.Logger
}

// deliver invokes the callback. A panicking callback is logged and does not
// stop delivery to other subscribers.
func (s *subscription) deliver(snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber callback panicked",
				"subscription", s.id,
				"plan", s.plan.Label(),
				"panic", fmt.Sprint(r))
		}
	}()
	s.cb(snap)
}

// collectLocked rebuilds the snapshot of every subscriber whose last snapshot
// depended on a touched key and queues those that changed, in registration
// order. Must be called with c.mu held, after the mutation is applied.
func (c *Cache) collectLocked(touched map[string]struct{}) {
	if len(touched) == 0 || len(c.subs) == 0 {
		return
	}
	var batch []delivery
	for _, sub := range c.subs {
		if !intersects(sub.last.Seen, touched) {
			continue
		}
		next := c.buildSnapshot(sub.plan)
		if next.sameAs(sub.last) {
			// Seen may still have grown or shrunk.
			sub.last.Seen = next.Seen
			continue
		}
		sub.last = next
		batch = append(batch, delivery{sub: sub, snapshot: next})
	}
	c.notify.enqueue(batch)
}

// finish releases the mutex and delivers queued notifications. Every
// mutating method ends with it instead of a plain Unlock.
func (c *Cache) finish(touched map[string]struct{}) {
	c.collectLocked(touched)
	c.mu.Unlock()
	c.notify.drain()
}

func intersects(seen, touched map[string]struct{}) bool {
	if len(seen) > len(touched) {
		seen, touched = touched, seen
	}
	for k := range seen {
		if _, ok := touched[k]; ok {
			return true
		}
	}
	return false
}

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
