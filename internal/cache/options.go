package cache

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/keys"
	"github.com/roach88/graphcache/internal/merge"
)

// Defaults for write-behind persistence.
const (
	DefaultBatchSize     = 200
	DefaultFlushInterval = 2 * time.Second
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDurable sets the durable adapter used by Flush, Evict and Hydrate.
// The cache closes it on Close. Without one, persistence operations are
// no-ops.
func WithDurable(adapter durable.Adapter) Option {
	return func(c *Cache) {
		c.durable = adapter
	}
}

// WithResolver sets the entity key resolver.
func WithResolver(r *keys.Resolver) Option {
	return func(c *Cache) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithReducers sets the merge reducer registry.
func WithReducers(r *merge.Registry) Option {
	return func(c *Cache) {
		if r != nil {
			c.reducers = r
		}
	}
}

// WithBatchSize sets the maximum number of entries per durable write.
func WithBatchSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithFlushInterval sets how often Run flushes dirty records.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// WithIDGenerator sets the draft id generator. Defaults to UUIDv7.
func WithIDGenerator(g draft.IDGenerator) Option {
	return func(c *Cache) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithNow sets the wall clock used to stamp drafts.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Cache) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}
