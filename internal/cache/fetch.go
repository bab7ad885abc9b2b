package cache

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/plan"
)

// Descriptor identifies a request for the transport.
type Descriptor struct {
	Operation string
	Variables ir.IRObject
}

// Transport performs a request and returns the raw response payload. The
// cache never implements one; callers supply it. Failures should be
// *NetworkError values.
type Transport func(ctx context.Context, desc Descriptor) (ir.IRObject, error)

// Fetch runs transport and ingests the response with p. While the request is
// in flight, snapshots missing p.RootKey report Pending instead of Stale. The
// cache mutex is not held while the transport runs.
func (c *Cache) Fetch(ctx context.Context, transport Transport, desc Descriptor, p *plan.Plan) (IngestResult, error) {
	if p == nil {
		return IngestResult{}, fmt.Errorf("fetch %s: %w", desc.Operation, ErrNoPlan)
	}
	ctx, span := c.tracer.Start(ctx, "cache.Fetch", trace.WithAttributes(
		attribute.String("graphcache.operation", desc.Operation),
		attribute.String("graphcache.plan", p.Label()),
	))
	defer span.End()

	root := p.RootKey
	if root != "" {
		c.mu.Lock()
		c.inflight[root]++
		c.finish(keySet(root))
	}

	raw, err := transport(ctx, desc)

	c.mu.Lock()
	touched := map[string]struct{}{}
	if root != "" {
		if c.inflight[root]--; c.inflight[root] <= 0 {
			delete(c.inflight, root)
		}
		touched[root] = struct{}{}
	}
	if err != nil {
		c.finish(touched)
		var ne *NetworkError
		if !errors.As(err, &ne) {
			err = &NetworkError{Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("fetch failed", "operation", desc.Operation, "error", err)
		return IngestResult{}, err
	}

	res, ingested, err := c.ingestLocked(raw, p)
	if err != nil {
		c.finish(touched)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return IngestResult{}, err
	}
	for k := range ingested {
		touched[k] = struct{}{}
	}
	span.SetAttributes(attribute.String("graphcache.root", res.RootKey))
	c.finish(touched)
	return res, nil
}
