package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/roach88/graphcache/internal/cache"
	"github.com/roach88/graphcache/internal/compiler"
	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/keys"
	"github.com/roach88/graphcache/internal/merge"
	"github.com/roach88/graphcache/internal/plan"
	"github.com/roach88/graphcache/internal/testutil"
)

// Harness executes one scenario against a fresh cache.
type Harness struct {
	schema    *compiler.Schema
	resolver  *keys.Resolver
	reducers  *merge.Registry
	store     *durable.Memory
	cache     *cache.Cache
	ids       draft.IDGenerator
	clock     *testutil.ManualClock
	transport *testutil.ScriptedTransport
	logger    *slog.Logger

	subs   []Subscription
	unsubs []func()
	step   int
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory durable store. Deterministic
// helpers ensure reproducible traces.
//
// Execution flow:
//  1. Compile the schema into key identities, reducers and plans
//  2. Open the subscriptions (their initial snapshots are step 0)
//  3. Execute steps, recording every operation and notification
//  4. Evaluate assertions against the final state
//
// A returned error means the scenario itself is broken (unknown plan, bad
// payload). Cache behavior that differs from the scenario is reported in
// Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	schema, err := loadSchema(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	resolver, err := schema.Resolver()
	if err != nil {
		return nil, fmt.Errorf("failed to build key resolver: %w", err)
	}
	reducers, err := schema.Reducers()
	if err != nil {
		return nil, fmt.Errorf("failed to build reducers: %w", err)
	}

	h := &Harness{
		schema:    schema,
		resolver:  resolver,
		reducers:  reducers,
		store:     durable.NewMemory(),
		ids:       draft.NewSequentialGenerator("d"),
		clock:     testutil.NewManualClock(testutil.Epoch),
		transport: testutil.NewScriptedTransport(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		subs:      scenario.Subscribe,
		result:    NewResult(),
	}
	h.cache = h.newCache()

	ctx := context.Background()
	defer func() { _ = h.cache.Close(ctx) }()

	if err := h.subscribe(); err != nil {
		return nil, err
	}
	for i, st := range scenario.Steps {
		h.step = i + 1
		if err := h.execute(ctx, st); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, st.Op, err)
		}
		h.clock.Advance(time.Second)
	}
	h.unsubscribe()

	actx := &AssertionContext{Cache: h.cache, Plan: h.plan}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func loadSchema(s *Scenario) (*compiler.Schema, error) {
	if s.SchemaFile == "" {
		return compiler.CompileString(s.Schema, s.Name+".cue")
	}
	src, err := os.ReadFile(s.SchemaFile)
	if err != nil {
		return nil, err
	}
	return compiler.CompileString(string(src), s.SchemaFile)
}

func (h *Harness) newCache() *cache.Cache {
	return cache.New(
		cache.WithResolver(h.resolver),
		cache.WithReducers(h.reducers),
		cache.WithDurable(h.store),
		cache.WithIDGenerator(h.ids),
		cache.WithNow(h.clock.Now),
		cache.WithLogger(h.logger),
	)
}

// plan returns the named schema plan, re-rooted when root is set.
func (h *Harness) plan(name, root string) (*plan.Plan, error) {
	p, ok := h.schema.Plan(name)
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", name)
	}
	if root != "" {
		return p.At(root), nil
	}
	return p, nil
}

func (h *Harness) subscribe() error {
	for _, sub := range h.subs {
		p, err := h.plan(sub.Plan, sub.Root)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Label(), err)
		}
		label := sub.Label()
		h.unsubs = append(h.unsubs, h.cache.Subscribe(p, func(s cache.Snapshot) {
			h.result.add(TraceEvent{
				Type:  EventNotify,
				Step:  h.step,
				Sub:   label,
				State: s.State.String(),
				Data:  snapshotData(s),
			})
		}))
	}
	return nil
}

func (h *Harness) unsubscribe() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

func snapshotData(s cache.Snapshot) ir.IRValue {
	if s.Data == nil {
		return nil
	}
	return s.Data
}

// execute runs one step and records it. Expected errors are compared here.
func (h *Harness) execute(ctx context.Context, st Step) error {
	var payload ir.IRObject
	if st.Payload != nil {
		v, err := ir.FromGo(st.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		obj, ok := v.(ir.IRObject)
		if !ok {
			return fmt.Errorf("payload must be an object, got %T", v)
		}
		payload = obj
	}

	outcome, opErr, err := h.dispatch(ctx, st, payload)
	if err != nil {
		return err
	}

	ev := TraceEvent{Type: EventOp, Step: h.step, Op: st.Op, Result: outcome}
	if opErr != nil {
		ev.Error = Classify(opErr)
	}
	h.result.add(ev)
	h.checkExpectation(st, opErr)
	return nil
}

// dispatch performs the operation. opErr is the cache's error; err means the
// step could not be run.
func (h *Harness) dispatch(ctx context.Context, st Step, payload ir.IRObject) (outcome string, opErr, err error) {
	switch st.Op {
	case OpIngest:
		p, err := h.plan(st.Plan, st.Root)
		if err != nil {
			return "", nil, err
		}
		res, opErr := h.cache.Ingest(ctx, payload, p)
		return res.RootKey, opErr, nil

	case OpFetch:
		p, err := h.plan(st.Plan, st.Root)
		if err != nil {
			return "", nil, err
		}
		if st.Error != "" || st.Status != 0 {
			h.transport.Fail(st.Plan, scriptedFailure(st))
		} else {
			h.transport.Respond(st.Plan, payload)
		}
		res, opErr := h.cache.Fetch(ctx, h.transport.Do, cache.Descriptor{Operation: st.Plan}, p)
		return res.RootKey, opErr, nil

	case OpDraft:
		id, opErr := h.cache.ApplyDraft(st.Target, draft.Operation(st.Kind), payload)
		return id, opErr, nil

	case OpUpload:
		d, opErr := h.cache.BeginUpload(st.Draft)
		return string(d.Status), opErr, nil

	case OpConfirm:
		var p *plan.Plan
		if st.Plan != "" {
			if p, err = h.plan(st.Plan, st.Root); err != nil {
				return "", nil, err
			}
		}
		res, opErr := h.cache.ConfirmDraft(ctx, st.Draft, payload, p)
		return res.RootKey, opErr, nil

	case OpFail:
		return "", h.cache.FailDraft(st.Draft, scriptedFailure(st)), nil

	case OpRetry:
		return "", h.cache.RetryDraft(st.Draft), nil

	case OpDiscard:
		return "", h.cache.DiscardDraft(st.Draft), nil

	case OpSync:
		var p *plan.Plan
		if st.Plan != "" {
			if p, err = h.plan(st.Plan, st.Root); err != nil {
				return "", nil, err
			}
		}
		res, opErr := h.cache.SyncDrafts(ctx, h.uploader(st, p))
		return fmt.Sprintf("confirmed=%d failed=%d", res.Confirmed, res.Failed), opErr, nil

	case OpFlush:
		return "", h.cache.Flush(ctx), nil

	case OpEvict:
		return "", h.cache.Evict(ctx, st.Keys...), nil

	case OpHydrate:
		n, opErr := h.cache.Hydrate(ctx, st.Keys...)
		return strconv.Itoa(n), opErr, nil

	case OpRestart:
		return h.restart(ctx, st.Keys)
	}
	return "", nil, fmt.Errorf("unknown op %q", st.Op)
}

// uploader answers SyncDrafts from the step's scripted responses and
// failures. Drafts with neither are confirmed without a response.
func (h *Harness) uploader(st Step, p *plan.Plan) cache.Uploader {
	return func(_ context.Context, d draft.Draft) (ir.IRObject, *plan.Plan, error) {
		if msg, ok := st.Failures[d.ID]; ok {
			return nil, nil, &cache.NetworkError{Status: st.Status, Err: errors.New(msg)}
		}
		resp, ok := st.Responses[d.ID]
		if !ok {
			return nil, nil, nil
		}
		v, err := ir.FromGo(resp)
		if err != nil {
			return nil, nil, err
		}
		obj, _ := v.(ir.IRObject)
		return obj, p, nil
	}
}

// restart flushes, then replaces the cache with a fresh one over the same
// durable store. Without keys every persisted record is hydrated.
func (h *Harness) restart(ctx context.Context, recordKeys []string) (string, error, error) {
	if err := h.cache.Flush(ctx); err != nil {
		return "", err, nil
	}
	h.unsubscribe()
	h.cache = h.newCache()

	if len(recordKeys) == 0 {
		all, err := h.cache.StoredKeys(ctx)
		if err != nil {
			return "", err, nil
		}
		recordKeys = all
	}
	records, err := h.cache.Hydrate(ctx, recordKeys...)
	if err != nil {
		return "", err, nil
	}
	drafts, err := h.cache.HydrateDrafts(ctx)
	if err != nil {
		return "", err, nil
	}
	if err := h.subscribe(); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("records=%d drafts=%d", records, drafts), nil, nil
}

func scriptedFailure(st Step) error {
	msg := st.Error
	if msg == "" {
		msg = "rejected"
	}
	return &cache.NetworkError{Status: st.Status, Err: errors.New(msg)}
}

func (h *Harness) checkExpectation(st Step, opErr error) {
	switch {
	case st.ExpectError == "" && opErr != nil:
		h.result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", h.step, st.Op, opErr))
	case st.ExpectError != "" && opErr == nil:
		h.result.AddError(fmt.Sprintf("step %d (%s): expected %s error, got success", h.step, st.Op, st.ExpectError))
	case st.ExpectError != "" && st.ExpectError != ErrAny && Classify(opErr) != st.ExpectError:
		h.result.AddError(fmt.Sprintf("step %d (%s): expected %s error, got %s: %v", h.step, st.Op, st.ExpectError, Classify(opErr), opErr))
	}
}

// Classify maps a cache error to its scenario error category.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case cache.IsMalformed(err):
		return ErrMalformed
	case errors.Is(err, draft.ErrBlocked):
		return ErrBlocked
	case errors.Is(err, draft.ErrUploadInFlight):
		return ErrInFlight
	case errors.Is(err, draft.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, draft.ErrInvalidTransition):
		return ErrInvalidTransition
	case cache.IsDurable(err):
		return ErrDurable
	case cache.IsNetwork(err):
		return ErrNetwork
	default:
		return "error"
	}
}
