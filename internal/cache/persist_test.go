package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/ir"
)

// flakyAdapter wraps Memory, records batch sizes and can be told to fail.
type flakyAdapter struct {
	*durable.Memory
	mu      sync.Mutex
	fail    bool
	batches []int
}

func newFlakyAdapter() *flakyAdapter {
	return &flakyAdapter{Memory: durable.NewMemory()}
}

func (f *flakyAdapter) SetAll(ctx context.Context, entries map[string][]byte) error {
	f.mu.Lock()
	fail := f.fail
	f.batches = append(f.batches, len(entries))
	f.mu.Unlock()
	if fail {
		return &durable.StoreError{Op: "set", Backend: "flaky", Keys: len(entries), Err: errors.New("disk full")}
	}
	return f.Memory.SetAll(ctx, entries)
}

func (f *flakyAdapter) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func seedAccount(t *testing.T, c *Cache) {
	t.Helper()
	_, err := c.Ingest(context.Background(), obj(
		"Id", 1, "Name", "Acme",
		"Contacts", []any{
			map[string]any{"Id": 10, "Email": "a@acme.test"},
			map[string]any{"Id": 11, "Email": "b@acme.test"},
		},
	), accountWithContactsPlan())
	require.NoError(t, err)
}

func TestFlush_WritesDirtyRecords(t *testing.T) {
	ctx := context.Background()
	store := durable.NewMemory()
	c := newTestCache(t, WithDurable(store))
	seedAccount(t, c)

	require.NoError(t, c.Flush(ctx))
	got, err := store.GetAll(ctx, []string{"Account:1", "Contact:10", "Contact:11"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	rec, _, err := durable.DefaultCodec().Decode(got["Account:1"])
	require.NoError(t, err)
	mem, _ := c.Record("Account:1")
	assert.True(t, mem.Equal(rec), "persisted record equals the in-memory record")

	// Nothing dirty: second flush writes nothing.
	require.NoError(t, store.EvictAll(ctx, []string{"Account:1"}))
	require.NoError(t, c.Flush(ctx))
	got, err = store.GetAll(ctx, []string{"Account:1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFlush_Batches(t *testing.T) {
	ctx := context.Background()
	store := newFlakyAdapter()
	c := newTestCache(t, WithDurable(store), WithBatchSize(2))
	seedAccount(t, c)

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, []int{2, 1}, store.batches)
}

func TestFlush_FailureKeepsKeysDirty(t *testing.T) {
	ctx := context.Background()
	store := newFlakyAdapter()
	c := newTestCache(t, WithDurable(store))
	seedAccount(t, c)

	store.setFail(true)
	err := c.Flush(ctx)
	require.Error(t, err)
	assert.True(t, IsDurable(err))

	// In-memory state is unaffected.
	assert.Equal(t, Fulfilled, c.BuildSnapshot(accountWithContactsPlan()).State)

	store.setFail(false)
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 3, store.Len())
}

func TestHydrate_AfterRestartReproducesSnapshots(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := durable.OpenSQLite(path)
	require.NoError(t, err)
	before := newTestCache(t, WithDurable(store))
	seedAccount(t, before)
	want := before.BuildSnapshot(accountWithContactsPlan())
	require.NoError(t, before.Close(ctx))

	store, err = durable.OpenSQLite(path)
	require.NoError(t, err)
	after := newTestCache(t, WithDurable(store))
	defer after.Close(ctx)
	assert.Equal(t, Stale, after.BuildSnapshot(accountWithContactsPlan()).State)

	rec := &recorder{}
	defer after.Subscribe(accountWithContactsPlan(), rec.callback)()

	n, err := after.Hydrate(ctx, "Account:1", "Contact:10", "Contact:11", "Contact:404")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := after.BuildSnapshot(accountWithContactsPlan())
	assert.Equal(t, Fulfilled, got.State)
	assert.True(t, ir.Equal(want.Data, got.Data))
	assert.Equal(t, want.SeenKeys(), got.SeenKeys())
	assert.Equal(t, 2, rec.count(), "hydration notifies subscribers once")

	r1, _ := before.Record("Account:1")
	r2, _ := after.Record("Account:1")
	assert.True(t, r1.Equal(r2), "versions survive the round trip")
}

func TestHydrate_MergesStoredFieldsUnderMemory(t *testing.T) {
	ctx := context.Background()
	store := durable.NewMemory()
	stored, err := ir.EncodeRecord(ir.Record{Key: "Account:1", Type: "Account", Version: 3, Fields: ir.IRObject{
		"Name":     ir.IRString("Old"),
		"Industry": ir.IRString("Tech"),
	}})
	require.NoError(t, err)
	require.NoError(t, store.SetAll(ctx, map[string][]byte{"Account:1": stored}))

	c := newTestCache(t, WithDurable(store))
	_, err = c.Ingest(ctx, obj("Id", 1, "Name", "New"), accountNamePlan())
	require.NoError(t, err)

	n, err := c.Hydrate(ctx, "Account:1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, ok := c.Record("Account:1")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("New"), rec.Fields["Name"], "in-memory fields win")
	assert.Equal(t, ir.IRString("Tech"), rec.Fields["Industry"], "stored-only fields are kept")
	assert.Equal(t, int64(4), rec.Version)

	// The merged record is written back.
	require.NoError(t, c.Flush(ctx))
	got, err := store.GetAll(ctx, []string{"Account:1"})
	require.NoError(t, err)
	back, _, err := ir.DecodeRecord(got["Account:1"])
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Tech"), back.Fields["Industry"])
	assert.Equal(t, ir.IRString("New"), back.Fields["Name"])

	// Nothing new in the store leaves memory untouched.
	n, err = c.Hydrate(ctx, "Account:1")
	require.NoError(t, err)
	assert.Zero(t, n)
	again, _ := c.Record("Account:1")
	assert.Equal(t, int64(4), again.Version)
}

func TestHydrate_DecodeErrorsAreReportedAndSkipped(t *testing.T) {
	ctx := context.Background()
	store := durable.NewMemory()
	good, err := ir.EncodeRecord(ir.Record{Key: "Account:1", Type: "Account", Version: 4, Fields: ir.IRObject{"Name": ir.IRString("Acme")}})
	require.NoError(t, err)
	require.NoError(t, store.SetAll(ctx, map[string][]byte{
		"Account:1": good,
		"Account:2": []byte(`{"format":1,"fields":{}}`),
		"Account:3": []byte(`{"key":"Account:3","fields":{"Name":"Legacy"}}`),
	}))

	c := newTestCache(t, WithDurable(store))
	n, err := c.Hydrate(ctx, "Account:1", "Account:2", "Account:3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Account:2")
	assert.Equal(t, 2, n)

	legacy, ok := c.Record("Account:3")
	require.True(t, ok, "untagged records are migrated")
	assert.Equal(t, int64(1), legacy.Version)
	assert.Equal(t, "Account", legacy.Type)

	// Hydrated records are not written back.
	require.NoError(t, store.EvictAll(ctx, []string{"Account:1"}))
	require.NoError(t, c.Flush(ctx))
	got, err := store.GetAll(ctx, []string{"Account:1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	store := durable.NewMemory()
	c := newTestCache(t, WithDurable(store))
	seedAccount(t, c)
	require.NoError(t, c.Flush(ctx))

	rec := &recorder{}
	defer c.Subscribe(contactPlan("Contact:10"), rec.callback)()

	require.NoError(t, c.Evict(ctx, "Contact:10"))
	_, ok := c.Record("Contact:10")
	assert.False(t, ok)
	got, err := store.GetAll(ctx, []string{"Contact:10"})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.Equal(t, 2, rec.count())
	assert.Equal(t, Stale, rec.last().State)
}

// gatedAdapter blocks SetAll until release is closed.
type gatedAdapter struct {
	*durable.Memory
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAdapter) SetAll(ctx context.Context, entries map[string][]byte) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.Memory.SetAll(ctx, entries)
}

func TestEvict_WaitsForRunningFlush(t *testing.T) {
	ctx := context.Background()
	store := &gatedAdapter{
		Memory:  durable.NewMemory(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newTestCache(t, WithDurable(store))
	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)

	flushed := make(chan error, 1)
	go func() { flushed <- c.Flush(ctx) }()
	<-store.started

	evicted := make(chan error, 1)
	go func() { evicted <- c.Evict(ctx, "Account:1") }()

	select {
	case err := <-evicted:
		t.Fatalf("evict returned before the flush finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	require.NoError(t, <-flushed)
	require.NoError(t, <-evicted)

	_, ok := c.Record("Account:1")
	assert.False(t, ok)
	got, err := store.GetAll(ctx, []string{"Account:1"})
	require.NoError(t, err)
	assert.Empty(t, got, "an evicted key is not resurrected by the flush")
}

func TestDrafts_PersistAndHydrate(t *testing.T) {
	ctx := context.Background()
	store := durable.NewMemory()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	before := newTestCache(t, WithDurable(store), WithNow(func() time.Time { return clock }))
	seedAccount(t, before)
	d1, err := before.ApplyDraft("Account:1", draft.OpUpdate, obj("Name", "One"))
	require.NoError(t, err)
	d2, err := before.ApplyDraft("Account:1", draft.OpUpdate, obj("Name", "Two"))
	require.NoError(t, err)
	d3, err := before.ApplyDraft("Contact:10", draft.OpDelete, nil)
	require.NoError(t, err)
	require.NoError(t, before.DiscardDraft(d3))
	_, err = before.BeginUpload(d1)
	require.NoError(t, err)
	require.NoError(t, before.Flush(ctx))

	gone, err := store.GetAll(ctx, []string{draft.StorageKey(d3)})
	require.NoError(t, err)
	assert.Empty(t, gone, "discarded drafts are removed from the store")

	after := newTestCache(t, WithDurable(store), WithIDGenerator(draft.NewSequentialGenerator("n")))
	_, err = after.Hydrate(ctx, "Account:1", "Contact:10", "Contact:11")
	require.NoError(t, err)
	n, err := after.HydrateDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	restored := after.Drafts("Account:1")
	require.Len(t, restored, 2)
	assert.Equal(t, []string{d1, d2}, []string{restored[0].ID, restored[1].ID})
	assert.Equal(t, draft.StatusPending, restored[0].Status, "interrupted uploads restart as pending")
	assert.True(t, clock.Equal(restored[0].CreatedAt))
	assert.Equal(t, ir.IRString("Two"), after.BuildSnapshot(accountNamePlan()).Data["Name"])

	// New drafts sort after restored ones.
	d4, err := after.ApplyDraft("Account:1", draft.OpUpdate, obj("Name", "Three"))
	require.NoError(t, err)
	list := after.Drafts("Account:1")
	assert.Equal(t, d4, list[len(list)-1].ID)
	assert.Greater(t, list[2].Seq, list[1].Seq)

	// Hydrating twice does not duplicate.
	n, err = after.HydrateDrafts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfirmedDeleteIsEvictedOnFlush(t *testing.T) {
	ctx := context.Background()
	store := durable.NewMemory()
	c := newTestCache(t, WithDurable(store))
	seedAccount(t, c)
	require.NoError(t, c.Flush(ctx))

	id, err := c.ApplyDraft("Contact:11", draft.OpDelete, nil)
	require.NoError(t, err)
	_, err = c.BeginUpload(id)
	require.NoError(t, err)
	_, err = c.ConfirmDraft(ctx, id, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	got, err := store.GetAll(ctx, []string{"Contact:11", draft.StorageKey(id)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRun_FlushesPeriodicallyAndOnShutdown(t *testing.T) {
	store := durable.NewMemory()
	c := newTestCache(t, WithDurable(store), WithFlushInterval(10*time.Millisecond))
	seedAccount(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Len() == 3 }, time.Second, 5*time.Millisecond)

	_, err := c.Ingest(context.Background(), obj("Id", 2, "Name", "Globex"), accountNamePlan())
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 4, store.Len())
}

func TestPersistence_NoAdapter(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	seedAccount(t, c)
	assert.NoError(t, c.Flush(ctx))
	n, err := c.Hydrate(ctx, "Account:1")
	assert.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.HydrateDrafts(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, c.Evict(ctx, "Account:1"))
	assert.NoError(t, c.Close(ctx))
}
