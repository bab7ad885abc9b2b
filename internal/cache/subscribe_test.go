package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/plan"
)

func TestSubscribe_InitialSnapshotIsSynchronous(t *testing.T) {
	c := newTestCache(t)
	rec := &recorder{}
	unsubscribe := c.Subscribe(accountNamePlan(), rec.callback)
	defer unsubscribe()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, Stale, rec.last().State)
	assert.Equal(t, 1, c.Subscribers())
}

func TestSubscribe_InitialSnapshotPrecedesLaterBatches(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer c.Subscribe(accountNamePlan(), func(s Snapshot) {
		if s.Data != nil && s.Data["Name"] == ir.IRString("Acme") {
			close(entered)
			<-release
		}
	})()

	ingested := make(chan error, 1)
	go func() {
		_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
		ingested <- err
	}()
	<-entered

	// Another goroutine is delivering, so this subscription's initial
	// snapshot joins the queue instead of running here.
	var mu sync.Mutex
	var names []string
	unsubscribe := c.Subscribe(accountNamePlan(), func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, string(s.Data["Name"].(ir.IRString)))
	})
	defer unsubscribe()

	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme 2"), accountNamePlan())
	require.NoError(t, err)
	mu.Lock()
	assert.Empty(t, names)
	mu.Unlock()

	close(release)
	require.NoError(t, <-ingested)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Acme", "Acme 2"}, names)
}

func TestSubscribe_NotifiesOnChange(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	rec := &recorder{}
	defer c.Subscribe(accountNamePlan(), rec.callback)()

	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)
	require.Equal(t, 2, rec.count())
	assert.Equal(t, Fulfilled, rec.last().State)
	assert.Equal(t, ir.IRString("Acme"), rec.last().Data["Name"])

	// Identical data: no notification.
	_, err = c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count())
}

func TestSubscribe_InvalidationPrecision(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)

	rec := &recorder{}
	defer c.Subscribe(accountNamePlan(), rec.callback)()
	require.Equal(t, 1, rec.count())

	// Changes to keys the selection never references are invisible.
	_, err = c.Ingest(ctx, obj("Id", 2, "Name", "Globex"), accountNamePlan())
	require.NoError(t, err)
	_, err = c.Ingest(ctx, obj("Id", 10, "Email", "x@y.test"), contactPlan("Contact:10"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count())
}

func TestSubscribe_UnselectedFieldChangeIsSilent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)

	rec := &recorder{}
	defer c.Subscribe(accountNamePlan(), rec.callback)()

	p := plan.New("Wide", "Account", plan.Scalar("Id"), plan.Scalar("Name"), plan.Scalar("Industry"))
	_, err = c.Ingest(ctx, obj("Id", 1, "Name", "Acme", "Industry", "Tech"), p)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(), "touched key but identical snapshot data")
}

func TestSubscribe_NotifiesWhenReferencedRecordChanges(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	_, err := c.Ingest(ctx, obj(
		"Id", 1, "Name", "Acme",
		"Contacts", []any{map[string]any{"Id": 10, "Email": "a@acme.test"}},
	), accountWithContactsPlan())
	require.NoError(t, err)

	rec := &recorder{}
	defer c.Subscribe(accountWithContactsPlan(), rec.callback)()

	_, err = c.Ingest(ctx, obj("Id", 10, "Email", "new@acme.test"), contactPlan("Contact:10"))
	require.NoError(t, err)
	require.Equal(t, 2, rec.count())
	contacts := rec.last().Data["Contacts"].(ir.IRArray)
	assert.Equal(t, ir.IRString("new@acme.test"), contacts[0].(ir.IRObject)["Email"])
}

func TestSubscribe_AbsentKeyArrivalNotifies(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	rec := &recorder{}
	defer c.Subscribe(contactPlan("Contact:10"), rec.callback)()
	require.Equal(t, Stale, rec.last().State)

	_, err := c.Ingest(ctx, obj("Id", 10, "Email", "a@acme.test"), contactPlan("Contact:10"))
	require.NoError(t, err)
	require.Equal(t, 2, rec.count())
	assert.Equal(t, Fulfilled, rec.last().State)
}

func TestSubscribe_RegistrationOrder(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	var order []string
	defer c.Subscribe(accountNamePlan(), func(Snapshot) { order = append(order, "first") })()
	defer c.Subscribe(accountNamePlan(), func(Snapshot) { order = append(order, "second") })()
	order = nil

	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	rec := &recorder{}
	unsubscribe := c.Subscribe(accountNamePlan(), rec.callback)
	unsubscribe()
	unsubscribe() // idempotent

	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count())
	assert.Zero(t, c.Subscribers())
}

func TestSubscribe_UnsubscribedDuringBatchIsSkipped(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	second := &recorder{}
	var unsubscribeSecond func()
	defer c.Subscribe(accountNamePlan(), func(s Snapshot) {
		if s.State == Fulfilled && unsubscribeSecond != nil {
			unsubscribeSecond()
		}
	})()
	unsubscribeSecond = c.Subscribe(accountNamePlan(), second.callback)

	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)
	assert.Equal(t, 1, second.count(), "second was removed before its queued delivery ran")
}

func TestSubscribe_ReentrantMutationsAreOrdered(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var events []string
	defer c.Subscribe(accountNamePlan(), func(s Snapshot) {
		if s.Data == nil {
			return
		}
		name := string(s.Data["Name"].(ir.IRString))
		events = append(events, "a:"+name)
		if name == "Acme" {
			// Mutating from a callback queues behind the current batch.
			_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme Corp"), accountNamePlan())
			assert.NoError(t, err)
			events = append(events, "a:returned")
		}
	})()
	defer c.Subscribe(accountNamePlan(), func(s Snapshot) {
		if s.Data == nil {
			return
		}
		events = append(events, "b:"+string(s.Data["Name"].(ir.IRString)))
	})()

	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a:Acme", "a:returned", "b:Acme",
		"a:Acme Corp", "b:Acme Corp",
	}, events)
}

func TestSubscribe_PanickingCallbackDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	defer c.Subscribe(accountNamePlan(), func(s Snapshot) {
		if s.State == Fulfilled {
			panic("boom")
		}
	})()
	rec := &recorder{}
	defer c.Subscribe(accountNamePlan(), rec.callback)()

	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count())

	_, err = c.Ingest(ctx, obj("Id", 1, "Name", "Acme 2"), accountNamePlan())
	require.NoError(t, err)
	assert.Equal(t, 3, rec.count(), "the delivery queue must not be wedged")
}
