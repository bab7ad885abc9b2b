package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphcache/internal/cache"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/plan"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.True(t, Epoch.Equal(clock.Now()))
}

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now(), "Now does not advance")
	assert.Equal(t, start.Add(time.Minute), clock.Advance(time.Minute))
	assert.Equal(t, start.Add(time.Minute), clock.Now())

	clock.Reset(start)
	assert.Equal(t, start, clock.Now())
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	clock := NewManualClock(time.Time{})
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(100*time.Second), clock.Now())
}

func TestScriptedTransport_RepliesInOrder(t *testing.T) {
	tr := NewScriptedTransport()
	tr.Respond("Account", ir.IRObject{"Id": ir.IRInt(1)})
	tr.Fail("Account", &cache.NetworkError{Status: 503})
	tr.Respond("Account", ir.IRObject{"Id": ir.IRInt(2)})
	require.Equal(t, 3, tr.Pending())

	ctx := context.Background()
	desc := cache.Descriptor{Operation: "Account"}

	got, err := tr.Do(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"Id": ir.IRInt(1)}, got)

	_, err = tr.Do(ctx, desc)
	var ne *cache.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 503, ne.Status)

	got, err = tr.Do(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"Id": ir.IRInt(2)}, got)

	assert.Zero(t, tr.Pending())
	assert.Len(t, tr.Calls(), 3)
}

func TestScriptedTransport_Exhausted(t *testing.T) {
	tr := NewScriptedTransport()
	_, err := tr.Do(context.Background(), cache.Descriptor{Operation: "Missing"})
	require.Error(t, err)
	assert.True(t, cache.IsNetwork(err))
	assert.Contains(t, err.Error(), `"Missing"`)
}

func TestScriptedTransport_CancelledContext(t *testing.T) {
	tr := NewScriptedTransport()
	tr.Respond("Account", ir.IRObject{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Do(ctx, cache.Descriptor{Operation: "Account"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, tr.Pending())
	assert.Empty(t, tr.Calls())
}

func TestScriptedTransport_DrivesFetch(t *testing.T) {
	c := cache.New()
	tr := NewScriptedTransport()
	tr.Respond("Whoami", ir.IRObject{"id": ir.IRString("u1"), "name": ir.IRString("Ada")})

	p := plan.New("Whoami", "User", plan.Scalar("id"), plan.Scalar("name"))
	res, err := c.Fetch(context.Background(), tr.Do, cache.Descriptor{Operation: "Whoami"}, p)
	require.NoError(t, err)
	assert.Equal(t, "User:u1", res.RootKey)
}
