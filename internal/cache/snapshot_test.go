package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/plan"
)

func TestBuildSnapshot_Fulfilled(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	_, err := c.Ingest(ctx, obj(
		"Id", 1, "Name", "Acme",
		"Contacts", []any{map[string]any{"Id": 10, "Email": "a@acme.test"}},
	), accountWithContactsPlan())
	require.NoError(t, err)

	snap := c.BuildSnapshot(accountWithContactsPlan())
	assert.Equal(t, Fulfilled, snap.State)
	assert.NoError(t, snap.Err)
	assert.Equal(t, ir.IRObject{
		"Id":   ir.IRInt(1),
		"Name": ir.IRString("Acme"),
		"Contacts": ir.IRArray{
			ir.IRObject{"Id": ir.IRInt(10), "Email": ir.IRString("a@acme.test")},
		},
	}, snap.Data)
	assert.Equal(t, []string{"Account:1", "Contact:10"}, snap.SeenKeys())
}

func TestBuildSnapshot_DataIsACopy(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "Acme"), accountNamePlan())
	require.NoError(t, err)

	snap := c.BuildSnapshot(accountNamePlan())
	snap.Data["Name"] = ir.IRString("mutated")

	again := c.BuildSnapshot(accountNamePlan())
	assert.Equal(t, ir.IRString("Acme"), again.Data["Name"])
}

func TestBuildSnapshot_MissingRootIsStale(t *testing.T) {
	c := newTestCache(t)
	snap := c.BuildSnapshot(accountNamePlan())

	assert.Equal(t, Stale, snap.State)
	assert.Nil(t, snap.Data)
	assert.True(t, snap.Depends("Account:1"), "absent keys are part of Seen")
	assert.True(t, IsUnresolved(snap.Err))
}

func TestBuildSnapshot_MissingRequiredReference(t *testing.T) {
	c := newTestCache(t)
	p := plan.New("P", "Account",
		plan.Scalar("Name"),
		plan.Link("Owner", "User", plan.Scalar("Name")).Req(),
	).At("Account:1")

	// Seed a record whose reference points nowhere.
	c.mu.Lock()
	c.records["Account:1"] = &ir.Record{Key: "Account:1", Type: "Account", Version: 1, Fields: ir.IRObject{
		"Name":  ir.IRString("Acme"),
		"Owner": ir.Ref("User:7"),
	}}
	c.mu.Unlock()

	snap := c.BuildSnapshot(p)
	assert.Equal(t, Stale, snap.State)
	assert.Equal(t, ir.IRString("Acme"), snap.Data["Name"], "partial data is retained")
	assert.Equal(t, ir.IRNull{}, snap.Data["Owner"])
	assert.True(t, snap.Depends("User:7"))

	var ue *UnresolvedReferenceError
	require.ErrorAs(t, snap.Err, &ue)
	assert.Equal(t, "User:7", ue.Key)
	assert.Equal(t, "P.Owner", ue.Path)

	// Optional references that are missing do not make the snapshot stale.
	optional := plan.New("P", "Account", plan.Scalar("Name"), plan.Link("Owner", "User", plan.Scalar("Name"))).At("Account:1")
	assert.Equal(t, Fulfilled, c.BuildSnapshot(optional).State)
}

func TestBuildSnapshot_PendingReference(t *testing.T) {
	c := newTestCache(t)
	p := plan.New("P", "Account", plan.Link("Owner", "User", plan.Scalar("Name")).Req()).At("Account:1")
	c.mu.Lock()
	c.records["Account:1"] = &ir.Record{Key: "Account:1", Type: "Account", Version: 1, Fields: ir.IRObject{
		"Owner": ir.IRRef{Key: "User:7", Pending: true},
	}}
	c.mu.Unlock()

	assert.Equal(t, Pending, c.BuildSnapshot(p).State)
}

func TestBuildSnapshot_Cycles(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	p := plan.New("Cycle", "User",
		plan.Scalar("Name"),
		plan.Link("Manager", "User",
			plan.Scalar("Name"),
			plan.Link("Manager", "User", plan.Scalar("Name")),
		),
	)
	// A manages B and B manages A.
	_, err := c.Ingest(ctx, obj("Id", 1, "Name", "A", "Manager", map[string]any{"Id": 2, "Name": "B"}), p)
	require.NoError(t, err)
	_, err = c.Ingest(ctx, obj("Id", 2, "Name", "B", "Manager", map[string]any{"Id": 1, "Name": "A"}), p)
	require.NoError(t, err)

	snap := c.BuildSnapshot(p.At("User:1"))
	require.Equal(t, Fulfilled, snap.State)
	manager := snap.Data["Manager"].(ir.IRObject)
	assert.Equal(t, ir.IRString("B"), manager["Name"])
	assert.Equal(t, ir.IRString("A"), manager["Manager"].(ir.IRObject)["Name"])
	assert.Equal(t, []string{"User:1", "User:2"}, snap.SeenKeys())
}

func TestBuildSnapshot_NoRootKey(t *testing.T) {
	c := newTestCache(t)
	snap := c.BuildSnapshot(plan.New("P", "Account", plan.Scalar("Name")))
	assert.Equal(t, Error, snap.State)
	assert.Error(t, snap.Err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "fulfilled", Fulfilled.String())
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "error", Error.String())
}
