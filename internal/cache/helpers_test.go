package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/keys"
	"github.com/roach88/graphcache/internal/plan"
)

// newTestCache builds a cache with Id-keyed Account, Contact and User types
// and deterministic draft ids.
func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	r := keys.NewResolver()
	for _, typ := range []string{"Account", "Contact", "User"} {
		require.NoError(t, r.Register(typ, keys.Identity{Fields: []string{"Id"}}))
	}
	base := []Option{WithResolver(r), WithIDGenerator(draft.NewSequentialGenerator("d"))}
	return New(append(base, opts...)...)
}

func accountNamePlan() *plan.Plan {
	return plan.New("AccountName", "Account",
		plan.Scalar("Id"),
		plan.Scalar("Name").Req(),
	).At("Account:1")
}

func accountWithContactsPlan() *plan.Plan {
	return plan.New("AccountContacts", "Account",
		plan.Scalar("Id"),
		plan.Scalar("Name").Req(),
		plan.List("Contacts", "Contact",
			plan.Scalar("Id"),
			plan.Scalar("Email"),
		).Req(),
	).At("Account:1")
}

func contactPlan(key string) *plan.Plan {
	return plan.New("Contact", "Contact",
		plan.Scalar("Id"),
		plan.Scalar("Email"),
	).At(key)
}

func obj(pairs ...any) ir.IRObject {
	out := make(ir.IRObject, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		v, err := ir.FromGo(pairs[i+1])
		if err != nil {
			panic(err)
		}
		out[pairs[i].(string)] = v
	}
	return out
}

// recorder collects snapshots delivered to a subscriber.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) callback(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}
