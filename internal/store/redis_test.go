package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/pointsmarket/internal/model"
)

func newTestCachedStore(t *testing.T) (*CachedStore, *MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary
}

func TestCachedStore_StaleReadDoesNotOverwriteResolved(t *testing.T) {
	cs, primary := newTestCachedStore(t)
	ctx := context.Background()
	seedMarket(t, primary, "m1")
	cs.PlaceBet(ctx, bet("b1", "m1", "alice", model.SideYes, 300))

	// A reader fetched the market before the resolution landed.
	stale, err := primary.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}

	if _, ok, err := cs.ResolveMarket(ctx, "m1", model.SideYes, model.ResolvedByManual, t0); err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	// ...and only now writes its copy back.
	cs.cacheMarket(ctx, stale)

	m, err := cs.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if !m.Resolved() || m.Outcome == nil || *m.Outcome != model.SideYes {
		t.Errorf("expected cached market to stay resolved, got state=%s outcome=%v", m.State, m.Outcome)
	}
	if m.Frozen == nil || m.Frozen.YesStake != 300 {
		t.Errorf("expected frozen pool in cache, got %+v", m.Frozen)
	}
}

func TestCachedStore_BetInvalidatesMarket(t *testing.T) {
	cs, primary := newTestCachedStore(t)
	ctx := context.Background()
	seedMarket(t, primary, "m1")

	if _, err := cs.GetMarket(ctx, "m1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := cs.PlaceBet(ctx, bet("b1", "m1", "alice", model.SideNo, 40)); err != nil {
		t.Fatalf("place bet: %v", err)
	}

	m, err := cs.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if m.Pool.NoStake != 40 {
		t.Errorf("expected fresh pool after bet, got %+v", m.Pool)
	}
}
