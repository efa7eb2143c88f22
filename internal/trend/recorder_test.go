package trend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pointsmarket/internal/model"
	"github.com/atmx/pointsmarket/internal/store"
	"github.com/atmx/pointsmarket/internal/trend"
)

var t0 = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	err := ms.CreateMarket(context.Background(), &model.Market{
		ID:          id,
		Title:       id,
		CloseTime:   t0.Add(time.Hour),
		ResolveTime: t0.Add(2 * time.Hour),
		State:       model.StateOpen,
		CreatedAt:   t0,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRecord_SamplesUnresolvedMarkets(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "a")
	seed(t, ms, "b")
	ctx := context.Background()
	ms.PlaceBet(ctx, &model.Bet{ID: "1", MarketID: "a", UserID: "u", Side: model.SideYes, Stake: 75, CreatedAt: t0})
	ms.PlaceBet(ctx, &model.Bet{ID: "2", MarketID: "a", UserID: "v", Side: model.SideNo, Stake: 25, CreatedAt: t0})
	ms.ResolveMarket(ctx, "b", model.SideYes, model.ResolvedByManual, t0)

	clock := t0.Add(10 * time.Minute)
	rec := trend.NewRecorder(ms).WithClock(func() time.Time { return clock })

	n, err := rec.Record(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 point (resolved market skipped), got %d", n)
	}

	series, err := rec.Series(ctx, "a")
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("expected 1 point, got %d", len(series))
	}
	p := series[0]
	if p.YesStake != 75 || p.NoStake != 25 {
		t.Errorf("unexpected stakes: %+v", p)
	}
	if !p.ImpliedPrice.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("expected implied price 0.75, got %s", p.ImpliedPrice)
	}
}

func TestRecord_SameSecondSkipped(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "a")
	ctx := context.Background()

	clock := t0.Add(500 * time.Millisecond)
	rec := trend.NewRecorder(ms).WithClock(func() time.Time { return clock })

	if n, _ := rec.Record(ctx); n != 1 {
		t.Fatalf("expected 1 point, got %d", n)
	}
	clock = t0.Add(900 * time.Millisecond)
	n, err := rec.Record(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected duplicate second to be skipped, got n=%d err=%v", n, err)
	}

	clock = t0.Add(time.Minute)
	rec.Record(ctx)
	series, _ := rec.Series(ctx, "a")
	if len(series) != 2 {
		t.Fatalf("expected 2 points, got %d", len(series))
	}
	if !series[0].Timestamp.Before(series[1].Timestamp) {
		t.Error("series must be in time order")
	}
	if !series[0].ImpliedPrice.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("empty pool should sample at 0.5, got %s", series[0].ImpliedPrice)
	}
}

func TestSeries_UnknownMarket(t *testing.T) {
	rec := trend.NewRecorder(store.NewMemoryStore())
	if _, err := rec.Series(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
