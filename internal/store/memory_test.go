package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atmx/pointsmarket/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedMarket(t *testing.T, s *MemoryStore, id string) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:          id,
		Title:       "Will BTC close above 65k?",
		Category:    "crypto",
		CloseTime:   t0.Add(24 * time.Hour),
		ResolveTime: t0.Add(48 * time.Hour),
		State:       model.StateOpen,
		CreatedAt:   t0,
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return m
}

func bet(id, market, user string, side model.Side, stake int64) *model.Bet {
	return &model.Bet{
		ID:        id,
		MarketID:  market,
		UserID:    user,
		Side:      side,
		Stake:     stake,
		CreatedAt: t0.Add(time.Hour),
	}
}

func TestCreateMarket_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")

	err := s.CreateMarket(context.Background(), &model.Market{ID: "m1"})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetMarket(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPlaceBet_UpdatesPool(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()

	if _, err := s.PlaceBet(ctx, bet("b1", "m1", "alice", model.SideYes, 300)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool, err := s.PlaceBet(ctx, bet("b2", "m1", "bob", model.SideNo, 700))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.YesStake != 300 || pool.NoStake != 700 {
		t.Errorf("expected 300/700, got %d/%d", pool.YesStake, pool.NoStake)
	}
	if pool.Participants != 2 {
		t.Errorf("expected 2 participants, got %d", pool.Participants)
	}

	// Second bet from the same user does not add a participant.
	pool, _ = s.PlaceBet(ctx, bet("b3", "m1", "alice", model.SideNo, 5))
	if pool.Participants != 2 {
		t.Errorf("expected participants to stay at 2, got %d", pool.Participants)
	}
}

func TestPlaceBet_ConcurrentNoLostUpdates(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()

	const workers = 50
	const perWorker = 40

	var wg sync.WaitGroup
	var accepted atomic.Int64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				side := model.SideYes
				if (w+i)%2 == 0 {
					side = model.SideNo
				}
				stake := int64(1 + (w*perWorker+i)%17)
				b := bet(fmt.Sprintf("b-%d-%d", w, i), "m1", fmt.Sprintf("u%d", w), side, stake)
				if _, err := s.PlaceBet(ctx, b); err != nil {
					t.Errorf("bet failed: %v", err)
					return
				}
				accepted.Add(stake)
			}
		}(w)
	}
	wg.Wait()

	pool, _ := s.GetPool(ctx, "m1")
	if pool.Total() != accepted.Load() {
		t.Errorf("pool total %d != sum of accepted stakes %d", pool.Total(), accepted.Load())
	}

	bets, _ := s.GetBetsByMarket(ctx, "m1")
	var yes, no int64
	for _, b := range bets {
		if b.Side == model.SideYes {
			yes += b.Stake
		} else {
			no += b.Stake
		}
	}
	if yes != pool.YesStake || no != pool.NoStake {
		t.Errorf("per-side mismatch: bets %d/%d, pool %d/%d", yes, no, pool.YesStake, pool.NoStake)
	}
	if len(bets) != workers*perWorker {
		t.Errorf("expected %d bets, got %d", workers*perWorker, len(bets))
	}
	if pool.Participants != workers {
		t.Errorf("expected %d participants, got %d", workers, pool.Participants)
	}
}

func TestPlaceBet_RejectedWhenNotOpen(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func(s *MemoryStore){
		"closed": func(s *MemoryStore) {
			s.CloseMarket(ctx, "m1")
		},
		"resolved": func(s *MemoryStore) {
			s.ResolveMarket(ctx, "m1", model.SideYes, model.ResolvedByManual, t0)
		},
	}

	for name, prepare := range cases {
		s := NewMemoryStore()
		seedMarket(t, s, "m1")
		s.PlaceBet(ctx, bet("b1", "m1", "alice", model.SideYes, 100))
		prepare(s)

		_, err := s.PlaceBet(ctx, bet("b2", "m1", "bob", model.SideNo, 50))
		if !errors.Is(err, model.ErrMarketClosed) {
			t.Errorf("%s: expected ErrMarketClosed, got %v", name, err)
		}
		pool, _ := s.GetPool(ctx, "m1")
		if pool.YesStake != 100 || pool.NoStake != 0 {
			t.Errorf("%s: rejected bet mutated pool: %+v", name, pool)
		}
		if _, err := s.GetBet(ctx, "b2"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("%s: rejected bet should not be recorded", name)
		}
	}
}

func TestPlaceBet_RejectedAfterCloseTime(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")

	late := bet("b1", "m1", "alice", model.SideYes, 10)
	late.CreatedAt = m.CloseTime
	if _, err := s.PlaceBet(context.Background(), late); !errors.Is(err, model.ErrMarketClosed) {
		t.Errorf("expected ErrMarketClosed at close time, got %v", err)
	}
}

func TestResolveMarket_FreezesPool(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()
	s.PlaceBet(ctx, bet("b1", "m1", "alice", model.SideYes, 300))
	s.PlaceBet(ctx, bet("b2", "m1", "bob", model.SideNo, 700))

	m, ok, err := s.ResolveMarket(ctx, "m1", model.SideYes, model.ResolvedByOracle, t0)
	if err != nil || !ok {
		t.Fatalf("expected resolution to succeed: ok=%v err=%v", ok, err)
	}
	if m.State != model.StateResolved || m.Outcome == nil || *m.Outcome != model.SideYes {
		t.Errorf("unexpected resolved market: %+v", m)
	}
	if m.Frozen == nil || m.Frozen.YesStake != 300 || m.Frozen.NoStake != 700 {
		t.Errorf("unexpected frozen pool: %+v", m.Frozen)
	}
	if m.ResolvedBy != model.ResolvedByOracle {
		t.Errorf("expected resolved_by=oracle, got %s", m.ResolvedBy)
	}
}

func TestResolveMarket_SecondAttemptIsNoop(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()
	s.PlaceBet(ctx, bet("b1", "m1", "alice", model.SideYes, 300))

	first, _, _ := s.ResolveMarket(ctx, "m1", model.SideYes, model.ResolvedByOracle, t0)
	second, ok, err := s.ResolveMarket(ctx, "m1", model.SideNo, model.ResolvedByManual, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("second resolution should not error: %v", err)
	}
	if ok {
		t.Fatal("second resolution should be a no-op")
	}
	if *second.Outcome != *first.Outcome || second.ResolvedBy != first.ResolvedBy {
		t.Errorf("outcome changed: first=%s/%s second=%s/%s",
			*first.Outcome, first.ResolvedBy, *second.Outcome, second.ResolvedBy)
	}
	if *second.Frozen != *first.Frozen {
		t.Errorf("frozen pool changed: %+v -> %+v", first.Frozen, second.Frozen)
	}
}

func TestResolveMarket_ConcurrentSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := model.SideYes
			if i%2 == 1 {
				side = model.SideNo
			}
			_, ok, err := s.ResolveMarket(ctx, "m1", side, model.ResolvedByOracle, t0)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestCloseMarket_OnlyFromOpen(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()

	if ok, _ := s.CloseMarket(ctx, "m1"); !ok {
		t.Error("first close should succeed")
	}
	if ok, _ := s.CloseMarket(ctx, "m1"); ok {
		t.Error("second close should be a no-op")
	}

	// Closed markets can still resolve.
	if _, ok, _ := s.ResolveMarket(ctx, "m1", model.SideNo, model.ResolvedByOracle, t0); !ok {
		t.Error("closed market should resolve")
	}
	if ok, _ := s.CloseMarket(ctx, "m1"); ok {
		t.Error("resolved market must not go back to closed")
	}
}

func TestListDueAndClosingMarkets(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	seedMarket(t, s, "m2")
	ctx := context.Background()

	now := t0.Add(30 * time.Hour) // after close, before resolve
	closing, _ := s.ListClosingMarkets(ctx, now)
	if len(closing) != 2 {
		t.Errorf("expected 2 closing markets, got %d", len(closing))
	}
	due, _ := s.ListDueMarkets(ctx, now)
	if len(due) != 0 {
		t.Errorf("expected 0 due markets, got %d", len(due))
	}

	s.ResolveMarket(ctx, "m1", model.SideYes, model.ResolvedByManual, now)
	due, _ = s.ListDueMarkets(ctx, t0.Add(72*time.Hour))
	if len(due) != 1 || due[0].ID != "m2" {
		t.Errorf("expected only m2 due, got %+v", due)
	}
}

func TestGetMarket_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()
	s.ResolveMarket(ctx, "m1", model.SideYes, model.ResolvedByManual, t0)

	m, _ := s.GetMarket(ctx, "m1")
	no := model.SideNo
	m.Outcome = &no
	m.Frozen.YesStake = 999

	again, _ := s.GetMarket(ctx, "m1")
	if *again.Outcome != model.SideYes || again.Frozen.YesStake != 0 {
		t.Errorf("store state leaked through returned market: %+v", again)
	}
}

func TestTrendPoints_AppendOnly(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()

	p1 := model.NewTrendPoint("m1", model.Pool{YesStake: 1, NoStake: 1}, t0.Add(time.Minute))
	p0 := model.NewTrendPoint("m1", model.Pool{}, t0)
	if err := s.InsertTrendPoint(ctx, &p1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.InsertTrendPoint(ctx, &p0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.InsertTrendPoint(ctx, &p0); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("expected duplicate timestamp rejected, got %v", err)
	}

	points, _ := s.GetTrendPoints(ctx, "m1")
	if len(points) != 2 || !points[0].Timestamp.Equal(t0) {
		t.Errorf("expected 2 points in time order, got %+v", points)
	}
}

func TestPlaceBet_RejectsPoolOverflow(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")
	ctx := context.Background()

	if _, err := s.PlaceBet(ctx, bet("b1", "m1", "whale", model.SideYes, math.MaxInt64)); err != nil {
		t.Fatalf("first bet should pass: %v", err)
	}
	_, err := s.PlaceBet(ctx, bet("b2", "m1", "bob", model.SideNo, 10))
	if !errors.Is(err, model.ErrInvalidStake) {
		t.Fatalf("expected ErrInvalidStake, got %v", err)
	}

	pool, _ := s.GetPool(ctx, "m1")
	if pool.YesStake != math.MaxInt64 || pool.NoStake != 0 || pool.Participants != 1 {
		t.Errorf("rejected bet changed the pool: %+v", pool)
	}
	if _, err := s.GetBet(ctx, "b2"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("rejected bet was recorded: %v", err)
	}
}

// Bets racing a resolution either land before the freeze or are rejected;
// none may land after it.
func TestPlaceBet_RacingResolutionKeepsFrozenPoolExact(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		s := NewMemoryStore()
		seedMarket(t, s, "m1")

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				side := model.SideYes
				if i%2 == 1 {
					side = model.SideNo
				}
				_, err := s.PlaceBet(ctx, bet(fmt.Sprintf("b-%d-%d", round, i), "m1", fmt.Sprintf("u%d", i), side, int64(i+1)))
				if err != nil && !errors.Is(err, model.ErrMarketClosed) {
					t.Errorf("unexpected bet error: %v", err)
				}
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := s.ResolveMarket(ctx, "m1", model.SideYes, model.ResolvedByManual, t0); err != nil {
				t.Errorf("resolve failed: %v", err)
			}
		}()
		close(start)
		wg.Wait()

		m, _ := s.GetMarket(ctx, "m1")
		bets, _ := s.GetBetsByMarket(ctx, "m1")
		var sum int64
		for _, b := range bets {
			sum += b.Stake
		}
		if m.Frozen == nil {
			t.Fatalf("round %d: market has no frozen pool", round)
		}
		if m.Frozen.Total() != m.Pool.Total() || m.Pool.Total() != sum {
			t.Fatalf("round %d: frozen %d, live %d, bets %d", round, m.Frozen.Total(), m.Pool.Total(), sum)
		}
	}
}
