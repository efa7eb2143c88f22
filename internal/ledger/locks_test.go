package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atmx/pointsmarket/internal/limits"
	"github.com/atmx/pointsmarket/internal/model"
	"github.com/atmx/pointsmarket/internal/store"
)

func lockEntries(l *Ledger) int {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	return len(l.locks)
}

func TestLockUser_SerializesAndEvicts(t *testing.T) {
	l := New(store.NewMemoryStore(), nil)

	var wg sync.WaitGroup
	var inside, maxInside int
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lockUser("alice")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(100 * time.Microsecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder at a time, saw %d", maxInside)
	}
	if n := lockEntries(l); n != 0 {
		t.Errorf("expected lock entries to be evicted, %d remain", n)
	}
}

func TestPlaceBet_DoesNotRetainUserLocks(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := ms.CreateMarket(context.Background(), &model.Market{
		ID:          "m1",
		Title:       "market m1",
		CloseTime:   now.Add(time.Hour),
		ResolveTime: now.Add(2 * time.Hour),
		State:       model.StateOpen,
		CreatedAt:   now,
	}); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	l := New(ms, limits.NewStakeLimiter(1_000_000, 0)).WithClock(func() time.Time { return now })

	for i := 0; i < 100; i++ {
		if _, _, err := l.PlaceBet(context.Background(), fmt.Sprintf("user-%d", i), "m1", model.SideYes, 1); err != nil {
			t.Fatalf("bet %d: %v", i, err)
		}
	}
	if n := lockEntries(l); n != 0 {
		t.Errorf("expected no lock entries after bets settle, got %d", n)
	}
}
