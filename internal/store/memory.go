package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/pointsmarket/internal/model"
)

// marketEntry holds one market and its bets behind a per-market lock, so
// bets and resolutions on different markets never contend.
type marketEntry struct {
	mu      sync.Mutex
	market  model.Market
	bets    []model.Bet
	bettors map[string]struct{}
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex // guards the maps, not the entries
	markets map[string]*marketEntry
	bets    map[string]model.Bet
	byUser  map[string][]string
	trend   map[string][]model.TrendPoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*marketEntry),
		bets:    make(map[string]model.Bet),
		byUser:  make(map[string][]string),
		trend:   make(map[string][]model.TrendPoint),
	}
}

func (s *MemoryStore) entry(id string) (*marketEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	return e, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, model.ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	s.markets[m.ID] = &marketEntry{
		market:  cloneMarket(*m),
		bettors: make(map[string]struct{}),
	}
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	m := cloneMarket(e.market)
	return &m, nil
}

// snapshotAll copies every market under its own lock.
func (s *MemoryStore) snapshotAll(keep func(*model.Market) bool) []model.Market {
	s.mu.RLock()
	entries := make([]*marketEntry, 0, len(s.markets))
	for _, e := range s.markets {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	markets := make([]model.Market, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep == nil || keep(&e.market) {
			markets = append(markets, cloneMarket(e.market))
		}
		e.mu.Unlock()
	}
	return markets
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	markets := s.snapshotAll(nil)
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) ListDueMarkets(_ context.Context, now time.Time) ([]model.Market, error) {
	markets := s.snapshotAll(func(m *model.Market) bool {
		return m.State != model.StateResolved && !m.ResolveTime.After(now)
	})
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].ResolveTime.Before(markets[j].ResolveTime)
	})
	return markets, nil
}

func (s *MemoryStore) ListClosingMarkets(_ context.Context, now time.Time) ([]model.Market, error) {
	return s.snapshotAll(func(m *model.Market) bool {
		return m.State == model.StateOpen && !m.CloseTime.After(now)
	}), nil
}

func (s *MemoryStore) CloseMarket(_ context.Context, id string) (bool, error) {
	e, err := s.entry(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.market.State != model.StateOpen {
		return false, nil
	}
	e.market.State = model.StateClosed
	return true, nil
}

func (s *MemoryStore) ResolveMarket(_ context.Context, id string, outcome model.Side, resolvedBy string, at time.Time) (*model.Market, bool, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.market.State == model.StateResolved {
		m := cloneMarket(e.market)
		return &m, false, nil
	}

	frozen := e.market.Pool
	e.market.State = model.StateResolved
	e.market.Outcome = &outcome
	e.market.Frozen = &frozen
	e.market.ResolvedAt = &at
	e.market.ResolvedBy = resolvedBy

	m := cloneMarket(e.market)
	return &m, true, nil
}

// PlaceBet checks the market state and applies the stake under the market's
// lock, so no bet can land after the market closes or resolves.
func (s *MemoryStore) PlaceBet(_ context.Context, bet *model.Bet) (model.Pool, error) {
	e, err := s.entry(bet.MarketID)
	if err != nil {
		return model.Pool{}, err
	}

	e.mu.Lock()
	if !e.market.AcceptsBets(bet.CreatedAt) {
		e.mu.Unlock()
		return model.Pool{}, model.ErrMarketClosed
	}
	if !e.market.Pool.Fits(bet.Stake) {
		e.mu.Unlock()
		return model.Pool{}, fmt.Errorf("%w: pool would overflow", model.ErrInvalidStake)
	}

	if bet.Side == model.SideYes {
		e.market.Pool.YesStake += bet.Stake
	} else {
		e.market.Pool.NoStake += bet.Stake
	}
	if _, ok := e.bettors[bet.UserID]; !ok {
		e.bettors[bet.UserID] = struct{}{}
		e.market.Pool.Participants++
	}
	e.bets = append(e.bets, *bet)
	pool := e.market.Pool
	e.mu.Unlock()

	s.mu.Lock()
	s.bets[bet.ID] = *bet
	s.byUser[bet.UserID] = append(s.byUser[bet.UserID], bet.ID)
	s.mu.Unlock()

	return pool, nil
}

func (s *MemoryStore) GetPool(_ context.Context, marketID string) (model.Pool, error) {
	e, err := s.entry(marketID)
	if err != nil {
		return model.Pool{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.market.Pool, nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, model.ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) GetBetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	e, err := s.entry(marketID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]model.Bet, len(e.bets))
	copy(result, e.bets)
	return result, nil
}

func (s *MemoryStore) GetBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	result := make([]model.Bet, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.bets[id])
	}
	return result, nil
}

func (s *MemoryStore) InsertTrendPoint(_ context.Context, p *model.TrendPoint) error {
	if _, err := s.entry(p.MarketID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	points := s.trend[p.MarketID]
	for _, existing := range points {
		if existing.Timestamp.Equal(p.Timestamp) {
			return fmt.Errorf("trend point %s@%s: %w", p.MarketID, p.Timestamp, model.ErrAlreadyExists)
		}
	}
	s.trend[p.MarketID] = append(points, *p)
	return nil
}

func (s *MemoryStore) GetTrendPoints(_ context.Context, marketID string) ([]model.TrendPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := make([]model.TrendPoint, len(s.trend[marketID]))
	copy(points, s.trend[marketID])
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

// cloneMarket deep-copies the pointer fields of a market.
func cloneMarket(m model.Market) model.Market {
	if m.Rule != nil {
		r := *m.Rule
		if r.OnFalse != nil {
			side := *r.OnFalse
			r.OnFalse = &side
		}
		m.Rule = &r
	}
	if m.Outcome != nil {
		o := *m.Outcome
		m.Outcome = &o
	}
	if m.Frozen != nil {
		f := *m.Frozen
		m.Frozen = &f
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		m.ResolvedAt = &t
	}
	return m
}
