package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pointsmarket/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only reads are cached. Every atomic operation (PlaceBet, CloseMarket,
// ResolveMarket) goes straight to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) CloseMarket(ctx context.Context, id string) (bool, error) {
	ok, err := s.primary.CloseMarket(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.rdb.Del(ctx, marketKey(id))
	}
	return ok, nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, id string, outcome model.Side, resolvedBy string, at time.Time) (*model.Market, bool, error) {
	m, ok, err := s.primary.ResolveMarket(ctx, id, outcome, resolvedBy, at)
	if err != nil {
		return nil, false, err
	}
	// Resolved markets never change again; cache the terminal state.
	s.cacheMarket(ctx, m)
	return m, ok, nil
}

func (s *CachedStore) PlaceBet(ctx context.Context, bet *model.Bet) (model.Pool, error) {
	pool, err := s.primary.PlaceBet(ctx, bet)
	if err != nil {
		return model.Pool{}, err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(bet.MarketID), userBetsKey(bet.UserID))
	return pool, nil
}

func (s *CachedStore) InsertTrendPoint(ctx context.Context, p *model.TrendPoint) error {
	return s.primary.InsertTrendPoint(ctx, p)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, userBetsKey(userID)).Bytes()
	if err == nil {
		var bets []model.Bet
		if json.Unmarshal(data, &bets) == nil {
			return bets, nil
		}
	}

	// Cache miss.
	bets, err := s.primary.GetBetsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(bets); err == nil {
		s.rdb.Set(ctx, userBetsKey(userID), data, s.ttl)
	}
	return bets, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListDueMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.primary.ListDueMarkets(ctx, now)
}

func (s *CachedStore) ListClosingMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.primary.ListClosingMarkets(ctx, now)
}

// GetPool always reads the primary so pool snapshots are never stale.
func (s *CachedStore) GetPool(ctx context.Context, marketID string) (model.Pool, error) {
	return s.primary.GetPool(ctx, marketID)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return s.primary.GetBetsByMarket(ctx, marketID)
}

func (s *CachedStore) GetTrendPoints(ctx context.Context, marketID string) ([]model.TrendPoint, error) {
	return s.primary.GetTrendPoints(ctx, marketID)
}

// --- Cache helpers ---

// cacheMarket stores m. A resolved market always replaces the entry; any
// other state is written only into an empty slot, so a read that raced a
// resolution cannot put the pre-resolution market back over the final one.
func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if m.Resolved() {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
		return
	}
	s.rdb.SetNX(ctx, marketKey(m.ID), data, s.ttl)
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userBetsKey(uid string) string { return fmt.Sprintf("bets:user:%s", uid) }

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
