// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-instance development).
//
// Every implementation must honor two atomicity guarantees: PlaceBet checks
// the market state, increments the pool and records the bet as one unit, and
// ResolveMarket is a compare-and-set on the market state.
package store

import (
	"context"
	"time"

	"github.com/atmx/pointsmarket/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market with an empty pool.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market, including its live pool, by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListDueMarkets returns unresolved markets whose resolve time is at or
	// before now.
	ListDueMarkets(ctx context.Context, now time.Time) ([]model.Market, error)

	// ListClosingMarkets returns open markets whose close time is at or
	// before now.
	ListClosingMarkets(ctx context.Context, now time.Time) ([]model.Market, error)

	// CloseMarket moves a market from open to closed. Returns false when
	// the market was not open.
	CloseMarket(ctx context.Context, id string) (bool, error)

	// ResolveMarket moves an unresolved market to resolved, recording the
	// outcome and freezing the pool. Returns the market and false, without
	// modifying it, when it was already resolved.
	ResolveMarket(ctx context.Context, id string, outcome model.Side, resolvedBy string, at time.Time) (*model.Market, bool, error)

	// --- Pool ledger ---

	// PlaceBet atomically checks that the market accepts bets at
	// bet.CreatedAt, adds the stake to the pool and records the bet.
	// Returns model.ErrMarketClosed when the market is not open.
	PlaceBet(ctx context.Context, bet *model.Bet) (model.Pool, error)

	// GetPool returns a consistent snapshot of a market's pool.
	GetPool(ctx context.Context, marketID string) (model.Pool, error)

	// GetBet retrieves a bet by ID.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// GetBetsByMarket returns all bets on a market in placement order.
	GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// GetBetsByUser returns all bets of a user in placement order.
	GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	// --- Trend series ---

	// InsertTrendPoint appends a pool sample.
	InsertTrendPoint(ctx context.Context, point *model.TrendPoint) error

	// GetTrendPoints returns a market's samples in time order.
	GetTrendPoints(ctx context.Context, marketID string) ([]model.TrendPoint, error)
}
