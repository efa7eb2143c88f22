// Package limits enforces per-user stake limits on a single market and
// across all markets of a category.
//
// Markets in the same category (e.g. every "crypto" market resolving on
// bitcoin price) tend to resolve together, so a bettor piling into all of
// them carries correlated risk. The category cap bounds that aggregate.
package limits

import (
	"fmt"

	"github.com/atmx/pointsmarket/internal/model"
)

// Exposure is a user's cumulative stake, keyed by market and by category.
type Exposure struct {
	ByMarket   map[string]int64
	ByCategory map[string]int64
}

// NewExposure aggregates a user's bets. categoryOf maps a market id to its
// category; markets it does not know only count toward the market total.
func NewExposure(bets []model.Bet, categoryOf func(marketID string) string) Exposure {
	e := Exposure{
		ByMarket:   make(map[string]int64),
		ByCategory: make(map[string]int64),
	}
	for _, b := range bets {
		e.ByMarket[b.MarketID] += b.Stake
		if categoryOf == nil {
			continue
		}
		if c := categoryOf(b.MarketID); c != "" {
			e.ByCategory[c] += b.Stake
		}
	}
	return e
}

// StakeLimiter caps how much one user may stake. A zero limit disables
// the corresponding check.
type StakeLimiter struct {
	// MaxPerMarket is the maximum cumulative stake of one user on one market.
	MaxPerMarket int64

	// MaxPerCategory is the maximum cumulative stake of one user across
	// all markets sharing a category.
	MaxPerCategory int64
}

// NewStakeLimiter creates a limiter. Negative limits are treated as zero.
func NewStakeLimiter(maxPerMarket, maxPerCategory int64) *StakeLimiter {
	if maxPerMarket < 0 {
		maxPerMarket = 0
	}
	if maxPerCategory < 0 {
		maxPerCategory = 0
	}
	return &StakeLimiter{
		MaxPerMarket:   maxPerMarket,
		MaxPerCategory: maxPerCategory,
	}
}

// CheckLimit validates whether adding stake to market keeps the user within
// limits. The returned error wraps model.ErrStakeLimit.
func (l *StakeLimiter) CheckLimit(market *model.Market, stake int64, existing Exposure) error {
	if l == nil {
		return nil
	}

	if l.MaxPerMarket > 0 {
		if have := existing.ByMarket[market.ID]; stake > l.MaxPerMarket-have {
			return fmt.Errorf("%w: %d more on market holding %d exceeds %d",
				model.ErrStakeLimit, stake, have, l.MaxPerMarket)
		}
	}

	if l.MaxPerCategory > 0 && market.Category != "" {
		if have := existing.ByCategory[market.Category]; stake > l.MaxPerCategory-have {
			return fmt.Errorf("%w: %d more in category %s holding %d exceeds %d",
				model.ErrStakeLimit, stake, market.Category, have, l.MaxPerCategory)
		}
	}

	return nil
}
