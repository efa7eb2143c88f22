// Package payout implements parimutuel settlement for binary markets.
//
// Every bettor on the winning side receives a share of the whole pool
// proportional to their stake:
//
//	payout = floor(stake * totalPool / winningPool)
//
// Division truncates, so the sum of payouts never exceeds the pool. The
// functions are pure: pools are passed in, nothing is stored.
package payout

import (
	"math/big"

	"github.com/atmx/pointsmarket/internal/model"
)

// Payout is the settlement amount owed on one bet.
type Payout struct {
	BetID    string     `json:"bet_id"`
	UserID   string     `json:"user_id"`
	MarketID string     `json:"market_id"`
	Side     model.Side `json:"side"`
	Stake    int64      `json:"stake"`
	Amount   int64      `json:"amount"`
}

// Profit returns amount - stake (negative for a losing bet).
func (p Payout) Profit() int64 {
	return p.Amount - p.Stake
}

// share computes floor(stake * total / winning) without int64 overflow on
// the intermediate product.
func share(stake, total, winning int64) int64 {
	num := new(big.Int).Mul(big.NewInt(stake), big.NewInt(total))
	return num.Quo(num, big.NewInt(winning)).Int64()
}

// CurrentValue projects what a bet would pay if its side won with the pool
// as it stands now. The divisor is the bettor's own side, so the projection
// moves with every new bet.
func CurrentValue(stake int64, side model.Side, pool model.Pool) int64 {
	winning := pool.On(side)
	if winning <= 0 {
		return stake
	}
	return share(stake, pool.Total(), winning)
}

// FinalPayout settles a bet against the pool frozen at resolution.
// A bet on a side with no stake at all (degenerate market) gets its stake
// back; a losing bet gets nothing.
func FinalPayout(stake int64, side model.Side, frozen model.Pool, outcome model.Side) int64 {
	if side != outcome {
		return 0
	}
	winning := frozen.On(outcome)
	if winning <= 0 {
		return stake
	}
	return share(stake, frozen.Total(), winning)
}

// Value returns the projected value of an unresolved bet or the final payout
// of a resolved one. outcome is ignored unless resolved is true.
func Value(stake int64, side model.Side, pool model.Pool, resolved bool, outcome *model.Side) int64 {
	if !resolved || outcome == nil {
		return CurrentValue(stake, side, pool)
	}
	return FinalPayout(stake, side, pool, *outcome)
}

// BetValue evaluates a bet against its market.
func BetValue(bet model.Bet, market *model.Market) int64 {
	return Value(bet.Stake, bet.Side, market.SettlementPool(), market.Resolved(), market.Outcome)
}

// Distribute computes the payout of every bet on a resolved market.
func Distribute(bets []model.Bet, frozen model.Pool, outcome model.Side) []Payout {
	payouts := make([]Payout, 0, len(bets))
	for _, b := range bets {
		payouts = append(payouts, Payout{
			BetID:    b.ID,
			UserID:   b.UserID,
			MarketID: b.MarketID,
			Side:     b.Side,
			Stake:    b.Stake,
			Amount:   FinalPayout(b.Stake, b.Side, frozen, outcome),
		})
	}
	return payouts
}

// Total sums payout amounts.
func Total(payouts []Payout) int64 {
	var sum int64
	for _, p := range payouts {
		sum += p.Amount
	}
	return sum
}
