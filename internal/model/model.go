// Package model defines the core domain types shared across the settlement
// engine. Stakes are integer points. Prices use shopspring/decimal, never
// float64.
package model

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two outcomes of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// ParseSide accepts "YES"/"NO" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	}
	return "", ErrInvalidSide
}

// State is the lifecycle state of a market.
type State string

const (
	StateOpen     State = "open"
	StateClosed   State = "closed"
	StateResolved State = "resolved"
)

// Resolution paths recorded on a resolved market.
const (
	ResolvedByOracle = "oracle"
	ResolvedByManual = "manual"
)

// Comparator is the operator applied between the oracle price and the
// rule's target price.
type Comparator string

const (
	OpGTE Comparator = ">="
	OpGT  Comparator = ">"
	OpLTE Comparator = "<="
	OpLT  Comparator = "<"
	OpEQ  Comparator = "=="
)

// Rule is the automatic resolution condition of a market.
type Rule struct {
	AssetID   string          `json:"asset_id"`
	Op        Comparator      `json:"op"`
	Target    decimal.Decimal `json:"target"`
	Tolerance decimal.Decimal `json:"tolerance"` // only used by ==
	OnTrue    Side            `json:"on_true"`
	OnFalse   *Side           `json:"on_false,omitempty"` // nil: stay open until the condition holds
}

// Pool holds the cumulative stakes on each side of a market.
type Pool struct {
	YesStake     int64 `json:"yes_stake" db:"yes_stake"`
	NoStake      int64 `json:"no_stake" db:"no_stake"`
	Participants int   `json:"participants" db:"participants"`
}

// Total returns yes + no.
func (p Pool) Total() int64 {
	return p.YesStake + p.NoStake
}

// Fits reports whether stake can be added without the total overflowing
// int64.
func (p Pool) Fits(stake int64) bool {
	return stake > 0 && stake <= math.MaxInt64-p.Total()
}

// On returns the stake on one side.
func (p Pool) On(side Side) int64 {
	if side == SideYes {
		return p.YesStake
	}
	return p.NoStake
}

// PriceScale is the number of decimal places kept for implied prices.
const PriceScale int32 = 8

// ImpliedPrice returns yes / (yes + no), or 0.5 for an empty pool.
func (p Pool) ImpliedPrice() decimal.Decimal {
	total := p.Total()
	if total == 0 {
		return decimal.NewFromFloat(0.5)
	}
	return decimal.NewFromInt(p.YesStake).DivRound(decimal.NewFromInt(total), PriceScale)
}

// Market is a binary prediction market with its parimutuel pool.
type Market struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Category    string     `json:"category" db:"category"`
	CloseTime   time.Time  `json:"close_time" db:"close_time"`
	ResolveTime time.Time  `json:"resolve_time" db:"resolve_time"`
	Rule        *Rule      `json:"rule,omitempty" db:"rule"`
	State       State      `json:"state" db:"state"`
	Outcome     *Side      `json:"outcome,omitempty" db:"outcome"`
	Pool        Pool       `json:"pool"`
	Frozen      *Pool      `json:"frozen_pool,omitempty"` // captured at resolution
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy  string     `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// AcceptsBets reports whether a bet placed at now may enter the pool.
func (m *Market) AcceptsBets(now time.Time) bool {
	return m.State == StateOpen && now.Before(m.CloseTime)
}

// Resolved reports whether the market reached its terminal state.
func (m *Market) Resolved() bool {
	return m.State == StateResolved
}

// SettlementPool returns the frozen pool for a resolved market and the live
// pool otherwise.
func (m *Market) SettlementPool() Pool {
	if m.Frozen != nil {
		return *m.Frozen
	}
	return m.Pool
}

// Bet is an immutable stake on one side of a market.
type Bet struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Side      Side      `json:"side" db:"side"`
	Stake     int64     `json:"stake" db:"stake"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TrendPoint is one sample of a market's pool over time.
type TrendPoint struct {
	MarketID     string          `json:"market_id" db:"market_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	YesStake     int64           `json:"yes_stake" db:"yes_stake"`
	NoStake      int64           `json:"no_stake" db:"no_stake"`
	ImpliedPrice decimal.Decimal `json:"implied_price" db:"implied_price"`
}

// NewTrendPoint samples a pool at ts.
func NewTrendPoint(marketID string, pool Pool, ts time.Time) TrendPoint {
	return TrendPoint{
		MarketID:     marketID,
		Timestamp:    ts,
		YesStake:     pool.YesStake,
		NoStake:      pool.NoStake,
		ImpliedPrice: pool.ImpliedPrice(),
	}
}
