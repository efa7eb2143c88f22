// Package ledger is the pool ledger: it validates bets and hands them to the
// store, which applies the state check, the pool increment and the bet insert
// as one atomic unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/pointsmarket/internal/limits"
	"github.com/atmx/pointsmarket/internal/metrics"
	"github.com/atmx/pointsmarket/internal/model"
	"github.com/atmx/pointsmarket/internal/store"
)

// Ledger places bets and reads pool snapshots.
type Ledger struct {
	store   store.Store
	limiter *limits.StakeLimiter
	now     func() time.Time

	// locks serializes the limit check and the bet of one user so two
	// concurrent bets cannot both pass a limit they jointly exceed. Entries
	// live only while a bet of that user is in flight.
	locksMu sync.Mutex
	locks   map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a ledger. limiter may be nil to disable stake limits.
func New(st store.Store, limiter *limits.StakeLimiter) *Ledger {
	return &Ledger{
		store:   st,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*userLock),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// PlaceBet adds stake to one side of a market's pool and records the bet.
// It returns the recorded bet and the pool immediately after it was applied.
func (l *Ledger) PlaceBet(ctx context.Context, userID, marketID string, side model.Side, stake int64) (*model.Bet, model.Pool, error) {
	start := time.Now()

	if err := validate(userID, side, stake); err != nil {
		metrics.BetRejections.WithLabelValues(reason(err)).Inc()
		return nil, model.Pool{}, err
	}

	if l.limitsEnabled() {
		defer l.lockUser(userID)()

		if err := l.checkLimits(ctx, userID, marketID, stake); err != nil {
			metrics.BetRejections.WithLabelValues(reason(err)).Inc()
			return nil, model.Pool{}, err
		}
	}

	bet := &model.Bet{
		ID:        uuid.New().String(),
		MarketID:  marketID,
		UserID:    userID,
		Side:      side,
		Stake:     stake,
		CreatedAt: l.now(),
	}

	pool, err := l.store.PlaceBet(ctx, bet)
	if err != nil {
		metrics.BetRejections.WithLabelValues(reason(err)).Inc()
		if errors.Is(err, model.ErrMarketClosed) || errors.Is(err, model.ErrNotFound) ||
			errors.Is(err, model.ErrInvalidStake) {
			return nil, model.Pool{}, err
		}
		return nil, model.Pool{}, fmt.Errorf("place bet: %w", err)
	}

	metrics.BetsTotal.WithLabelValues(string(side)).Inc()
	metrics.StakeVolume.WithLabelValues(marketID, string(side)).Add(float64(stake))
	metrics.BetLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	slog.Info("bet placed",
		"bet_id", bet.ID,
		"market_id", marketID,
		"user", userID,
		"side", side,
		"stake", stake,
		"yes_pool", pool.YesStake,
		"no_pool", pool.NoStake,
	)

	return bet, pool, nil
}

// Snapshot returns a consistent copy of a market's pool.
func (l *Ledger) Snapshot(ctx context.Context, marketID string) (model.Pool, error) {
	return l.store.GetPool(ctx, marketID)
}

func validate(userID string, side model.Side, stake int64) error {
	if userID == "" {
		return model.ErrInvalidUser
	}
	if !side.Valid() {
		return model.ErrInvalidSide
	}
	if stake <= 0 {
		return model.ErrInvalidStake
	}
	return nil
}

func (l *Ledger) limitsEnabled() bool {
	return l.limiter != nil && (l.limiter.MaxPerMarket > 0 || l.limiter.MaxPerCategory > 0)
}

// lockUser acquires the user's lock and returns its release func. The entry
// is dropped once no caller holds or waits on it.
func (l *Ledger) lockUser(userID string) (unlock func()) {
	l.locksMu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.locksMu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.locksMu.Lock()
		if ul.refs--; ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.locksMu.Unlock()
	}
}

// checkLimits loads the user's existing bets and the categories of the
// markets they touch, then asks the limiter.
func (l *Ledger) checkLimits(ctx context.Context, userID, marketID string, stake int64) error {
	market, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}

	bets, err := l.store.GetBetsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user bets: %w", err)
	}

	categories := map[string]string{market.ID: market.Category}
	if l.limiter.MaxPerCategory > 0 {
		for _, b := range bets {
			if _, ok := categories[b.MarketID]; ok {
				continue
			}
			m, err := l.store.GetMarket(ctx, b.MarketID)
			if err != nil {
				return fmt.Errorf("load market %s: %w", b.MarketID, err)
			}
			categories[m.ID] = m.Category
		}
	}

	exposure := limits.NewExposure(bets, func(id string) string { return categories[id] })
	return l.limiter.CheckLimit(market, stake, exposure)
}

func reason(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, model.ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, model.ErrInvalidUser):
		return "invalid_user"
	case errors.Is(err, model.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, model.ErrStakeLimit):
		return "stake_limit"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
