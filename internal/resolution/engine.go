// Package resolution decides market outcomes and applies them exactly once.
//
// Automatic resolution fetches the rule's asset price from the oracle and
// evaluates the comparator; manual resolution takes the outcome from an
// operator. Both end in the same conditional store update, so whichever path
// reaches the store first wins and every later attempt is a no-op.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pointsmarket/internal/metrics"
	"github.com/atmx/pointsmarket/internal/model"
	"github.com/atmx/pointsmarket/internal/rule"
	"github.com/atmx/pointsmarket/internal/store"
)

// Result statuses.
const (
	StatusResolved        = "resolved"
	StatusAlreadyResolved = "already_resolved"
	StatusNotDue          = "not_due"
	StatusNoRule          = "no_rule"
	StatusConditionNotMet = "condition_not_met"
	StatusError           = "error"
)

// PriceOracle returns the current price of an asset.
type PriceOracle interface {
	GetPrice(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// Notifier is told about every market this engine resolves.
type Notifier interface {
	MarketResolved(m *model.Market)
}

// Result is the outcome of one resolution attempt.
type Result struct {
	MarketID string           `json:"market_id"`
	Resolved bool             `json:"resolved"`
	Outcome  *model.Side      `json:"outcome,omitempty"`
	Status   string           `json:"status"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Summary aggregates a batch of results.
type Summary struct {
	Checked  int      `json:"checked"`
	Resolved int      `json:"resolved"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Results  []Result `json:"results"`
}

// Summarize counts results by kind.
func Summarize(results []Result) Summary {
	s := Summary{Checked: len(results), Results: results}
	for _, r := range results {
		switch {
		case r.Resolved:
			s.Resolved++
		case r.Status == StatusError:
			s.Failed++
		default:
			s.Skipped++
		}
	}
	if s.Results == nil {
		s.Results = []Result{}
	}
	return s
}

// Engine resolves markets against a store and a price oracle.
type Engine struct {
	store         store.Store
	oracle        PriceOracle
	notifier      Notifier
	now           func() time.Time
	marketTimeout time.Duration
}

// NewEngine creates an engine. notifier may be nil.
func NewEngine(st store.Store, oracle PriceOracle, notifier Notifier) *Engine {
	return &Engine{
		store:    st,
		oracle:   oracle,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithMarketTimeout bounds each market's attempt inside ResolveAll.
func (e *Engine) WithMarketTimeout(d time.Duration) *Engine {
	e.marketTimeout = d
	return e
}

// Resolve runs one automatic resolution attempt. Failures are reported in the
// result, never returned, so a batch keeps going past a bad market.
func (e *Engine) Resolve(ctx context.Context, m model.Market) Result {
	res := e.resolve(ctx, m)
	metrics.Resolutions.WithLabelValues(model.ResolvedByOracle, res.Status).Inc()
	return res
}

func (e *Engine) resolve(ctx context.Context, m model.Market) Result {
	res := Result{MarketID: m.ID}

	if m.Resolved() {
		res.Status = StatusAlreadyResolved
		res.Outcome = m.Outcome
		return res
	}
	if e.now().Before(m.ResolveTime) {
		res.Status = StatusNotDue
		return res
	}
	if m.Rule == nil {
		res.Status = StatusNoRule
		return res
	}

	price, err := e.oracle.GetPrice(ctx, m.Rule.AssetID)
	if err != nil {
		slog.Warn("oracle lookup failed",
			"market_id", m.ID,
			"asset", m.Rule.AssetID,
			"err", err,
		)
		res.Status = StatusError
		res.Error = err.Error()
		return res
	}
	res.Price = &price

	outcome, ok := rule.Outcome(*m.Rule, price)
	if !ok {
		res.Status = StatusConditionNotMet
		return res
	}
	if outcome == "" {
		outcome = model.SideYes
	}

	res, err = e.apply(ctx, res, m.ID, outcome, model.ResolvedByOracle)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
	}
	return res
}

// ResolveAll attempts every market with at most concurrency attempts in
// flight. Results keep the input order.
func (e *Engine) ResolveAll(ctx context.Context, markets []model.Market, concurrency int) Summary {
	results := make([]Result, len(markets))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i := range markets {
		i := i
		g.Go(func() error {
			mctx := gctx
			if e.marketTimeout > 0 {
				var cancel context.CancelFunc
				mctx, cancel = context.WithTimeout(gctx, e.marketTimeout)
				defer cancel()
			}
			results[i] = e.Resolve(mctx, markets[i])
			return nil
		})
	}
	g.Wait()

	return Summarize(results)
}

// ResolveByID loads a market and runs one automatic attempt on it.
func (e *Engine) ResolveByID(ctx context.Context, marketID string) (Result, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return Result{}, err
	}
	return e.Resolve(ctx, *m), nil
}

// ForceResolve resolves a market with an operator-supplied outcome,
// regardless of its rule or resolve time. Resolving an already resolved
// market returns a no-op result, not an error.
func (e *Engine) ForceResolve(ctx context.Context, marketID string, outcome model.Side) (Result, error) {
	if !outcome.Valid() {
		return Result{}, model.ErrInvalidSide
	}

	res, err := e.apply(ctx, Result{MarketID: marketID}, marketID, outcome, model.ResolvedByManual)
	if err != nil {
		metrics.Resolutions.WithLabelValues(model.ResolvedByManual, StatusError).Inc()
		return Result{}, err
	}
	metrics.Resolutions.WithLabelValues(model.ResolvedByManual, res.Status).Inc()
	return res, nil
}

// apply performs the conditional transition to resolved.
func (e *Engine) apply(ctx context.Context, res Result, marketID string, outcome model.Side, by string) (Result, error) {
	m, ok, err := e.store.ResolveMarket(ctx, marketID, outcome, by, e.now())
	if err != nil {
		return res, fmt.Errorf("resolve market %s: %w", marketID, err)
	}

	if !ok {
		res.Status = StatusAlreadyResolved
		res.Outcome = m.Outcome
		slog.Info("market already resolved",
			"market_id", marketID,
			"attempted", outcome,
			"by", by,
		)
		return res, nil
	}

	res.Resolved = true
	res.Status = StatusResolved
	res.Outcome = m.Outcome

	frozen := m.SettlementPool()
	slog.Info("market resolved",
		"market_id", marketID,
		"outcome", outcome,
		"by", by,
		"yes_pool", frozen.YesStake,
		"no_pool", frozen.NoStake,
	)

	if e.notifier != nil {
		e.notifier.MarketResolved(m)
	}
	return res, nil
}
