// Package market provides the HTTP handlers for creating markets, placing
// bets, and querying pools, bet values and trends.
//
// Stakes are integer points; implied prices use shopspring/decimal.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pointsmarket/internal/ledger"
	"github.com/atmx/pointsmarket/internal/model"
	"github.com/atmx/pointsmarket/internal/oracle"
	"github.com/atmx/pointsmarket/internal/payout"
	"github.com/atmx/pointsmarket/internal/resolution"
	"github.com/atmx/pointsmarket/internal/rule"
	"github.com/atmx/pointsmarket/internal/scheduler"
	"github.com/atmx/pointsmarket/internal/store"
	"github.com/atmx/pointsmarket/internal/trend"
)

// AssetSearcher looks up oracle assets by name or symbol.
type AssetSearcher interface {
	Search(ctx context.Context, query string) ([]oracle.Asset, error)
}

// Deps are the collaborators of a Service. Hub and Search may be nil.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Engine    *resolution.Engine
	Scheduler *scheduler.Scheduler
	Trend     *trend.Recorder
	Search    AssetSearcher
	Hub       *WSHub
}

// Service handles market, bet and admin requests.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	engine    *resolution.Engine
	scheduler *scheduler.Scheduler
	trend     *trend.Recorder
	search    AssetSearcher
	wsHub     *WSHub
	now       func() time.Time
}

// NewService creates a new market service.
func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		ledger:    d.Ledger,
		engine:    d.Engine,
		scheduler: d.Scheduler,
		trend:     d.Trend,
		search:    d.Search,
		wsHub:     d.Hub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. The rule can be
// given either as an expression ("bitcoin >= 65000") or as a structured rule.
type CreateMarketRequest struct {
	Title       string      `json:"title"`
	Category    string      `json:"category"`
	CloseTime   time.Time   `json:"close_time"`
	ResolveTime time.Time   `json:"resolve_time"`
	RuleExpr    string      `json:"rule_expr,omitempty"`
	Rule        *model.Rule `json:"rule,omitempty"`
	OnFalse     string      `json:"on_false,omitempty"` // with rule_expr: outcome when the condition fails
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	Side     string `json:"side"` // "YES" or "NO"
	Stake    int64  `json:"stake"`
}

// PlaceBetResponse is the JSON body returned from POST /bets.
type PlaceBetResponse struct {
	Bet          model.Bet       `json:"bet"`
	Pool         model.Pool      `json:"pool"`
	ImpliedPrice decimal.Decimal `json:"implied_price"`
	CurrentValue int64           `json:"current_value"`
}

// PoolResponse is a pool snapshot with its implied price.
type PoolResponse struct {
	MarketID     string          `json:"market_id"`
	State        model.State     `json:"state"`
	Pool         model.Pool      `json:"pool"`
	Total        int64           `json:"total"`
	ImpliedPrice decimal.Decimal `json:"implied_price"`
	Frozen       bool            `json:"frozen"`
}

// BetValue is a bet with its projected or final value.
type BetValue struct {
	model.Bet
	Resolved bool        `json:"resolved"`
	Outcome  *model.Side `json:"outcome,omitempty"`
	Value    int64       `json:"value"`
	Profit   int64       `json:"profit"`
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.buildMarket(req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeErr(w, err)
		return
	}

	attrs := []any{"id", market.ID, "title", market.Title, "close_time", market.CloseTime}
	if market.Rule != nil {
		attrs = append(attrs, "rule", rule.String(*market.Rule))
	}
	slog.Info("market created", attrs...)

	writeJSON(w, http.StatusCreated, market)
}

func (s *Service) buildMarket(req CreateMarketRequest) (*model.Market, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	if req.CloseTime.IsZero() || req.ResolveTime.IsZero() {
		return nil, errors.New("close_time and resolve_time are required")
	}
	if req.ResolveTime.Before(req.CloseTime) {
		return nil, errors.New("resolve_time must not be before close_time")
	}

	var mr *model.Rule
	switch {
	case req.RuleExpr != "":
		parsed, err := rule.Parse(req.RuleExpr)
		if err != nil {
			return nil, err
		}
		mr = parsed
		if req.OnFalse != "" {
			side, err := model.ParseSide(req.OnFalse)
			if err != nil {
				return nil, rule.ErrInvalidOutcome
			}
			mr.OnFalse = &side
		}
	case req.Rule != nil:
		mr = req.Rule
		mr.AssetID = strings.ToLower(strings.TrimSpace(mr.AssetID))
		if err := rule.Validate(mr); err != nil {
			return nil, err
		}
	}

	return &model.Market{
		ID:          uuid.New().String(),
		Title:       title,
		Category:    strings.ToLower(strings.TrimSpace(req.Category)),
		CloseTime:   req.CloseTime.UTC(),
		ResolveTime: req.ResolveTime.UTC(),
		Rule:        mr,
		State:       model.StateOpen,
		CreatedAt:   s.now(),
	}, nil
}

// ListMarkets handles GET /api/v1/markets
// Optional filters: ?state=open|closed|resolved and ?category=<name>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	state := model.State(r.URL.Query().Get("state"))
	category := strings.ToLower(r.URL.Query().Get("category"))

	filtered := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if state != "" && m.State != state {
			continue
		}
		if category != "" && m.Category != category {
			continue
		}
		filtered = append(filtered, m)
	}

	writeJSON(w, http.StatusOK, filtered)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetPool handles GET /api/v1/markets/{marketID}/pool
// Resolved markets report the pool frozen at resolution.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}

	pool := market.SettlementPool()
	if !market.Resolved() {
		if pool, err = s.ledger.Snapshot(r.Context(), market.ID); err != nil {
			writeErr(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, PoolResponse{
		MarketID:     market.ID,
		State:        market.State,
		Pool:         pool,
		Total:        pool.Total(),
		ImpliedPrice: pool.ImpliedPrice(),
		Frozen:       market.Resolved(),
	})
}

// GetTrend handles GET /api/v1/markets/{marketID}/trend
func (s *Service) GetTrend(w http.ResponseWriter, r *http.Request) {
	points, err := s.trend.Series(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// GetMarketBets handles GET /api/v1/markets/{marketID}/bets
func (s *Service) GetMarketBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.GetBetsByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// GetPayouts handles GET /api/v1/markets/{marketID}/payouts
// Only resolved markets have payouts.
func (s *Service) GetPayouts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	market, err := s.store.GetMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !market.Resolved() || market.Outcome == nil {
		writeError(w, "market is not resolved", http.StatusConflict)
		return
	}

	bets, err := s.store.GetBetsByMarket(ctx, market.ID)
	if err != nil {
		writeErr(w, err)
		return
	}

	payouts := payout.Distribute(bets, market.SettlementPool(), *market.Outcome)
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": market.ID,
		"outcome":   market.Outcome,
		"pool":      market.SettlementPool(),
		"paid":      payout.Total(payouts),
		"payouts":   payouts,
	})
}

// --- Bet handlers ---

// PlaceBet handles POST /api/v1/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeErr(w, err)
		return
	}

	bet, pool, err := s.ledger.PlaceBet(r.Context(), req.UserID, req.MarketID, side, req.Stake)
	if err != nil {
		writeErr(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.BetPlaced(bet, pool)
	}

	writeJSON(w, http.StatusCreated, PlaceBetResponse{
		Bet:          *bet,
		Pool:         pool,
		ImpliedPrice: pool.ImpliedPrice(),
		CurrentValue: payout.CurrentValue(bet.Stake, bet.Side, pool),
	})
}

// GetBetValue handles GET /api/v1/bets/{betID}/value
// Unresolved bets report their projected value; resolved bets their payout.
func (s *Service) GetBetValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bet, err := s.store.GetBet(ctx, chi.URLParam(r, "betID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	market, err := s.store.GetMarket(ctx, bet.MarketID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueOf(*bet, market))
}

// GetUserBets handles GET /api/v1/users/{userID}/bets
func (s *Service) GetUserBets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bets, err := s.store.GetBetsByUser(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}

	markets := make(map[string]*model.Market)
	values := make([]BetValue, 0, len(bets))
	for _, b := range bets {
		m, ok := markets[b.MarketID]
		if !ok {
			if m, err = s.store.GetMarket(ctx, b.MarketID); err != nil {
				writeErr(w, err)
				return
			}
			markets[b.MarketID] = m
		}
		values = append(values, valueOf(b, m))
	}

	writeJSON(w, http.StatusOK, values)
}

func valueOf(b model.Bet, m *model.Market) BetValue {
	v := payout.BetValue(b, m)
	return BetValue{
		Bet:      b,
		Resolved: m.Resolved(),
		Outcome:  m.Outcome,
		Value:    v,
		Profit:   v - b.Stake,
	}
}

// --- Oracle ---

// SearchAssets handles GET /api/v1/oracle/search?q=<query>
func (s *Service) SearchAssets(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, "oracle search is not configured", http.StatusServiceUnavailable)
		return
	}
	assets, err := s.search.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps domain errors to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrStakeLimit):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidStake),
		errors.Is(err, model.ErrInvalidSide),
		errors.Is(err, model.ErrInvalidUser),
		errors.Is(err, model.ErrInvalidMarket):
		status = http.StatusBadRequest
	case errors.Is(err, oracle.ErrUnavailable):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}
