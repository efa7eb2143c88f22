package market

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/pointsmarket/internal/model"
)

// ResolveRequest is the optional JSON body of the single-market resolve
// endpoint. With an outcome the market is resolved manually; without one the
// automatic rule is evaluated.
type ResolveRequest struct {
	Outcome string `json:"outcome,omitempty"`
}

// ResolveAll handles POST /api/v1/admin/resolve
// Runs one full sweep, the same one the scheduler runs on its timer.
func (s *Service) ResolveAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.scheduler.Sweep(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ResolveMarket handles POST /api/v1/admin/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Outcome == "" {
		res, err := s.scheduler.ResolveNow(r.Context(), marketID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	outcome, err := model.ParseSide(req.Outcome)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.engine.ForceResolve(r.Context(), marketID, outcome)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AdminAuth guards admin routes with a static bearer token. An empty token
// disables the check.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.Header.Get("X-Admin-Token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Routes mounts every market endpoint on r. adminToken guards /admin.
func (s *Service) Routes(r chi.Router, adminToken string) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/pool", s.GetPool)
	r.Get("/markets/{marketID}/trend", s.GetTrend)
	r.Get("/markets/{marketID}/bets", s.GetMarketBets)
	r.Get("/markets/{marketID}/payouts", s.GetPayouts)

	r.Post("/bets", s.PlaceBet)
	r.Get("/bets/{betID}/value", s.GetBetValue)
	r.Get("/users/{userID}/bets", s.GetUserBets)

	r.Get("/oracle/search", s.SearchAssets)

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth(adminToken))
		r.Post("/resolve", s.ResolveAll)
		r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	})
}
