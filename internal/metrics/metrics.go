// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts accepted bets, partitioned by side.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_bets_total",
		Help: "Total number of bets accepted",
	}, []string{"side"})

	// BetLatency tracks how long PlaceBet takes end to end.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_bet_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// StakeVolume tracks cumulative stake points per market.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_stake_volume_total",
		Help: "Cumulative staked points",
	}, []string{"market_id", "side"})

	// BetRejections counts rejected bets by reason.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_bet_rejections_total",
		Help: "Bets rejected before entering a pool",
	}, []string{"reason"})

	// Resolutions counts resolution attempts by path (oracle, manual) and
	// result (resolved, skipped, failed, already_resolved).
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_resolutions_total",
		Help: "Market resolution attempts",
	}, []string{"path", "result"})

	// SweepDuration tracks how long one scheduler sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pmx_sweep_duration_seconds",
		Help:    "Resolution sweep duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	// OracleRequests counts upstream oracle calls by endpoint and result.
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_oracle_requests_total",
		Help: "Upstream price oracle requests",
	}, []string{"endpoint", "result"})

	// OracleCacheHits counts price lookups served from cache.
	OracleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_oracle_cache_hits_total",
		Help: "Price lookups served from cache",
	})

	// OpenMarkets tracks the number of markets accepting bets.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_open_markets",
		Help: "Number of currently open markets",
	})

	// TrendPoints counts recorded trend samples.
	TrendPoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_trend_points_total",
		Help: "Trend points recorded",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern (e.g. /api/v1/markets/{id})
// so market IDs do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection through the
// wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
