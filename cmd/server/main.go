package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/pointsmarket/internal/config"
	"github.com/atmx/pointsmarket/internal/ledger"
	"github.com/atmx/pointsmarket/internal/limits"
	"github.com/atmx/pointsmarket/internal/market"
	"github.com/atmx/pointsmarket/internal/metrics"
	"github.com/atmx/pointsmarket/internal/oracle"
	"github.com/atmx/pointsmarket/internal/resolution"
	"github.com/atmx/pointsmarket/internal/scheduler"
	"github.com/atmx/pointsmarket/internal/store"
	"github.com/atmx/pointsmarket/internal/trend"
)

func main() {
	configPath := flag.String("config", os.Getenv("PMX_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb = redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var priceCache oracle.Cache = oracle.NewMemoryCache(cfg.Oracle.CacheTTL.Duration, nil)
	if rdb != nil {
		priceCache = oracle.NewRedisCache(rdb, cfg.Oracle.CacheTTL.Duration)
	}
	retries := cfg.Oracle.MaxRetries
	if retries == 0 {
		retries = -1
	}
	oracleClient := oracle.NewClient(oracle.Options{
		BaseURL:    cfg.Oracle.BaseURL,
		Currency:   cfg.Oracle.Currency,
		Timeout:    cfg.Oracle.Timeout.Duration,
		MaxRetries: retries,
		RetryWait:  cfg.Oracle.RetryWait.Duration,
		RatePerSec: cfg.Oracle.RatePerSec,
		Burst:      cfg.Oracle.Burst,
	}, priceCache)

	// --- Bets ---
	limiter := limits.NewStakeLimiter(cfg.Limits.MaxStakePerMarket, cfg.Limits.MaxStakePerCategory)
	led := ledger.New(st, limiter)

	// --- WebSocket hub ---
	wsHub := market.NewWSHub()
	go wsHub.Run(ctx)

	// --- Resolution ---
	engine := resolution.NewEngine(st, oracleClient, wsHub).
		WithMarketTimeout(cfg.Scheduler.MarketTimeout.Duration)
	recorder := trend.NewRecorder(st)
	sched := scheduler.New(st, engine, recorder, scheduler.Options{
		ResolveSpec: cfg.Scheduler.ResolveSpec,
		TrendSpec:   cfg.Scheduler.TrendSpec,
		Concurrency: cfg.Scheduler.Concurrency,
	})
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			slog.Error("scheduler start failed", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("scheduler disabled, markets resolve only via /admin")
	}

	svc := market.NewService(market.Deps{
		Store:     st,
		Ledger:    led,
		Engine:    engine,
		Scheduler: sched,
		Trend:     recorder,
		Search:    oracleClient,
		Hub:       wsHub,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors(cfg.Server.CORSOrigins))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pointsmarket"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live pool updates and resolutions.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.WriteTimeout.Duration))
			svc.Routes(r, cfg.Server.AdminToken)
		})
	})

	if cfg.Server.AdminToken == "" {
		slog.Warn("admin token not set, /api/v1/admin is unauthenticated")
	}

	// --- Server ---
	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout.Duration,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("pointsmarket listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down pointsmarket...")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	fmt.Println("pointsmarket stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
