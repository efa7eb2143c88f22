// Package oracle fetches spot prices from a CoinGecko-compatible HTTP API.
//
// Lookups go through a TTL cache; concurrent misses for the same asset share
// one upstream request, and every upstream request waits on a rate limiter
// and is retried with exponential backoff on transport errors, 429 and 5xx.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/atmx/pointsmarket/internal/metrics"
)

var (
	// ErrUnavailable means the upstream could not be reached or kept
	// failing after all retries.
	ErrUnavailable = errors.New("price oracle unavailable")

	// ErrUnknownAsset means the upstream answered but has no price for the
	// requested asset.
	ErrUnknownAsset = errors.New("unknown asset")
)

const (
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	defaultCurrency   = "usd"
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultRetryWait  = 500 * time.Millisecond
	defaultRatePerSec = 5
	defaultBurst      = 5
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	Currency   string
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
	RatePerSec float64
	Burst      int
}

// Asset is one search hit.
type Asset struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Client is a rate limited, cached price oracle client.
type Client struct {
	http       *http.Client
	baseURL    string
	currency   string
	maxRetries int
	retryWait  time.Duration
	limiter    *rate.Limiter
	cache      Cache
	group      singleflight.Group
}

// NewClient creates a Client. cache may be nil to disable caching.
func NewClient(opts Options, cache Cache) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Currency == "" {
		opts.Currency = defaultCurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = defaultRetryWait
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaultRatePerSec
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}

	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		currency:   strings.ToLower(opts.Currency),
		maxRetries: opts.MaxRetries,
		retryWait:  opts.RetryWait,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		cache:      cache,
	}
}

// GetPrice returns the current price of assetID in the configured currency.
func (c *Client) GetPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	assetID = strings.ToLower(strings.TrimSpace(assetID))
	if assetID == "" {
		return decimal.Zero, ErrUnknownAsset
	}

	if c.cache != nil {
		if price, ok := c.cache.Get(ctx, assetID); ok {
			metrics.OracleCacheHits.Inc()
			return price, nil
		}
	}

	v, err, _ := c.group.Do(assetID, func() (any, error) {
		price, err := c.fetchPrice(ctx, assetID)
		if err != nil {
			return decimal.Zero, err
		}
		if c.cache != nil {
			c.cache.Set(ctx, assetID, price)
		}
		return price, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (c *Client) fetchPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", assetID)
	q.Set("vs_currencies", c.currency)

	var resp map[string]map[string]decimal.Decimal
	if err := c.get(ctx, "price", "/simple/price?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, err
	}

	quote, ok := resp[assetID][c.currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return quote, nil
}

// Search returns assets matching query.
func (c *Client) Search(ctx context.Context, query string) ([]Asset, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Asset{}, nil
	}

	q := url.Values{}
	q.Set("query", query)

	var resp struct {
		Coins []Asset `json:"coins"`
	}
	if err := c.get(ctx, "search", "/search?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Coins == nil {
		return []Asset{}, nil
	}
	return resp.Coins, nil
}

// get issues a GET with rate limiting and retries and decodes the JSON body
// into out. Every failure wraps ErrUnavailable.
func (c *Client) get(ctx context.Context, endpoint, path string, out any) error {
	err := c.doWithRetry(ctx, c.baseURL+path, out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.OracleRequests.WithLabelValues(endpoint, result).Inc()
	return err
}

func (c *Client) doWithRetry(ctx context.Context, target string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			slog.Warn("oracle request failed, retrying",
				"status", resp.StatusCode,
				"attempt", attempt+1,
			)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("%w: client error %d: %s", ErrUnavailable, resp.StatusCode, string(body))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: after %d retries: %v", ErrUnavailable, c.maxRetries, lastErr)
}

// sleep waits with exponential backoff, respecting the context.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
