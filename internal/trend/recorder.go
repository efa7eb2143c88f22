// Package trend samples market pools into an append-only time series.
package trend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/pointsmarket/internal/metrics"
	"github.com/atmx/pointsmarket/internal/model"
	"github.com/atmx/pointsmarket/internal/store"
)

// Recorder writes one TrendPoint per unresolved market on every Record call.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record samples every market that is not resolved yet and returns how many
// points were written. Samples are truncated to the second; a second sample
// in the same second is skipped.
func (r *Recorder) Record(ctx context.Context) (int, error) {
	ts := r.now().Truncate(time.Second)

	markets, err := r.store.ListMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list markets: %w", err)
	}

	var (
		recorded int
		open     int
		errs     []error
	)
	for _, m := range markets {
		if m.State == model.StateOpen {
			open++
		}
		if m.Resolved() {
			continue
		}

		pool, err := r.store.GetPool(ctx, m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", m.ID, err))
			continue
		}

		point := model.NewTrendPoint(m.ID, pool, ts)
		if err := r.store.InsertTrendPoint(ctx, &point); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				continue
			}
			errs = append(errs, fmt.Errorf("trend point %s: %w", m.ID, err))
			continue
		}
		recorded++
	}

	metrics.OpenMarkets.Set(float64(open))
	metrics.TrendPoints.Add(float64(recorded))

	if len(errs) > 0 {
		slog.Warn("trend recording incomplete", "recorded", recorded, "failed", len(errs))
		return recorded, errors.Join(errs...)
	}
	slog.Debug("trend recorded", "points", recorded, "at", ts)
	return recorded, nil
}

// Series returns a market's samples in time order.
func (r *Recorder) Series(ctx context.Context, marketID string) ([]model.TrendPoint, error) {
	if _, err := r.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	points, err := r.store.GetTrendPoints(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("trend points: %w", err)
	}
	if points == nil {
		points = []model.TrendPoint{}
	}
	return points, nil
}
