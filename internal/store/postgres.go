package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/pointsmarket/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Bets lock the market row (SELECT ... FOR UPDATE) for the duration of the
// transaction; resolution is a conditional UPDATE on the state column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const marketColumns = `id, title, category, close_time, resolve_time, rule, state, outcome,
	yes_stake, no_stake, participants,
	frozen_yes_stake, frozen_no_stake, frozen_participants,
	resolved_at, resolved_by, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	var ruleJSON *string
	if m.Rule != nil {
		data, err := json.Marshal(m.Rule)
		if err != nil {
			return fmt.Errorf("encode rule: %w", err)
		}
		str := string(data)
		ruleJSON = &str
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, category, close_time, resolve_time, rule, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8)`,
		m.ID, m.Title, m.Category, m.CloseTime, m.ResolveTime, ruleJSON, string(m.State), m.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("market %s: %w", m.ID, model.ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListDueMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE state <> 'resolved' AND resolve_time <= $1
		 ORDER BY resolve_time`, now)
}

func (s *PostgresStore) ListClosingMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE state = 'open' AND close_time <= $1`, now)
}

func (s *PostgresStore) queryMarkets(ctx context.Context, sql string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) CloseMarket(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET state = 'closed' WHERE id = $1 AND state = 'open'`, id)
	if err != nil {
		return false, fmt.Errorf("close market %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveMarket freezes the pool columns in the same statement that flips
// the state, so the snapshot always matches the moment of resolution.
func (s *PostgresStore) ResolveMarket(ctx context.Context, id string, outcome model.Side, resolvedBy string, at time.Time) (*model.Market, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE markets
		 SET state = 'resolved', outcome = $2, resolved_by = $3, resolved_at = $4,
		     frozen_yes_stake = yes_stake, frozen_no_stake = no_stake,
		     frozen_participants = participants
		 WHERE id = $1 AND state <> 'resolved'
		 RETURNING `+marketColumns,
		id, string(outcome), resolvedBy, at)

	m, err := scanMarket(row)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("resolve market %s: %w", id, err)
	}

	// Lost the race or unknown id.
	existing, err := s.GetMarket(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) PlaceBet(ctx context.Context, bet *model.Bet) (model.Pool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Pool{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	var closeTime time.Time
	var current model.Pool
	err = tx.QueryRow(ctx,
		`SELECT state, close_time, yes_stake, no_stake FROM markets WHERE id = $1 FOR UPDATE`, bet.MarketID).
		Scan(&state, &closeTime, &current.YesStake, &current.NoStake)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pool{}, fmt.Errorf("market %s: %w", bet.MarketID, model.ErrNotFound)
	}
	if err != nil {
		return model.Pool{}, fmt.Errorf("lock market %s: %w", bet.MarketID, err)
	}
	if model.State(state) != model.StateOpen || !bet.CreatedAt.Before(closeTime) {
		return model.Pool{}, model.ErrMarketClosed
	}
	if !current.Fits(bet.Stake) {
		return model.Pool{}, fmt.Errorf("%w: pool would overflow", model.ErrInvalidStake)
	}

	var seen bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bets WHERE market_id = $1 AND user_id = $2)`,
		bet.MarketID, bet.UserID).Scan(&seen); err != nil {
		return model.Pool{}, fmt.Errorf("check participant: %w", err)
	}

	var yesInc, noInc int64
	if bet.Side == model.SideYes {
		yesInc = bet.Stake
	} else {
		noInc = bet.Stake
	}
	newParticipant := 1
	if seen {
		newParticipant = 0
	}

	var pool model.Pool
	if err := tx.QueryRow(ctx,
		`UPDATE markets
		 SET yes_stake = yes_stake + $2, no_stake = no_stake + $3,
		     participants = participants + $4
		 WHERE id = $1
		 RETURNING yes_stake, no_stake, participants`,
		bet.MarketID, yesInc, noInc, newParticipant).
		Scan(&pool.YesStake, &pool.NoStake, &pool.Participants); err != nil {
		return model.Pool{}, fmt.Errorf("increment pool: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO bets (id, market_id, user_id, side, stake, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		bet.ID, bet.MarketID, bet.UserID, string(bet.Side), bet.Stake, bet.CreatedAt); err != nil {
		return model.Pool{}, fmt.Errorf("insert bet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Pool{}, fmt.Errorf("commit bet: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, marketID string) (model.Pool, error) {
	var p model.Pool
	err := s.pool.QueryRow(ctx,
		`SELECT yes_stake, no_stake, participants FROM markets WHERE id = $1`, marketID).
		Scan(&p.YesStake, &p.NoStake, &p.Participants)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pool{}, fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	var b model.Bet
	var side string
	err := s.pool.QueryRow(ctx,
		`SELECT id, market_id, user_id, side, stake, created_at FROM bets WHERE id = $1`, id).
		Scan(&b.ID, &b.MarketID, &b.UserID, &side, &b.Stake, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.Side = model.Side(side)
	return &b, nil
}

func (s *PostgresStore) GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, side, stake, created_at
		 FROM bets WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, side, stake, created_at
		 FROM bets WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) InsertTrendPoint(ctx context.Context, p *model.TrendPoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trend_points (market_id, timestamp, yes_stake, no_stake, implied_price)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
		p.MarketID, p.Timestamp, p.YesStake, p.NoStake, p.ImpliedPrice.String(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("trend point %s@%s: %w", p.MarketID, p.Timestamp, model.ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetTrendPoints(ctx context.Context, marketID string) ([]model.TrendPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, timestamp, yes_stake, no_stake, implied_price::TEXT
		 FROM trend_points WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.TrendPoint
	for rows.Next() {
		p, err := scanTrendPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func scanTrendPoint(row rowScanner) (model.TrendPoint, error) {
	var p model.TrendPoint
	var priceS string
	if err := row.Scan(&p.MarketID, &p.Timestamp, &p.YesStake, &p.NoStake, &priceS); err != nil {
		return model.TrendPoint{}, err
	}
	price, err := decimal.NewFromString(priceS)
	if err != nil {
		return model.TrendPoint{}, fmt.Errorf("trend point %s@%s: parse implied price %q: %w",
			p.MarketID, p.Timestamp.Format(time.RFC3339), priceS, err)
	}
	p.ImpliedPrice = price
	return p, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var ruleJSON []byte
	var state string
	var outcome *string
	var frozenYes, frozenNo *int64
	var frozenParticipants *int

	if err := row.Scan(&m.ID, &m.Title, &m.Category, &m.CloseTime, &m.ResolveTime,
		&ruleJSON, &state, &outcome,
		&m.Pool.YesStake, &m.Pool.NoStake, &m.Pool.Participants,
		&frozenYes, &frozenNo, &frozenParticipants,
		&m.ResolvedAt, &m.ResolvedBy, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.State = model.State(state)
	if len(ruleJSON) > 0 {
		var r model.Rule
		if err := json.Unmarshal(ruleJSON, &r); err != nil {
			return nil, fmt.Errorf("decode rule for market %s: %w", m.ID, err)
		}
		m.Rule = &r
	}
	if outcome != nil {
		side := model.Side(*outcome)
		m.Outcome = &side
	}
	if frozenYes != nil && frozenNo != nil {
		m.Frozen = &model.Pool{YesStake: *frozenYes, NoStake: *frozenNo}
		if frozenParticipants != nil {
			m.Frozen.Participants = *frozenParticipants
		}
	}
	return &m, nil
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var side string
		if err := rows.Scan(&b.ID, &b.MarketID, &b.UserID, &side, &b.Stake, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Side = model.Side(side)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}
