package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, owner, name, visibility, cash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		p.ID, p.Owner, p.Name, p.Visibility, p.Cash.String(), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

const portfolioCols = `id, owner, name, visibility, cash::TEXT, created_at, updated_at`

func scanPortfolio(row pgx.Row) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash string
	if err := row.Scan(&p.ID, &p.Owner, &p.Name, &p.Visibility, &cash, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Cash, _ = decimal.NewFromString(cash)
	return &p, nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioCols+` FROM portfolios WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPublicPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioCols+` FROM portfolios
		 WHERE visibility = 'public' ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		var p model.Portfolio
		var cash string
		if err := rows.Scan(&p.ID, &p.Owner, &p.Name, &p.Visibility, &cash, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Cash, _ = decimal.NewFromString(cash)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, ticker, quantity::TEXT, avg_cost::TEXT
		 FROM holdings WHERE portfolio_id = $1 ORDER BY ticker`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		var h model.Holding
		var qty, avg string
		if err := rows.Scan(&h.PortfolioID, &h.Ticker, &qty, &avg); err != nil {
			return nil, err
		}
		h.Quantity, _ = decimal.NewFromString(qty)
		h.AvgCost, _ = decimal.NewFromString(avg)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, portfolioID string, limit, offset int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, type, ticker, quantity::TEXT, price::TEXT, cash_delta::TEXT, executed_at
		 FROM trades WHERE portfolio_id = $1
		 ORDER BY executed_at DESC, id DESC
		 LIMIT $2 OFFSET $3`, portfolioID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price, delta string
		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.Type, &t.Ticker, &qty, &price, &delta, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.CashDelta, _ = decimal.NewFromString(delta)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (ticker, date, close, dividend, split)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (ticker, date) DO UPDATE
		 SET close = EXCLUDED.close, dividend = EXCLUDED.dividend, split = EXCLUDED.split`,
		snap.Ticker, snap.Date, snap.Close.String(), snap.Dividend.String(), snap.Split.String(),
	)
	return err
}

func scanSnapshot(row pgx.Row) (*model.PriceSnapshot, error) {
	var snap model.PriceSnapshot
	var closeS, divS, splitS string
	if err := row.Scan(&snap.Ticker, &snap.Date, &closeS, &divS, &splitS); err != nil {
		return nil, err
	}
	snap.Close, _ = decimal.NewFromString(closeS)
	snap.Dividend, _ = decimal.NewFromString(divS)
	snap.Split, _ = decimal.NewFromString(splitS)
	return &snap, nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, ticker string) (*model.PriceSnapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT ticker, date, close::TEXT, dividend::TEXT, split::TEXT
		 FROM price_snapshots WHERE ticker = $1
		 ORDER BY date DESC LIMIT 1`, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", ticker, err)
	}
	return snap, nil
}

func (s *PostgresStore) SnapshotsOn(ctx context.Context, tickers []string, date time.Time) (map[string]model.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, date, close::TEXT, dividend::TEXT, split::TEXT
		 FROM price_snapshots WHERE date = $1 AND ticker = ANY($2)`,
		date, tickers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.PriceSnapshot)
	for rows.Next() {
		var snap model.PriceSnapshot
		var closeS, divS, splitS string
		if err := rows.Scan(&snap.Ticker, &snap.Date, &closeS, &divS, &splitS); err != nil {
			return nil, err
		}
		snap.Close, _ = decimal.NewFromString(closeS)
		snap.Dividend, _ = decimal.NewFromString(divS)
		snap.Split, _ = decimal.NewFromString(splitS)
		out[snap.Ticker] = snap
	}
	return out, rows.Err()
}

func (s *PostgresStore) SnapshotDates(ctx context.Context, tickers []string) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT date FROM price_snapshots WHERE ticker = ANY($1) ORDER BY date`,
		tickers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// ExecuteTx locks the portfolio row FOR UPDATE and runs fn inside a single
// database transaction. A non-nil error from fn rolls everything back.
func (s *PostgresStore) ExecuteTx(ctx context.Context, portfolioID string, fn func(tx Tx) error) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback(ctx)

	p, err := scanPortfolio(dbtx.QueryRow(ctx,
		`SELECT `+portfolioCols+` FROM portfolios WHERE id = $1 FOR UPDATE`, portfolioID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock portfolio %s: %w", portfolioID, err)
	}

	if err := fn(&pgTx{tx: dbtx, portfolio: p}); err != nil {
		return err
	}
	return dbtx.Commit(ctx)
}

type pgTx struct {
	tx        pgx.Tx
	portfolio *model.Portfolio
}

func (t *pgTx) Portfolio() *model.Portfolio { return t.portfolio }

func (t *pgTx) Holding(ctx context.Context, ticker string) (*model.Holding, error) {
	var h model.Holding
	var qty, avg string
	err := t.tx.QueryRow(ctx,
		`SELECT portfolio_id, ticker, quantity::TEXT, avg_cost::TEXT
		 FROM holdings WHERE portfolio_id = $1 AND ticker = $2 FOR UPDATE`,
		t.portfolio.ID, ticker).Scan(&h.PortfolioID, &h.Ticker, &qty, &avg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock holding %s/%s: %w", t.portfolio.ID, ticker, err)
	}
	h.Quantity, _ = decimal.NewFromString(qty)
	h.AvgCost, _ = decimal.NewFromString(avg)
	return &h, nil
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (portfolio_id, ticker, quantity, avg_cost)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (portfolio_id, ticker) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost`,
		h.PortfolioID, h.Ticker, h.Quantity.String(), h.AvgCost.String(),
	)
	return err
}

func (t *pgTx) DeleteHolding(ctx context.Context, ticker string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM holdings WHERE portfolio_id = $1 AND ticker = $2`,
		t.portfolio.ID, ticker)
	return err
}

func (t *pgTx) SetCash(ctx context.Context, cash decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE portfolios SET cash = $2::NUMERIC, updated_at = NOW() WHERE id = $1`,
		t.portfolio.ID, cash.String())
	if err != nil {
		return err
	}
	t.portfolio.Cash = cash
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, portfolio_id, type, ticker, quantity, price, cash_delta, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, tr.PortfolioID, tr.Type, tr.Ticker,
		tr.Quantity.String(), tr.Price.String(), tr.CashDelta.String(),
		tr.ExecutedAt,
	)
	return err
}
