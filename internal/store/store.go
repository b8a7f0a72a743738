// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and cache-less development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. All trade mutations go through
// ExecuteTx, which serializes concurrent operations on one portfolio.
type Store interface {
	// --- Portfolio operations ---

	// CreatePortfolio persists a new portfolio.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio retrieves a portfolio by ID.
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// ListPublicPortfolios returns all public portfolios, newest first.
	ListPublicPortfolios(ctx context.Context) ([]model.Portfolio, error)

	// --- Holdings (read-only outside ExecuteTx) ---

	// GetHoldings returns all holdings of a portfolio.
	GetHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error)

	// --- Immutable trade log ---

	// ListTrades returns trades for a portfolio, newest first.
	ListTrades(ctx context.Context, portfolioID string, limit, offset int) ([]model.Trade, error)

	// --- Price snapshots ---

	// UpsertSnapshot inserts or replaces the (ticker, date) snapshot row.
	UpsertSnapshot(ctx context.Context, s *model.PriceSnapshot) error

	// LatestSnapshot returns the most recent snapshot for a ticker, any date.
	LatestSnapshot(ctx context.Context, ticker string) (*model.PriceSnapshot, error)

	// SnapshotsOn returns the snapshots dated exactly date, keyed by ticker.
	SnapshotsOn(ctx context.Context, tickers []string, date time.Time) (map[string]model.PriceSnapshot, error)

	// SnapshotDates returns the distinct snapshot dates covering any of the
	// tickers, ascending.
	SnapshotDates(ctx context.Context, tickers []string) ([]time.Time, error)

	// --- Transactional mutation ---

	// ExecuteTx runs fn under an exclusive lock on the portfolio row. Either
	// every mutation made through the Tx commits, or (when fn returns an
	// error) none do. Two concurrent calls for the same portfolio serialize;
	// the second observes the first's committed state.
	ExecuteTx(ctx context.Context, portfolioID string, fn func(tx Tx) error) error
}

// Tx is the mutation handle passed to ExecuteTx callbacks. All reads and
// writes happen under the portfolio row lock.
type Tx interface {
	// Portfolio returns the locked portfolio row, reflecting SetCash calls
	// made earlier in the same transaction.
	Portfolio() *model.Portfolio

	// Holding returns the holding for ticker, or nil if the portfolio holds
	// no position in it.
	Holding(ctx context.Context, ticker string) (*model.Holding, error)

	// SaveHolding inserts or updates a holding row.
	SaveHolding(ctx context.Context, h *model.Holding) error

	// DeleteHolding removes the holding row for ticker.
	DeleteHolding(ctx context.Context, ticker string) error

	// SetCash updates the portfolio's cash balance.
	SetCash(ctx context.Context, cash decimal.Decimal) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error
}
