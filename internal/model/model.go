// Package model defines the core domain types shared across the portfolio
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade types. SHORT_COVER is the explicit alternate to a BUY against an
// open short; CASH_IN/CASH_OUT carry no ticker.
const (
	TradeBuy        = "BUY"
	TradeSell       = "SELL"
	TradeShortCover = "SHORT_COVER"
	TradeCashIn     = "CASH_IN"
	TradeCashOut    = "CASH_OUT"
)

// Portfolio visibility.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Portfolio is one user's paper-trading account: a cash balance plus a set
// of Holdings. Cash never goes negative after a completed operation.
type Portfolio struct {
	ID         string          `json:"id" db:"id"`
	Owner      string          `json:"owner" db:"owner"`
	Name       string          `json:"name" db:"name"`
	Visibility string          `json:"visibility" db:"visibility"`
	Cash       decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is one open position, unique per (portfolio, ticker).
// Quantity sign carries direction: positive = long, negative = short.
// A holding whose quantity returns to exactly zero is deleted, never stored.
// AvgCost is the cost basis per unit of the currently-open side; when the
// quantity crosses through zero in one operation it resets to the execution
// price of the newly opened remainder.
type Holding struct {
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	Ticker      string          `json:"ticker" db:"ticker"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost" db:"avg_cost"`
}

// Trade is an immutable record of one executed operation. Once created,
// these are never modified or deleted. Quantity is a non-negative magnitude;
// CashDelta is the signed net cash effect.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	Type        string          `json:"type" db:"type"`
	Ticker      string          `json:"ticker" db:"ticker"` // empty for cash-only types
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	CashDelta   decimal.Decimal `json:"cash_delta" db:"cash_delta"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// PriceSnapshot is the persistent (ticker, date) → close cache written
// opportunistically by the price resolver. Dividend and split factors are
// reserved for corporate-action adjustment and unused by core valuation.
type PriceSnapshot struct {
	Ticker   string          `json:"ticker" db:"ticker"`
	Date     time.Time       `json:"date" db:"date"` // date only, UTC midnight
	Close    decimal.Decimal `json:"close" db:"close"`
	Dividend decimal.Decimal `json:"dividend" db:"dividend"`
	Split    decimal.Decimal `json:"split" db:"split"`
}

// HoldingView is a holding enriched with live valuation for API responses.
// Pointer fields are null when the underlying price was unavailable.
type HoldingView struct {
	Ticker   string           `json:"ticker"`
	Quantity decimal.Decimal  `json:"quantity"`
	AvgCost  decimal.Decimal  `json:"avg_cost"`
	Value    *decimal.Decimal `json:"value"`
	PLAbs    *decimal.Decimal `json:"pl_abs"`
	PLPct    *decimal.Decimal `json:"pl_pct"`
	DayAbs   *decimal.Decimal `json:"day_abs"`
	DayPct   *decimal.Decimal `json:"day_pct"`
}

// Change is an absolute/percent pair.
type Change struct {
	Abs decimal.Decimal `json:"abs"`
	Pct decimal.Decimal `json:"pct"`
}

// SeriesPoint is one point of a portfolio value time series.
type SeriesPoint struct {
	Time  time.Time       `json:"time"`
	Value decimal.Decimal `json:"value"`
}

// Allocation is one treemap slice. Value is signed (negative for shorts);
// Weight is the share of total exposure in percent.
type Allocation struct {
	Ticker    string          `json:"ticker"`
	Value     decimal.Decimal `json:"value"`
	Weight    decimal.Decimal `json:"weight"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Position  string          `json:"position"` // "long", "short" or "cash"
}

// Treemap is the allocations response: total exposure plus per-slice rows.
type Treemap struct {
	Total decimal.Decimal `json:"total"`
	Data  []Allocation    `json:"data"`
}

// Side reports which side of the market a quantity is on.
func Side(q decimal.Decimal) string {
	if q.IsNegative() {
		return "short"
	}
	return "long"
}
