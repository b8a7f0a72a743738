// Package ledger is the transactional execution engine: it mutates a
// portfolio's cash and holdings in response to BUY/SELL/SHORT_COVER/
// CASH_IN/CASH_OUT requests, enforcing solvency and weighted-average cost
// basis rules, and appends immutable trade records.
//
// Every operation runs inside one store transaction holding an exclusive
// lock on the portfolio row: either all of cash update, holding update or
// delete, and trade insert commit, or none do.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/metrics"
	"github.com/investshare/portfolio-engine/internal/model"
	"github.com/investshare/portfolio-engine/internal/store"
)

var (
	// ErrInvalidArgument rejects bad tickers and non-positive quantities or
	// amounts before any state is touched.
	ErrInvalidArgument = errors.New("ledger: invalid argument")

	// ErrPriceUnavailable aborts a trade when the resolver exhausted every
	// price fallback.
	ErrPriceUnavailable = errors.New("ledger: could not fetch market price")

	// ErrInsufficientFunds aborts an operation that would drive cash negative.
	ErrInsufficientFunds = errors.New("ledger: not enough cash")

	// ErrNotShort rejects a SHORT_COVER against a flat or long position.
	ErrNotShort = errors.New("ledger: no short position to cover")
)

// PriceResolver supplies the server-side execution price. A zero result
// means no price source could supply a usable quote.
type PriceResolver interface {
	ResolveExecutionPrice(ctx context.Context, ticker string) decimal.Decimal
}

// Engine executes trades against a Store.
type Engine struct {
	store    store.Store
	resolver PriceResolver
	now      func() time.Time
}

// NewEngine creates an execution engine.
func NewEngine(st store.Store, resolver PriceResolver) *Engine {
	return &Engine{store: st, resolver: resolver, now: time.Now}
}

// weightedAvg blends an existing position magnitude at its average cost with
// an added magnitude at a new price. Inputs are positive magnitudes.
func weightedAvg(oldAbs, oldAvg, addQty, addPrice decimal.Decimal) decimal.Decimal {
	total := oldAbs.Add(addQty)
	if total.IsZero() {
		return decimal.Zero
	}
	return oldAvg.Mul(oldAbs).Add(addPrice.Mul(addQty)).Div(total)
}

// resolvePrice fetches the execution price before the row lock is taken, so
// a slow feed delays but never extends the critical section.
func (e *Engine) resolvePrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	px := e.resolver.ResolveExecutionPrice(ctx, ticker)
	if !px.IsPositive() {
		return decimal.Decimal{}, ErrPriceUnavailable
	}
	return px, nil
}

// applyHolding persists the post-trade position: a zero quantity deletes the
// row so avg_cost semantics reset on the next opening trade.
func applyHolding(ctx context.Context, tx store.Tx, portfolioID, ticker string, q, avg decimal.Decimal) error {
	if q.IsZero() {
		return tx.DeleteHolding(ctx, ticker)
	}
	return tx.SaveHolding(ctx, &model.Holding{
		PortfolioID: portfolioID,
		Ticker:      ticker,
		Quantity:    q,
		AvgCost:     avg,
	})
}

func (e *Engine) record(tradeType string, start time.Time) {
	metrics.TradesTotal.WithLabelValues(tradeType).Inc()
	metrics.TradeLatency.WithLabelValues(tradeType).Observe(time.Since(start).Seconds())
}

// snapshotToday best-effort upserts today's snapshot after a successful
// trade so charts and allocations have a fresh point. Never fails the trade.
func (e *Engine) snapshotToday(ctx context.Context, ticker string, px decimal.Decimal) {
	snap := &model.PriceSnapshot{
		Ticker: ticker,
		Date:   e.now().UTC().Truncate(24 * time.Hour),
		Close:  px,
		Split:  decimal.NewFromInt(1),
	}
	if err := e.store.UpsertSnapshot(ctx, snap); err != nil {
		slog.Warn("post-trade snapshot upsert failed", "ticker", ticker, "err", err)
	}
}

// Buy executes a market BUY. Against a short it covers first; quantity
// crossing through zero opens a long at the execution price (cost basis
// resets, it does not blend with the extinguished short's basis). The full
// quantity is debited from cash, so the recorded cash_delta always equals
// the actual cash mutation.
func (e *Engine) Buy(ctx context.Context, portfolioID, ticker string, qty decimal.Decimal) (*model.Trade, error) {
	if ticker == "" || !qty.IsPositive() {
		return nil, ErrInvalidArgument
	}
	start := e.now()

	px, err := e.resolvePrice(ctx, ticker)
	if err != nil {
		return nil, err
	}

	var trade *model.Trade
	err = e.store.ExecuteTx(ctx, portfolioID, func(tx store.Tx) error {
		h, err := tx.Holding(ctx, ticker)
		if err != nil {
			return err
		}
		q, avg := decimal.Zero, decimal.Zero
		if h != nil {
			q, avg = h.Quantity, h.AvgCost
		}
		cash := tx.Portfolio().Cash

		if q.IsNegative() {
			// Cover the short first.
			coverQty := decimal.Min(qty, q.Neg())
			coverCost := coverQty.Mul(px)
			if cash.LessThan(coverCost) {
				return ErrInsufficientFunds
			}
			cash = cash.Sub(coverCost)
			q = q.Add(coverQty)

			if remaining := qty.Sub(coverQty); remaining.IsPositive() {
				// Crossed through zero: the remainder opens a long at px.
				openCost := remaining.Mul(px)
				if cash.LessThan(openCost) {
					return ErrInsufficientFunds
				}
				cash = cash.Sub(openCost)
				q = remaining
				avg = px
			}
			// Still short or exactly flat: the short's avg_cost is kept.
		} else {
			cost := qty.Mul(px)
			if cash.LessThan(cost) {
				return ErrInsufficientFunds
			}
			avg = weightedAvg(q.Abs(), avg, qty, px)
			q = q.Add(qty)
			cash = cash.Sub(cost)
		}

		if err := applyHolding(ctx, tx, portfolioID, ticker, q, avg); err != nil {
			return err
		}
		if err := tx.SetCash(ctx, cash); err != nil {
			return err
		}

		trade = &model.Trade{
			ID:          uuid.New().String(),
			PortfolioID: portfolioID,
			Type:        model.TradeBuy,
			Ticker:      ticker,
			Quantity:    qty,
			Price:       px,
			CashDelta:   qty.Mul(px).Neg(),
			ExecutedAt:  e.now().UTC(),
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.snapshotToday(ctx, ticker, px)
	e.record(model.TradeBuy, start)
	return trade, nil
}

// Sell executes a market SELL. It closes long quantity first; any remainder
// opens or extends a short, whose basis is the weighted average of the
// short-opening fills (reset to px when opening from flat). Proceeds for the
// full quantity are credited to cash.
func (e *Engine) Sell(ctx context.Context, portfolioID, ticker string, qty decimal.Decimal) (*model.Trade, error) {
	if ticker == "" || !qty.IsPositive() {
		return nil, ErrInvalidArgument
	}
	start := e.now()

	px, err := e.resolvePrice(ctx, ticker)
	if err != nil {
		return nil, err
	}

	var trade *model.Trade
	err = e.store.ExecuteTx(ctx, portfolioID, func(tx store.Tx) error {
		h, err := tx.Holding(ctx, ticker)
		if err != nil {
			return err
		}
		q, avg := decimal.Zero, decimal.Zero
		if h != nil {
			q, avg = h.Quantity, h.AvgCost
		}
		cash := tx.Portfolio().Cash

		remaining := qty
		if q.IsPositive() {
			sellFromLong := decimal.Min(qty, q)
			q = q.Sub(sellFromLong)
			cash = cash.Add(sellFromLong.Mul(px))
			remaining = qty.Sub(sellFromLong)
		}

		if remaining.IsPositive() {
			// Open or extend the short; q <= 0 here.
			oldAbs := q.Abs()
			if oldAbs.IsZero() {
				avg = px
			} else {
				avg = weightedAvg(oldAbs, avg, remaining, px)
			}
			q = q.Sub(remaining)
			cash = cash.Add(remaining.Mul(px))
		}

		if err := applyHolding(ctx, tx, portfolioID, ticker, q, avg); err != nil {
			return err
		}
		if err := tx.SetCash(ctx, cash); err != nil {
			return err
		}

		trade = &model.Trade{
			ID:          uuid.New().String(),
			PortfolioID: portfolioID,
			Type:        model.TradeSell,
			Ticker:      ticker,
			Quantity:    qty,
			Price:       px,
			CashDelta:   qty.Mul(px),
			ExecutedAt:  e.now().UTC(),
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.snapshotToday(ctx, ticker, px)
	e.record(model.TradeSell, start)
	return trade, nil
}

// ShortCover buys back an open short explicitly. The covered quantity is
// capped at the open short magnitude; the recorded trade carries the capped
// quantity so cash_delta matches the mutation. Fails with ErrNotShort when
// the position is flat or long.
func (e *Engine) ShortCover(ctx context.Context, portfolioID, ticker string, qty decimal.Decimal) (*model.Trade, error) {
	if ticker == "" || !qty.IsPositive() {
		return nil, ErrInvalidArgument
	}
	start := e.now()

	px, err := e.resolvePrice(ctx, ticker)
	if err != nil {
		return nil, err
	}

	var trade *model.Trade
	err = e.store.ExecuteTx(ctx, portfolioID, func(tx store.Tx) error {
		h, err := tx.Holding(ctx, ticker)
		if err != nil {
			return err
		}
		if h == nil || !h.Quantity.IsNegative() {
			return ErrNotShort
		}

		coverQty := decimal.Min(qty, h.Quantity.Neg())
		cost := coverQty.Mul(px)
		cash := tx.Portfolio().Cash
		if cash.LessThan(cost) {
			return ErrInsufficientFunds
		}

		q := h.Quantity.Add(coverQty)
		if err := applyHolding(ctx, tx, portfolioID, ticker, q, h.AvgCost); err != nil {
			return err
		}
		if err := tx.SetCash(ctx, cash.Sub(cost)); err != nil {
			return err
		}

		trade = &model.Trade{
			ID:          uuid.New().String(),
			PortfolioID: portfolioID,
			Type:        model.TradeShortCover,
			Ticker:      ticker,
			Quantity:    coverQty,
			Price:       px,
			CashDelta:   cost.Neg(),
			ExecutedAt:  e.now().UTC(),
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.snapshotToday(ctx, ticker, px)
	e.record(model.TradeShortCover, start)
	return trade, nil
}

// CashIn deposits amount into the portfolio.
func (e *Engine) CashIn(ctx context.Context, portfolioID string, amount decimal.Decimal) (*model.Trade, error) {
	return e.cashOp(ctx, portfolioID, model.TradeCashIn, amount)
}

// CashOut withdraws amount, failing with ErrInsufficientFunds if the balance
// would go negative.
func (e *Engine) CashOut(ctx context.Context, portfolioID string, amount decimal.Decimal) (*model.Trade, error) {
	return e.cashOp(ctx, portfolioID, model.TradeCashOut, amount)
}

func (e *Engine) cashOp(ctx context.Context, portfolioID, tradeType string, amount decimal.Decimal) (*model.Trade, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidArgument
	}
	start := e.now()

	delta := amount
	if tradeType == model.TradeCashOut {
		delta = amount.Neg()
	}

	var trade *model.Trade
	err := e.store.ExecuteTx(ctx, portfolioID, func(tx store.Tx) error {
		cash := tx.Portfolio().Cash.Add(delta)
		if cash.IsNegative() {
			return ErrInsufficientFunds
		}
		if err := tx.SetCash(ctx, cash); err != nil {
			return err
		}

		trade = &model.Trade{
			ID:          uuid.New().String(),
			PortfolioID: portfolioID,
			Type:        tradeType,
			Quantity:    decimal.Zero,
			Price:       decimal.Zero,
			CashDelta:   delta,
			ExecutedAt:  e.now().UTC(),
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.record(tradeType, start)
	return trade, nil
}
