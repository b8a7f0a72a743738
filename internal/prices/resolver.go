// Package prices turns the unreliable external quote feed into single
// trustworthy numbers: one execution/valuation price per ticker via a
// fallback chain, plus point-in-time reference prices (previous close,
// session open) for intraday change computation.
package prices

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/cache"
	"github.com/investshare/portfolio-engine/internal/marketdata"
	"github.com/investshare/portfolio-engine/internal/metrics"
	"github.com/investshare/portfolio-engine/internal/model"
)

// SnapshotStore is the slice of the persistence layer the resolver needs:
// the durable (ticker, date) → close table it reads as fallback and writes
// opportunistically.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, s *model.PriceSnapshot) error
	LatestSnapshot(ctx context.Context, ticker string) (*model.PriceSnapshot, error)
}

// Quote is one ticker's resolved view for a single request. Price is the
// execution/valuation price (zero when no source could supply one);
// PrevClose and Open are nil when unavailable and must be excluded from
// change computations, never treated as zero.
type Quote struct {
	Price     decimal.Decimal  `json:"price"`
	PrevClose *decimal.Decimal `json:"prev_close,omitempty"`
	Open      *decimal.Decimal `json:"open,omitempty"`
}

// Resolver resolves prices through the fallback chain with a TTL cache in
// front of the live feed.
type Resolver struct {
	source    marketdata.Source
	snapshots SnapshotStore
	cache     cache.Cache
	ttl       time.Duration
	now       func() time.Time
}

// NewResolver creates a resolver. ttl bounds how long a resolved quote is
// served from cache before the feed is consulted again.
func NewResolver(source marketdata.Source, snapshots SnapshotStore, c cache.Cache, ttl time.Duration) *Resolver {
	return &Resolver{
		source:    source,
		snapshots: snapshots,
		cache:     c,
		ttl:       ttl,
		now:       time.Now,
	}
}

// positive converts a raw feed float to a strictly positive finite decimal.
func positive(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

func positivePtr(f float64) *decimal.Decimal {
	if d, ok := positive(f); ok {
		return &d
	}
	return nil
}

// ResolveExecutionPrice returns the single price used for trade execution
// and valuation. The fallback chain, each step skipped on failure or empty
// result of the prior:
//
//  1. most recent intraday minute bar (pre/post-market included), ignoring
//     bars timestamped in the future
//  2. fast quote: post-market, else last, else regular market price
//  3. most recent persisted snapshot for the ticker, any date
//  4. a 2-day daily-bar fetch, upserting a snapshot for the bar's date
//
// Total failure returns zero: callers must treat zero as infeasible to
// trade, never as a legitimate quote.
func (r *Resolver) ResolveExecutionPrice(ctx context.Context, ticker string) decimal.Decimal {
	if bars, err := r.source.LatestMinuteBars(ctx, ticker); err == nil {
		now := r.now()
		for i := len(bars) - 1; i >= 0; i-- {
			if bars[i].Time.After(now) {
				continue
			}
			if px, ok := positive(bars[i].Close); ok {
				metrics.PriceResolutions.WithLabelValues("minute_bars").Inc()
				return px
			}
		}
	}

	if fq, err := r.source.FastQuote(ctx, ticker); err == nil {
		for _, f := range []float64{fq.PostMarketPrice, fq.LastPrice, fq.RegularMarketPrice} {
			if px, ok := positive(f); ok {
				metrics.PriceResolutions.WithLabelValues("fast_quote").Inc()
				return px
			}
		}
	}

	if snap, err := r.snapshots.LatestSnapshot(ctx, ticker); err == nil && snap.Close.IsPositive() {
		metrics.PriceResolutions.WithLabelValues("snapshot").Inc()
		return snap.Close
	}

	if bars, err := r.source.DailyBars(ctx, ticker, 2); err == nil {
		for i := len(bars) - 1; i >= 0; i-- {
			px, ok := positive(bars[i].Close)
			if !ok {
				continue
			}
			snap := &model.PriceSnapshot{
				Ticker: ticker,
				Date:   bars[i].Time.UTC().Truncate(24 * time.Hour),
				Close:  px,
				Split:  decimal.NewFromInt(1),
			}
			if err := r.snapshots.UpsertSnapshot(ctx, snap); err != nil {
				slog.Warn("snapshot upsert failed", "ticker", ticker, "err", err)
			}
			metrics.PriceResolutions.WithLabelValues("daily_bars").Inc()
			return px
		}
	}

	metrics.PriceResolutionFailures.Inc()
	return decimal.Zero
}

// ResolveReferencePrices returns the previous session close and today's
// session open, each independently resolved and nil when unavailable.
func (r *Resolver) ResolveReferencePrices(ctx context.Context, ticker string) (prevClose, open *decimal.Decimal) {
	if fq, err := r.source.FastQuote(ctx, ticker); err == nil {
		prevClose = positivePtr(fq.PreviousClose)
		open = positivePtr(fq.Open)
	}

	if prevClose == nil {
		if bars, err := r.source.DailyBars(ctx, ticker, 5); err == nil {
			var closes []float64
			for _, b := range bars {
				if _, ok := positive(b.Close); ok {
					closes = append(closes, b.Close)
				}
			}
			switch {
			case len(closes) >= 2:
				prevClose = positivePtr(closes[len(closes)-2])
			case len(closes) == 1:
				prevClose = positivePtr(closes[0])
			}
		}
	}

	if open == nil {
		if bars, err := r.source.LatestMinuteBars(ctx, ticker); err == nil && len(bars) > 0 {
			open = positivePtr(bars[0].Open)
		}
	}
	return prevClose, open
}

// ChangePct computes (a-b)/b*100, returning zero when b is nil or zero.
func ChangePct(a decimal.Decimal, b *decimal.Decimal) decimal.Decimal {
	if b == nil || b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(*b).Div(*b).Mul(decimal.NewFromInt(100))
}

func quoteKey(ticker string) string { return "quote:" + ticker }

// ResolveBatch resolves all tickers once for the current request so every
// figure in the response (equity, holdings, day change) derives from the
// same prices. Quotes with a usable price are cached for the resolver TTL.
func (r *Resolver) ResolveBatch(ctx context.Context, tickers []string) map[string]Quote {
	out := make(map[string]Quote, len(tickers))
	for _, ticker := range tickers {
		if _, done := out[ticker]; done {
			continue
		}

		if data, ok := r.cache.Get(ctx, quoteKey(ticker)); ok {
			var q Quote
			if json.Unmarshal(data, &q) == nil {
				out[ticker] = q
				continue
			}
		}

		q := Quote{Price: r.ResolveExecutionPrice(ctx, ticker)}
		q.PrevClose, q.Open = r.ResolveReferencePrices(ctx, ticker)
		out[ticker] = q

		if q.Price.IsPositive() {
			if data, err := json.Marshal(q); err == nil {
				r.cache.Set(ctx, quoteKey(ticker), data, r.ttl)
			}
		}
	}
	return out
}

// MinuteBars exposes the feed's intraday bars with the same future-bar
// filtering the execution chain applies. Used by the 24-hour chart.
func (r *Resolver) MinuteBars(ctx context.Context, ticker string) []marketdata.Bar {
	bars, err := r.source.LatestMinuteBars(ctx, ticker)
	if err != nil {
		return nil
	}
	now := r.now()
	var out []marketdata.Bar
	for _, b := range bars {
		if b.Time.After(now) {
			continue
		}
		out = append(out, b)
	}
	return out
}
