// Package valuation derives current equity, intraday and daily change,
// historical value series, and allocation breakdowns from the ledger's
// current state plus the price resolver. Everything here is read-only and
// best-effort: a missing price for one ticker contributes zero to sums
// rather than failing the whole figure.
package valuation

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/model"
	"github.com/investshare/portfolio-engine/internal/prices"
	"github.com/investshare/portfolio-engine/internal/store"
)

// Supported chart ranges.
const (
	Range1D  = "1d"
	Range1W  = "1w"
	RangeYTD = "ytd"
	Range1Y  = "1y"
	RangeAll = "all"
)

// Service computes portfolio reports.
type Service struct {
	store    store.Store
	resolver *prices.Resolver
	now      func() time.Time
}

// NewService creates a valuation service.
func NewService(st store.Store, resolver *prices.Resolver) *Service {
	return &Service{store: st, resolver: resolver, now: time.Now}
}

// Overview is the per-request valuation bundle: every figure derives from
// one batched price resolution so the response is internally consistent.
type Overview struct {
	Equity       decimal.Decimal     `json:"equity"`
	TodaysChange model.Change        `json:"todays_change"`
	Holdings     []model.HoldingView `json:"holdings"`
}

func tickersOf(holdings []model.Holding) []string {
	out := make([]string, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, h.Ticker)
	}
	return out
}

// Overview values all holdings from a single batched price pass.
func (s *Service) Overview(ctx context.Context, p *model.Portfolio) (*Overview, error) {
	holdings, err := s.store.GetHoldings(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	quotes := s.resolver.ResolveBatch(ctx, tickersOf(holdings))

	ov := &Overview{Equity: p.Cash, Holdings: make([]model.HoldingView, 0, len(holdings))}
	nowVal, openVal := p.Cash, p.Cash

	for _, h := range holdings {
		q := quotes[h.Ticker]
		view := model.HoldingView{Ticker: h.Ticker, Quantity: h.Quantity, AvgCost: h.AvgCost}

		if q.Price.IsPositive() {
			value := h.Quantity.Mul(q.Price)
			view.Value = &value
			ov.Equity = ov.Equity.Add(value)
			nowVal = nowVal.Add(value)

			if h.AvgCost.IsPositive() {
				plAbs := h.Quantity.Mul(q.Price.Sub(h.AvgCost))
				plPct := prices.ChangePct(q.Price, &h.AvgCost)
				view.PLAbs, view.PLPct = &plAbs, &plPct
			}
			if q.Open != nil && q.Open.IsPositive() {
				dayAbs := h.Quantity.Mul(q.Price.Sub(*q.Open))
				dayPct := prices.ChangePct(q.Price, q.Open)
				view.DayAbs, view.DayPct = &dayAbs, &dayPct
				openVal = openVal.Add(h.Quantity.Mul(*q.Open))
			}
		}
		ov.Holdings = append(ov.Holdings, view)
	}

	if !openVal.IsZero() {
		diff := nowVal.Sub(openVal)
		ov.TodaysChange = model.Change{
			Abs: diff,
			Pct: diff.Div(openVal).Mul(decimal.NewFromInt(100)),
		}
	}
	return ov, nil
}

// Equity is cash + Σ(quantity × resolved price). A price-resolution failure
// for one ticker contributes zero for that ticker.
func (s *Service) Equity(ctx context.Context, p *model.Portfolio) (decimal.Decimal, error) {
	holdings, err := s.store.GetHoldings(ctx, p.ID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	quotes := s.resolver.ResolveBatch(ctx, tickersOf(holdings))

	total := p.Cash
	for _, h := range holdings {
		total = total.Add(h.Quantity.Mul(quotes[h.Ticker].Price))
	}
	return total, nil
}

// ValueOn values the portfolio on a past date, preferring snapshots dated
// exactly that day and falling back per missing ticker to the current
// resolved price (time-inconsistent but non-null).
func (s *Service) ValueOn(ctx context.Context, p *model.Portfolio, date time.Time) (decimal.Decimal, error) {
	holdings, err := s.store.GetHoldings(ctx, p.ID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return s.valueOn(ctx, p, holdings, date, nil)
}

// valueOn is the shared implementation; current (if non-nil) is a preloaded
// quote map reused across a time series to avoid refetching per date.
func (s *Service) valueOn(ctx context.Context, p *model.Portfolio, holdings []model.Holding, date time.Time, current map[string]prices.Quote) (decimal.Decimal, error) {
	snaps, err := s.store.SnapshotsOn(ctx, tickersOf(holdings), date)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var missing []string
	for _, h := range holdings {
		if _, ok := snaps[h.Ticker]; !ok {
			if _, ok := current[h.Ticker]; !ok {
				missing = append(missing, h.Ticker)
			}
		}
	}
	if len(missing) > 0 {
		resolved := s.resolver.ResolveBatch(ctx, missing)
		if current == nil {
			current = resolved
		} else {
			for t, q := range resolved {
				current[t] = q
			}
		}
	}

	total := p.Cash
	for _, h := range holdings {
		if snap, ok := snaps[h.Ticker]; ok {
			total = total.Add(h.Quantity.Mul(snap.Close))
			continue
		}
		total = total.Add(h.Quantity.Mul(current[h.Ticker].Price))
	}
	return total, nil
}

// filterDates selects the snapshot dates matching the requested range.
func filterDates(dates []time.Time, rng string, today time.Time) []time.Time {
	switch rng {
	case Range1W:
		if len(dates) > 5 {
			return dates[len(dates)-5:]
		}
		return dates
	case RangeYTD:
		var out []time.Time
		for _, d := range dates {
			if d.Year() == today.Year() {
				out = append(out, d)
			}
		}
		return out
	case Range1Y:
		cutoff := today.AddDate(0, 0, -365)
		var out []time.Time
		for _, d := range dates {
			if !d.Before(cutoff) {
				out = append(out, d)
			}
		}
		return out
	default: // "all"
		return dates
	}
}

// Timeseries computes the portfolio value curve for a range. "1d" is a
// rolling 24-hour intraday curve; the other ranges walk the snapshot dates
// and always force-include a final point for today.
func (s *Service) Timeseries(ctx context.Context, p *model.Portfolio, rng string) ([]model.SeriesPoint, error) {
	holdings, err := s.store.GetHoldings(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if rng == Range1D {
		return s.intraday(ctx, p, holdings), nil
	}

	now := s.now().UTC()
	today := now.Truncate(24 * time.Hour)

	if len(holdings) == 0 {
		return []model.SeriesPoint{{Time: today, Value: p.Cash}}, nil
	}

	dates, err := s.store.SnapshotDates(ctx, tickersOf(holdings))
	if err != nil {
		return nil, err
	}

	current := s.resolver.ResolveBatch(ctx, tickersOf(holdings))

	var series []model.SeriesPoint
	for _, d := range filterDates(dates, rng, today) {
		if d.Equal(today) {
			continue // today is force-included below
		}
		v, err := s.valueOn(ctx, p, holdings, d, current)
		if err != nil {
			continue
		}
		series = append(series, model.SeriesPoint{Time: d, Value: v})
	}

	if v, err := s.valueOn(ctx, p, holdings, today, current); err == nil {
		series = append(series, model.SeriesPoint{Time: today, Value: v})
	}

	sort.Slice(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })
	return series, nil
}

// intraday builds the rolling 24-hour curve: the union of aligned minute
// timestamps across all held tickers' bars, forward-filled so tickers with
// sparser data carry their last known price, plus cash.
func (s *Service) intraday(ctx context.Context, p *model.Portfolio, holdings []model.Holding) []model.SeriesPoint {
	now := s.now().UTC().Truncate(time.Minute)
	dayAgo := now.Add(-24 * time.Hour)

	if len(holdings) == 0 {
		return []model.SeriesPoint{
			{Time: dayAgo, Value: p.Cash},
			{Time: now, Value: p.Cash},
		}
	}

	type tickerBars struct {
		byMinute map[time.Time]decimal.Decimal
		first    decimal.Decimal
		last     decimal.Decimal
		started  bool
	}

	bars := make(map[string]*tickerBars, len(holdings))
	timeSet := make(map[time.Time]struct{})

	for _, h := range holdings {
		tb := &tickerBars{byMinute: make(map[time.Time]decimal.Decimal)}
		for _, b := range s.resolver.MinuteBars(ctx, h.Ticker) {
			ts := b.Time.UTC().Truncate(time.Minute)
			if ts.Before(dayAgo) || ts.After(now) {
				continue
			}
			px, ok := barClose(b.Close)
			if !ok {
				continue
			}
			if !tb.started {
				tb.first = px
				tb.started = true
			}
			tb.byMinute[ts] = px
			timeSet[ts] = struct{}{}
		}
		bars[h.Ticker] = tb
	}

	if len(timeSet) == 0 {
		// No intraday data at all: degrade to a flat two-point curve at the
		// currently resolvable value.
		quotes := s.resolver.ResolveBatch(ctx, tickersOf(holdings))
		v := p.Cash
		for _, h := range holdings {
			v = v.Add(h.Quantity.Mul(quotes[h.Ticker].Price))
		}
		return []model.SeriesPoint{
			{Time: dayAgo, Value: v},
			{Time: now, Value: v},
		}
	}

	times := make([]time.Time, 0, len(timeSet))
	for ts := range timeSet {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	series := make([]model.SeriesPoint, 0, len(times)+1)
	for _, ts := range times {
		v := p.Cash
		for _, h := range holdings {
			tb := bars[h.Ticker]
			if px, ok := tb.byMinute[ts]; ok {
				tb.last = px
			} else if tb.last.IsZero() {
				tb.last = tb.first // before this ticker's first bar
			}
			v = v.Add(h.Quantity.Mul(tb.last))
		}
		series = append(series, model.SeriesPoint{Time: ts, Value: v})
	}

	// Final point at "now" from the current resolved prices.
	quotes := s.resolver.ResolveBatch(ctx, tickersOf(holdings))
	v := p.Cash
	for _, h := range holdings {
		px := quotes[h.Ticker].Price
		if !px.IsPositive() {
			px = bars[h.Ticker].last
		}
		v = v.Add(h.Quantity.Mul(px))
	}
	if last := series[len(series)-1]; last.Time.Equal(now) {
		series[len(series)-1] = model.SeriesPoint{Time: now, Value: v}
	} else {
		series = append(series, model.SeriesPoint{Time: now, Value: v})
	}
	return series
}

func barClose(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

// Allocations builds the treemap: per-holding signed market value weighted
// against total exposure (cash plus the sum of absolute position values, so
// shorts and longs both contribute their magnitude), plus a synthetic CASH
// row. Each row carries the intraday open-to-now percent change, zero for
// cash.
func (s *Service) Allocations(ctx context.Context, p *model.Portfolio) (*model.Treemap, error) {
	holdings, err := s.store.GetHoldings(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	quotes := s.resolver.ResolveBatch(ctx, tickersOf(holdings))

	hundred := decimal.NewFromInt(100)
	total := p.Cash
	values := make(map[string]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		v := h.Quantity.Mul(quotes[h.Ticker].Price)
		values[h.Ticker] = v
		total = total.Add(v.Abs())
	}

	weight := func(v decimal.Decimal) decimal.Decimal {
		if total.IsZero() {
			return decimal.Zero
		}
		return v.Div(total).Mul(hundred)
	}

	tm := &model.Treemap{Total: total, Data: make([]model.Allocation, 0, len(holdings)+1)}
	for _, h := range holdings {
		q := quotes[h.Ticker]
		changePct := decimal.Zero
		if q.Price.IsPositive() {
			changePct = prices.ChangePct(q.Price, q.Open)
		}
		tm.Data = append(tm.Data, model.Allocation{
			Ticker:    h.Ticker,
			Value:     values[h.Ticker],
			Weight:    weight(values[h.Ticker]),
			ChangePct: changePct,
			Position:  model.Side(h.Quantity),
		})
	}

	tm.Data = append(tm.Data, model.Allocation{
		Ticker:   "CASH",
		Value:    p.Cash,
		Weight:   weight(p.Cash),
		Position: "cash",
	})
	return tm, nil
}
