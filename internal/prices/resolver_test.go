package prices

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/cache"
	"github.com/investshare/portfolio-engine/internal/marketdata"
	"github.com/investshare/portfolio-engine/internal/model"
	"github.com/investshare/portfolio-engine/internal/store"
)

var errFeedDown = errors.New("feed down")

func newResolver(src marketdata.Source, snaps SnapshotStore) *Resolver {
	if snaps == nil {
		snaps = store.NewMemoryStore()
	}
	return NewResolver(src, snaps, cache.NewMemory(), time.Minute)
}

func TestResolvePrefersLatestMinuteBar(t *testing.T) {
	now := time.Now()
	src := &marketdata.StubSource{
		MinuteBars: []marketdata.Bar{
			{Time: now.Add(-2 * time.Minute), Close: 99.5},
			{Time: now.Add(-1 * time.Minute), Close: 100.25},
		},
		Quote: marketdata.FastQuote{LastPrice: 50},
	}
	r := newResolver(src, nil)

	px := r.ResolveExecutionPrice(context.Background(), "AAPL")
	if !px.Equal(decimal.NewFromFloat(100.25)) {
		t.Errorf("price = %s, want 100.25", px)
	}
	if src.QuoteCalls != 0 {
		t.Errorf("fast quote consulted despite usable minute bar")
	}
}

func TestResolveSkipsFutureBars(t *testing.T) {
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	src := &marketdata.StubSource{
		MinuteBars: []marketdata.Bar{
			{Time: base.Add(-time.Minute), Close: 88},
			{Time: base.Add(10 * time.Minute), Close: 999}, // clock-skewed bar
		},
	}
	r := newResolver(src, nil)
	r.now = func() time.Time { return base }

	px := r.ResolveExecutionPrice(context.Background(), "AAPL")
	if !px.Equal(decimal.NewFromInt(88)) {
		t.Errorf("price = %s, want 88 (future bar must be ignored)", px)
	}
}

func TestResolveFastQuoteOrder(t *testing.T) {
	cases := []struct {
		name  string
		quote marketdata.FastQuote
		want  float64
	}{
		{"post market wins", marketdata.FastQuote{PostMarketPrice: 101, LastPrice: 102, RegularMarketPrice: 103}, 101},
		{"last price next", marketdata.FastQuote{LastPrice: 102, RegularMarketPrice: 103}, 102},
		{"regular market last", marketdata.FastQuote{RegularMarketPrice: 103}, 103},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &marketdata.StubSource{MinuteErr: errFeedDown, Quote: tc.quote}
			r := newResolver(src, nil)

			px := r.ResolveExecutionPrice(context.Background(), "AAPL")
			if !px.Equal(decimal.NewFromFloat(tc.want)) {
				t.Errorf("price = %s, want %v", px, tc.want)
			}
		})
	}
}

func TestResolveFallsBackToSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	st.UpsertSnapshot(context.Background(), &model.PriceSnapshot{
		Ticker: "AAPL",
		Date:   time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC),
		Close:  decimal.NewFromFloat(187.5),
		Split:  decimal.NewFromInt(1),
	})
	src := &marketdata.StubSource{MinuteErr: errFeedDown, QuoteErr: errFeedDown, DailyErr: errFeedDown}
	r := newResolver(src, st)

	px := r.ResolveExecutionPrice(context.Background(), "AAPL")
	if !px.Equal(decimal.NewFromFloat(187.5)) {
		t.Errorf("price = %s, want 187.5 from snapshot", px)
	}
}

func TestResolveDailyBarsUpsertSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	barDate := time.Date(2026, 2, 27, 21, 0, 0, 0, time.UTC)
	src := &marketdata.StubSource{
		MinuteErr: errFeedDown,
		QuoteErr:  errFeedDown,
		Daily: []marketdata.Bar{
			{Time: barDate.Add(-24 * time.Hour), Close: 140},
			{Time: barDate, Close: 142},
		},
	}
	r := newResolver(src, st)

	px := r.ResolveExecutionPrice(context.Background(), "AAPL")
	if !px.Equal(decimal.NewFromInt(142)) {
		t.Errorf("price = %s, want 142 (most recent daily close)", px)
	}

	// The resolved bar must have been persisted for future fallbacks.
	snap, err := st.LatestSnapshot(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("snapshot not persisted: %v", err)
	}
	if !snap.Close.Equal(decimal.NewFromInt(142)) {
		t.Errorf("persisted close = %s, want 142", snap.Close)
	}
}

func TestResolveTotalFailureReturnsZero(t *testing.T) {
	src := &marketdata.StubSource{MinuteErr: errFeedDown, QuoteErr: errFeedDown, DailyErr: errFeedDown}
	r := newResolver(src, nil)

	px := r.ResolveExecutionPrice(context.Background(), "ZZZZ")
	if !px.IsZero() {
		t.Errorf("price = %s, want zero sentinel", px)
	}
}

func TestResolveRejectsNonFinite(t *testing.T) {
	now := time.Now()
	src := &marketdata.StubSource{
		MinuteBars: []marketdata.Bar{{Time: now.Add(-time.Minute), Close: math.NaN()}},
		Quote:      marketdata.FastQuote{PostMarketPrice: math.Inf(1), LastPrice: -5, RegularMarketPrice: 77},
	}
	r := newResolver(src, nil)

	px := r.ResolveExecutionPrice(context.Background(), "AAPL")
	if !px.Equal(decimal.NewFromInt(77)) {
		t.Errorf("price = %s, want 77 (NaN/Inf/negative rejected)", px)
	}
}

func TestResolveReferencePrices(t *testing.T) {
	src := &marketdata.StubSource{
		Quote: marketdata.FastQuote{PreviousClose: 95.5, Open: 96},
	}
	r := newResolver(src, nil)

	prev, open := r.ResolveReferencePrices(context.Background(), "AAPL")
	if prev == nil || !prev.Equal(decimal.NewFromFloat(95.5)) {
		t.Errorf("prev close = %v, want 95.5", prev)
	}
	if open == nil || !open.Equal(decimal.NewFromInt(96)) {
		t.Errorf("open = %v, want 96", open)
	}
}

func TestReferencePrevCloseFromDailyBars(t *testing.T) {
	now := time.Now()
	src := &marketdata.StubSource{
		QuoteErr: errFeedDown,
		Daily: []marketdata.Bar{
			{Time: now.Add(-72 * time.Hour), Close: 90},
			{Time: now.Add(-48 * time.Hour), Close: 91},
			{Time: now.Add(-24 * time.Hour), Close: 92},
		},
		MinuteErr: errFeedDown,
	}
	r := newResolver(src, nil)

	prev, open := r.ResolveReferencePrices(context.Background(), "AAPL")
	// Second-to-last close: the last bar is today's in-progress session.
	if prev == nil || !prev.Equal(decimal.NewFromInt(91)) {
		t.Errorf("prev close = %v, want 91", prev)
	}
	if open != nil {
		t.Errorf("open = %v, want nil with no minute bars", open)
	}
}

func TestChangePct(t *testing.T) {
	prev := decimal.NewFromInt(100)
	got := ChangePct(decimal.NewFromInt(110), &prev)
	if !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("change = %s, want 10", got)
	}
	if got := ChangePct(decimal.NewFromInt(110), nil); !got.IsZero() {
		t.Errorf("change with nil base = %s, want 0", got)
	}
	zero := decimal.Zero
	if got := ChangePct(decimal.NewFromInt(110), &zero); !got.IsZero() {
		t.Errorf("change with zero base = %s, want 0", got)
	}
}

func TestResolveBatchUsesCache(t *testing.T) {
	now := time.Now()
	src := &marketdata.StubSource{
		MinuteBars: []marketdata.Bar{{Time: now.Add(-time.Minute), Close: 150}},
		Quote:      marketdata.FastQuote{PreviousClose: 148},
	}
	r := newResolver(src, nil)
	ctx := context.Background()

	first := r.ResolveBatch(ctx, []string{"AAPL", "AAPL"})
	if len(first) != 1 {
		t.Fatalf("batch size = %d, want 1 (dedup)", len(first))
	}
	callsAfterFirst := src.MinuteCalls

	second := r.ResolveBatch(ctx, []string{"AAPL"})
	if src.MinuteCalls != callsAfterFirst {
		t.Errorf("feed consulted again despite warm cache")
	}
	if !second["AAPL"].Price.Equal(first["AAPL"].Price) {
		t.Errorf("cached price %s != resolved price %s", second["AAPL"].Price, first["AAPL"].Price)
	}
	if second["AAPL"].PrevClose == nil || !second["AAPL"].PrevClose.Equal(decimal.NewFromInt(148)) {
		t.Errorf("prev close lost through cache round-trip: %v", second["AAPL"].PrevClose)
	}
}

func TestResolveBatchDoesNotCacheFailures(t *testing.T) {
	src := &marketdata.StubSource{MinuteErr: errFeedDown, QuoteErr: errFeedDown, DailyErr: errFeedDown}
	r := newResolver(src, nil)
	ctx := context.Background()

	r.ResolveBatch(ctx, []string{"ZZZZ"})
	calls := src.MinuteCalls
	r.ResolveBatch(ctx, []string{"ZZZZ"})
	if src.MinuteCalls == calls {
		t.Errorf("zero-price quote was cached; failures must retry the feed")
	}
}

func TestMinuteBarsFiltersFuture(t *testing.T) {
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	src := &marketdata.StubSource{
		MinuteBars: []marketdata.Bar{
			{Time: base.Add(-time.Minute), Close: 1},
			{Time: base.Add(time.Minute), Close: 2},
		},
	}
	r := newResolver(src, nil)
	r.now = func() time.Time { return base }

	bars := r.MinuteBars(context.Background(), "AAPL")
	if len(bars) != 1 || bars[0].Close != 1 {
		t.Errorf("bars = %+v, want only the past bar", bars)
	}
}
