// Package marketdata abstracts the external quote feed behind a Source
// capability. The live feed is unreliable: every method may fail, time out
// or return empty data, and callers are expected to fall through to their
// next price source rather than propagate feed errors.
package marketdata

import (
	"context"
	"time"
)

// Bar is one OHLC bar reduced to the fields the resolver consumes.
// Prices are raw feed floats; the resolver rejects non-finite values.
type Bar struct {
	Time  time.Time
	Open  float64
	Close float64
}

// FastQuote is the cheap summary quote. A zero field means the feed did not
// supply that value.
type FastQuote struct {
	PostMarketPrice    float64
	LastPrice          float64
	RegularMarketPrice float64
	PreviousClose      float64
	Open               float64
}

// Source is the quote feed capability. Implementations must bound every call
// with a timeout; a hung feed must never block a user-facing request
// indefinitely.
type Source interface {
	// LatestMinuteBars returns the most recent trading day's 1-minute bars,
	// including pre- and post-market sessions, oldest first.
	LatestMinuteBars(ctx context.Context, ticker string) ([]Bar, error)

	// FastQuote returns the cheap summary quote fields.
	FastQuote(ctx context.Context, ticker string) (FastQuote, error)

	// DailyBars returns up to days of daily bars, oldest first.
	DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error)
}
