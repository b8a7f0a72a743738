package marketdata

import "context"

// StubSource is a canned-data Source for deterministic tests of the
// resolver's fallback order. Any Err field set makes that method fail.
type StubSource struct {
	MinuteBars []Bar
	MinuteErr  error
	Quote      FastQuote
	QuoteErr   error
	Daily      []Bar
	DailyErr   error

	MinuteCalls int
	QuoteCalls  int
	DailyCalls  int
}

func (s *StubSource) LatestMinuteBars(_ context.Context, _ string) ([]Bar, error) {
	s.MinuteCalls++
	if s.MinuteErr != nil {
		return nil, s.MinuteErr
	}
	return s.MinuteBars, nil
}

func (s *StubSource) FastQuote(_ context.Context, _ string) (FastQuote, error) {
	s.QuoteCalls++
	if s.QuoteErr != nil {
		return FastQuote{}, s.QuoteErr
	}
	return s.Quote, nil
}

func (s *StubSource) DailyBars(_ context.Context, _ string, _ int) ([]Bar, error) {
	s.DailyCalls++
	if s.DailyErr != nil {
		return nil, s.DailyErr
	}
	return s.Daily, nil
}
