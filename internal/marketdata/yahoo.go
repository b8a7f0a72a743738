package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultBaseURL is the public Yahoo Finance chart endpoint.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// YahooSource implements Source against the Yahoo Finance v8 chart API.
type YahooSource struct {
	baseURL string
	client  *http.Client
}

// NewYahooSource creates a feed client. timeout bounds every request;
// baseURL is overridable for tests.
func NewYahooSource(baseURL string, timeout time.Duration) *YahooSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &YahooSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// chartResponse mirrors the subset of the v8 chart payload we read.
// Bar arrays use pointers because the feed interleaves nulls for minutes
// with no trades.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PostMarketPrice    float64 `json:"postMarketPrice"`
				PreviousClose      float64 `json:"previousClose"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open  []*float64 `json:"open"`
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (y *YahooSource) chart(ctx context.Context, ticker, rng, interval string, prePost bool) (*chartResponse, error) {
	q := url.Values{}
	q.Set("range", rng)
	q.Set("interval", interval)
	if prePost {
		q.Set("includePrePost", "true")
	}
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(ticker), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "portfolio-engine/1.0")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketdata: fetch %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketdata: fetch %s: status %d", ticker, resp.StatusCode)
	}

	var cr chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("marketdata: decode %s: %w", ticker, err)
	}
	if cr.Chart.Error != nil {
		return nil, fmt.Errorf("marketdata: feed error for %s: %s", ticker, cr.Chart.Error.Code)
	}
	if len(cr.Chart.Result) == 0 {
		return nil, fmt.Errorf("marketdata: empty result for %s", ticker)
	}
	return &cr, nil
}

func bars(cr *chartResponse) []Bar {
	r := cr.Chart.Result[0]
	if len(r.Indicators.Quote) == 0 {
		return nil
	}
	q := r.Indicators.Quote[0]

	var out []Bar
	for i, ts := range r.Timestamp {
		b := Bar{Time: time.Unix(ts, 0).UTC()}
		if i < len(q.Open) && q.Open[i] != nil {
			b.Open = *q.Open[i]
		}
		if i < len(q.Close) && q.Close[i] != nil {
			b.Close = *q.Close[i]
		}
		if b.Open == 0 && b.Close == 0 {
			continue // gap minute
		}
		out = append(out, b)
	}
	return out
}

func (y *YahooSource) LatestMinuteBars(ctx context.Context, ticker string) ([]Bar, error) {
	cr, err := y.chart(ctx, ticker, "1d", "1m", true)
	if err != nil {
		return nil, err
	}
	return bars(cr), nil
}

func (y *YahooSource) FastQuote(ctx context.Context, ticker string) (FastQuote, error) {
	cr, err := y.chart(ctx, ticker, "1d", "1d", false)
	if err != nil {
		return FastQuote{}, err
	}

	meta := cr.Chart.Result[0].Meta
	fq := FastQuote{
		PostMarketPrice:    meta.PostMarketPrice,
		LastPrice:          meta.RegularMarketPrice,
		RegularMarketPrice: meta.RegularMarketPrice,
		PreviousClose:      meta.PreviousClose,
	}
	if fq.PreviousClose == 0 {
		fq.PreviousClose = meta.ChartPreviousClose
	}
	if bs := bars(cr); len(bs) > 0 {
		fq.Open = bs[0].Open
	}
	return fq, nil
}

func (y *YahooSource) DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error) {
	if days < 1 {
		days = 1
	}
	cr, err := y.chart(ctx, ticker, fmt.Sprintf("%dd", days), "1d", false)
	if err != nil {
		return nil, err
	}
	return bars(cr), nil
}
