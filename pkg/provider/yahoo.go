package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketdata-api/pkg/timeframe"
)

const (
	yahooDefaultBaseURL = "https://query1.finance.yahoo.com"
	yahooHTTPTimeout    = 10 * time.Second
)

func init() {
	Register("yahoo", func(name string, cfg *ProviderConfig) (Provider, error) {
		opts := []YahooOption{}
		if cfg.BaseURL != "" {
			opts = append(opts, WithYahooBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, WithYahooHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		return NewYahoo(opts...), nil
	})
}

// Yahoo fetches daily OHLCV history from the Yahoo Finance chart endpoint.
// It is range-limited: the fetch window is one of a fixed set of symbolic
// buckets (1d, 5d, 1mo, 3mo, 6mo, 1y) rather than a bar count.
type Yahoo struct {
	baseURL    string
	httpClient *http.Client
}

// YahooOption configures a Yahoo adapter.
type YahooOption func(*Yahoo)

// WithYahooBaseURL overrides the chart endpoint, e.g. for tests.
func WithYahooBaseURL(u string) YahooOption {
	return func(y *Yahoo) {
		if u != "" {
			y.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithYahooHTTPClient injects a custom http.Client.
func WithYahooHTTPClient(hc *http.Client) YahooOption {
	return func(y *Yahoo) {
		if hc != nil {
			y.httpClient = hc
		}
	}
}

// NewYahoo constructs a Yahoo adapter.
func NewYahoo(opts ...YahooOption) *Yahoo {
	y := &Yahoo{
		baseURL:    yahooDefaultBaseURL,
		httpClient: &http.Client{Timeout: yahooHTTPTimeout},
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

func (y *Yahoo) Name() string   { return "yahoo" }
func (y *Yahoo) Kind() Kind     { return KindRange }
func (y *Yahoo) PageLimit() int { return 0 }

var yahooRanges = map[string]struct{}{
	"1d": {}, "5d": {}, "1mo": {}, "3mo": {}, "6mo": {}, "1y": {},
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchBars returns daily bars ascending by timestamp for the hinted range.
func (y *Yahoo) FetchBars(ctx context.Context, symbol string, interval timeframe.Timeframe, hint SizeHint) ([]Bar, error) {
	rng := hint.Range
	if _, ok := yahooRanges[rng]; !ok {
		rng = bootstrapRange
	}

	q := url.Values{}
	q.Set("range", rng)
	q.Set("interval", "1d")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(NormalizeSymbol(symbol)), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Provider: y.Name(), Symbol: symbol, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; marketdata-api)")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Provider: y.Name(), Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Provider: y.Name(), Symbol: symbol, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSymbolNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Provider: y.Name(), Symbol: symbol, Status: resp.StatusCode, Err: fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	var chart yahooChartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, &FetchError{Provider: y.Name(), Symbol: symbol, Err: fmt.Errorf("decode chart: %w", err)}
	}
	if chart.Chart.Error != nil {
		if chart.Chart.Error.Code == "Not Found" {
			return nil, ErrSymbolNotFound
		}
		return nil, &FetchError{Provider: y.Name(), Symbol: symbol, Err: fmt.Errorf("chart error %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description)}
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 {
		return nil, ErrNoData
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, ErrNoData
	}
	quote := result.Indicators.Quote[0]

	bars := make([]Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		closePx := deref(quote.Close, i)
		if closePx == 0 {
			// Yahoo pads holiday slots with nulls.
			continue
		}
		bars = append(bars, Bar{
			Ts:     time.Unix(ts, 0).UTC(),
			Open:   deref(quote.Open, i),
			High:   deref(quote.High, i),
			Low:    deref(quote.Low, i),
			Close:  closePx,
			Volume: deref(quote.Volume, i),
		})
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

func deref(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}
