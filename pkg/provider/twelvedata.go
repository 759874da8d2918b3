package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketdata-api/pkg/timeframe"
)

const (
	twelveDataDefaultBaseURL = "https://api.twelvedata.com"
	twelveDataPageLimit      = 5000
	twelveDataHTTPTimeout    = 10 * time.Second
)

func init() {
	Register("twelvedata", func(name string, cfg *ProviderConfig) (Provider, error) {
		if cfg.APIKey == "" {
			if cfg.Optional {
				return nil, nil
			}
			return nil, fmt.Errorf("twelvedata requires an api_key")
		}
		opts := []TwelveDataOption{}
		if cfg.BaseURL != "" {
			opts = append(opts, WithTwelveDataBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, WithTwelveDataHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		return NewTwelveData(cfg.APIKey, opts...), nil
	})
}

// TwelveData fetches time series from the Twelve Data REST API. It is the
// key-gated fallback behind Yahoo for equities and forex; page-limited with a
// generous outputsize cap.
type TwelveData struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// TwelveDataOption configures a TwelveData adapter.
type TwelveDataOption func(*TwelveData)

// WithTwelveDataBaseURL overrides the REST endpoint, e.g. for tests.
func WithTwelveDataBaseURL(u string) TwelveDataOption {
	return func(t *TwelveData) {
		if u != "" {
			t.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTwelveDataHTTPClient injects a custom http.Client.
func WithTwelveDataHTTPClient(hc *http.Client) TwelveDataOption {
	return func(t *TwelveData) {
		if hc != nil {
			t.httpClient = hc
		}
	}
}

// NewTwelveData constructs a TwelveData adapter.
func NewTwelveData(apiKey string, opts ...TwelveDataOption) *TwelveData {
	t := &TwelveData{
		baseURL:    twelveDataDefaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: twelveDataHTTPTimeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TwelveData) Name() string   { return "twelvedata" }
func (t *TwelveData) Kind() Kind     { return KindPage }
func (t *TwelveData) PageLimit() int { return twelveDataPageLimit }

var twelveDataIntervals = map[timeframe.Timeframe]string{
	timeframe.M1:  "1min",
	timeframe.M5:  "5min",
	timeframe.M15: "15min",
	timeframe.H1:  "1h",
	timeframe.H4:  "4h",
	timeframe.D1:  "1day",
}

type twelveDataResponse struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Values  []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
}

// FetchBars returns bars ascending by timestamp. Twelve Data delivers values
// newest-first; the result is reversed before returning.
func (t *TwelveData) FetchBars(ctx context.Context, symbol string, interval timeframe.Timeframe, hint SizeHint) ([]Bar, error) {
	size := hint.Bars
	if size <= 0 || size > twelveDataPageLimit {
		size = twelveDataPageLimit
	}
	vendorInterval, ok := twelveDataIntervals[interval]
	if !ok {
		return nil, &FetchError{Provider: t.Name(), Symbol: symbol, Err: fmt.Errorf("unsupported interval %s", interval)}
	}

	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))
	q.Set("interval", vendorInterval)
	q.Set("outputsize", strconv.Itoa(size))
	q.Set("apikey", t.apiKey)
	endpoint := fmt.Sprintf("%s/time_series?%s", t.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Provider: t.Name(), Symbol: symbol, Err: fmt.Errorf("build request: %w", err)}
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Provider: t.Name(), Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Provider: t.Name(), Symbol: symbol, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Provider: t.Name(), Symbol: symbol, Status: resp.StatusCode, Err: fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	var payload twelveDataResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &FetchError{Provider: t.Name(), Symbol: symbol, Err: fmt.Errorf("decode time_series: %w", err)}
	}
	if payload.Status == "error" {
		if payload.Code == http.StatusNotFound {
			return nil, ErrSymbolNotFound
		}
		return nil, &FetchError{Provider: t.Name(), Symbol: symbol, Status: payload.Code, Err: fmt.Errorf("%s", payload.Message)}
	}
	if len(payload.Values) == 0 {
		return nil, ErrNoData
	}

	bars := make([]Bar, 0, len(payload.Values))
	for i := len(payload.Values) - 1; i >= 0; i-- {
		v := payload.Values[i]
		ts, err := parseTwelveDataTime(v.Datetime)
		if err != nil {
			continue
		}
		bar := Bar{Ts: ts}
		fields := []struct {
			raw string
			dst *float64
		}{
			{v.Open, &bar.Open}, {v.High, &bar.High}, {v.Low, &bar.Low}, {v.Close, &bar.Close}, {v.Volume, &bar.Volume},
		}
		ok := true
		for _, f := range fields {
			if f.raw == "" {
				continue
			}
			parsed, err := strconv.ParseFloat(f.raw, 64)
			if err != nil {
				ok = false
				break
			}
			*f.dst = parsed
		}
		if ok && bar.Close != 0 {
			bars = append(bars, bar)
		}
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

func parseTwelveDataTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}
