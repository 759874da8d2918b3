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
	binanceDefaultBaseURL = "https://api.binance.com"
	binancePageLimit      = 1000
	binanceHTTPTimeout    = 10 * time.Second
	binanceRetryBackoff   = 150 * time.Millisecond
	binanceMaxRetries     = 2
)

func init() {
	Register("binance", func(name string, cfg *ProviderConfig) (Provider, error) {
		opts := []BinanceOption{}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBinanceBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, WithBinanceHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		if cfg.MaxRetries > 0 {
			opts = append(opts, WithBinanceMaxRetries(cfg.MaxRetries))
		}
		return NewBinance(opts...), nil
	})
}

// Binance fetches spot klines from the Binance REST API. It is page-limited:
// each call returns at most binancePageLimit bars.
type Binance struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// BinanceOption configures a Binance adapter.
type BinanceOption func(*Binance)

// WithBinanceBaseURL overrides the REST endpoint, e.g. for tests.
func WithBinanceBaseURL(u string) BinanceOption {
	return func(b *Binance) {
		if u != "" {
			b.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithBinanceHTTPClient injects a custom http.Client.
func WithBinanceHTTPClient(hc *http.Client) BinanceOption {
	return func(b *Binance) {
		if hc != nil {
			b.httpClient = hc
		}
	}
}

// WithBinanceMaxRetries adjusts the retry budget.
func WithBinanceMaxRetries(n int) BinanceOption {
	return func(b *Binance) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// NewBinance constructs a Binance adapter.
func NewBinance(opts ...BinanceOption) *Binance {
	b := &Binance{
		baseURL:    binanceDefaultBaseURL,
		httpClient: &http.Client{Timeout: binanceHTTPTimeout},
		maxRetries: binanceMaxRetries,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Binance) Name() string   { return "binance" }
func (b *Binance) Kind() Kind     { return KindPage }
func (b *Binance) PageLimit() int { return binancePageLimit }

var binanceIntervals = map[timeframe.Timeframe]string{
	timeframe.M1:  "1m",
	timeframe.M5:  "5m",
	timeframe.M15: "15m",
	timeframe.H1:  "1h",
	timeframe.H4:  "4h",
	timeframe.D1:  "1d",
}

// FetchBars returns klines ascending by open time.
func (b *Binance) FetchBars(ctx context.Context, symbol string, interval timeframe.Timeframe, hint SizeHint) ([]Bar, error) {
	limit := hint.Bars
	if limit <= 0 || limit > binancePageLimit {
		limit = binancePageLimit
	}
	vendorInterval, ok := binanceIntervals[interval]
	if !ok {
		return nil, &FetchError{Provider: b.Name(), Symbol: symbol, Err: fmt.Errorf("unsupported interval %s", interval)}
	}

	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))
	q.Set("interval", vendorInterval)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", b.baseURL, q.Encode())

	body, status, err := b.get(ctx, endpoint)
	if err != nil {
		return nil, &FetchError{Provider: b.Name(), Symbol: symbol, Status: status, Err: err}
	}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		return nil, ErrSymbolNotFound
	}
	if status < 200 || status >= 300 {
		return nil, &FetchError{Provider: b.Name(), Symbol: symbol, Status: status, Err: fmt.Errorf("http status %d: %s", status, truncate(body, 200))}
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &FetchError{Provider: b.Name(), Symbol: symbol, Err: fmt.Errorf("decode klines: %w", err)}
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	bars := make([]Bar, 0, len(rows))
	for _, row := range rows {
		// [openTime, open, high, low, close, volume, ...] with prices as strings.
		if len(row) < 6 {
			continue
		}
		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			continue
		}
		bar := Bar{Ts: time.UnixMilli(openMs).UTC()}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		ok := true
		for i, dst := range fields {
			var raw string
			if err := json.Unmarshal(row[i+1], &raw); err != nil {
				ok = false
				break
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				ok = false
				break
			}
			*dst = v
		}
		if ok {
			bars = append(bars, bar)
		}
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

func (b *Binance) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	var lastErr error
	backoff := binanceRetryBackoff
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("build request: %w", err)
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = fmt.Errorf("read response: %w", readErr)
			} else if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("http status %d", resp.StatusCode)
			} else {
				return body, resp.StatusCode, nil
			}
		}
		if attempt < b.maxRetries {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}
	return nil, 0, lastErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
