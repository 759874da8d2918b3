package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/mr"

	"marketdata-api/internal/cache"
	"marketdata-api/internal/model"
	"marketdata-api/pkg/provider"
)

// Ticker is a 24h activity summary for one symbol.
type Ticker struct {
	Symbol        string   `json:"symbol"`
	Price         float64  `json:"price"`
	ChangePercent *float64 `json:"change_percent"`
	High24h       float64  `json:"high_24h"`
	Low24h        float64  `json:"low_24h"`
	Volume24h     float64  `json:"volume_24h"`
	Timestamp     int64    `json:"timestamp"`
}

// MoverDimension selects the market-movers sort order.
type MoverDimension string

const (
	MoverGain   MoverDimension = "gain"
	MoverLoss   MoverDimension = "loss"
	MoverVolume MoverDimension = "volume"
)

// ParseMoverDimension validates a movers sort dimension.
func ParseMoverDimension(s string) (MoverDimension, error) {
	switch MoverDimension(s) {
	case MoverGain, MoverLoss, MoverVolume:
		return MoverDimension(s), nil
	case "":
		return MoverGain, nil
	}
	return "", fmt.Errorf("unknown movers dimension %q", s)
}

const tickerWindow = 24 * time.Hour

// TickersBulk computes 24h summaries for the requested symbols concurrently.
// Symbols that cannot be resolved are skipped rather than failing the batch.
func (s *Service) TickersBulk(ctx context.Context, symbols []string) ([]Ticker, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	tickers, err := mr.MapReduce(func(source chan<- string) {
		seen := make(map[string]bool, len(symbols))
		for _, raw := range symbols {
			symbol := provider.NormalizeSymbol(raw)
			if symbol == "" || seen[symbol] {
				continue
			}
			seen[symbol] = true
			source <- symbol
		}
	}, func(symbol string, writer mr.Writer[Ticker], cancel func(error)) {
		ticker, err := s.tickerFor(ctx, symbol)
		if err != nil {
			if !model.IsNotFound(err) {
				logx.Errorf("candles: ticker %s: %v", symbol, err)
			}
			return
		}
		writer.Write(*ticker)
	}, func(pipe <-chan Ticker, writer mr.Writer[[]Ticker], cancel func(error)) {
		var out []Ticker
		for t := range pipe {
			out = append(out, t)
		}
		writer.Write(out)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tickers, func(i, j int) bool { return tickers[i].Symbol < tickers[j].Symbol })
	return tickers, nil
}

// MarketMovers ranks assets of one class (or all) by the requested dimension
// over the 24h window and truncates to limit.
func (s *Service) MarketMovers(ctx context.Context, dimension MoverDimension, assetType model.AssetType, limit int) ([]Ticker, error) {
	if limit <= 0 {
		limit = 10
	}
	assets, err := s.assets.List(ctx, assetType)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}
	tickers, err := s.TickersBulk(ctx, symbols)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(tickers, func(i, j int) bool {
		switch dimension {
		case MoverVolume:
			return tickers[i].Volume24h > tickers[j].Volume24h
		case MoverLoss:
			return derefChange(tickers[i]) < derefChange(tickers[j])
		default:
			return derefChange(tickers[i]) > derefChange(tickers[j])
		}
	})
	if len(tickers) > limit {
		tickers = tickers[:limit]
	}
	return tickers, nil
}

func derefChange(t Ticker) float64 {
	if t.ChangePercent == nil {
		return 0
	}
	return *t.ChangePercent
}

// tickerFor builds one 24h summary: current price, reference price from the
// closest source at the window start, and high/low/volume over the window.
func (s *Service) tickerFor(ctx context.Context, symbol string) (*Ticker, error) {
	if cached := s.cachedTicker(ctx, symbol); cached != nil {
		return cached, nil
	}

	asset, err := s.assets.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	current, err := s.ticks.Latest(ctx, asset.ID)
	if model.IsNotFound(err) {
		return s.tickerFromDaily(ctx, asset)
	}
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	since := now.Add(-tickerWindow)
	stats, err := s.ticks.WindowStats(ctx, asset.ID, since)
	if err != nil {
		return nil, err
	}

	ticker := &Ticker{
		Symbol:    asset.Symbol,
		Price:     current.Price,
		High24h:   stats.High,
		Low24h:    stats.Low,
		Volume24h: stats.Volume,
		Timestamp: current.Ts.UnixMilli(),
	}
	if ref, ok := s.referencePrice(ctx, asset, since); ok && ref != 0 {
		pct := math.Round((current.Price-ref)/ref*100*100) / 100
		ticker.ChangePercent = &pct
	}
	s.cacheTicker(ctx, ticker)
	return ticker, nil
}

// tickerFromDaily serves assets that only have backfilled daily data.
func (s *Service) tickerFromDaily(ctx context.Context, asset *model.Asset) (*Ticker, error) {
	daily, err := s.candles.LatestDaily(ctx, asset.ID)
	if err != nil {
		return nil, err
	}
	ticker := &Ticker{
		Symbol:    asset.Symbol,
		Price:     daily.Close,
		High24h:   daily.High,
		Low24h:    daily.Low,
		Volume24h: daily.Volume,
		Timestamp: daily.Ts.UnixMilli(),
	}
	if daily.Open != 0 {
		pct := math.Round((daily.Close-daily.Open)/daily.Open*100*100) / 100
		ticker.ChangePercent = &pct
	}
	s.cacheTicker(ctx, ticker)
	return ticker, nil
}

// referencePrice finds the comparison price for the 24h change: the closest
// tick at or before the window start, else the latest daily close.
func (s *Service) referencePrice(ctx context.Context, asset *model.Asset, since time.Time) (float64, bool) {
	if tick, err := s.ticks.ClosestBefore(ctx, asset.ID, since); err == nil {
		return tick.Price, true
	}
	if daily, err := s.candles.LatestDaily(ctx, asset.ID); err == nil {
		return daily.Close, true
	}
	return 0, false
}

func (s *Service) cachedTicker(ctx context.Context, symbol string) *Ticker {
	if s.rds == nil {
		return nil
	}
	raw, err := s.rds.GetCtx(ctx, cache.TickerStatsKey(symbol))
	if err != nil || raw == "" {
		return nil
	}
	var t Ticker
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil
	}
	return &t
}

func (s *Service) cacheTicker(ctx context.Context, t *Ticker) {
	if s.rds == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	ttl := int(cache.TickerStatsTTL(s.ttl) / time.Second)
	if ttl <= 0 {
		return
	}
	if err := s.rds.SetexCtx(ctx, cache.TickerStatsKey(t.Symbol), string(payload), ttl); err != nil {
		logx.Errorf("candles: cache ticker %s: %v", t.Symbol, err)
	}
}
