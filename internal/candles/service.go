// Package candles serves latest prices, historical candle series and ticker
// summaries from storage, with redis caching scaled to timeframe granularity.
package candles

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"

	"marketdata-api/internal/cache"
	"marketdata-api/internal/model"
	"marketdata-api/pkg/provider"
	"marketdata-api/pkg/timeframe"
)

// Price is the latest-price response payload.
type Price struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source"`
}

// Point is one OHLCV bucket in a served series, with Ts in unix milliseconds.
type Point struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Series is an ascending candle series plus its derived change.
type Series struct {
	Symbol        string   `json:"symbol"`
	Timeframe     string   `json:"timeframe"`
	Candles       []Point  `json:"candles"`
	ChangePercent *float64 `json:"change_percent"`
}

// Query bounds one candle request. Zero Start/End fall back to the
// timeframe's default lookback and the last closed bucket respectively.
type Query struct {
	Symbol    string
	Timeframe timeframe.Timeframe
	Start     time.Time
	End       time.Time
	Limit     int
}

const defaultSeriesLimit = 500

// Service answers price, candle and ticker queries. rds may be nil; caching
// is then skipped entirely.
type Service struct {
	assets  model.AssetsModel
	ticks   model.TicksModel
	candles model.CandlesModel
	rds     *redis.Redis
	ttl     cache.TTLSet
	nowFn   func() time.Time
}

// NewService wires the query service over the storage models.
func NewService(assets model.AssetsModel, ticks model.TicksModel, candles model.CandlesModel, rds *redis.Redis, ttl cache.TTLSet) *Service {
	return &Service{
		assets:  assets,
		ticks:   ticks,
		candles: candles,
		rds:     rds,
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

// LatestPrice resolves the freshest known price for a symbol, falling back
// from the redis latest-price key to the newest tick to the newest daily
// close. model.ErrNotFound when every source misses.
func (s *Service) LatestPrice(ctx context.Context, symbol string) (*Price, error) {
	symbol = provider.NormalizeSymbol(symbol)

	if cached := s.cachedPrice(ctx, symbol); cached != nil {
		return cached, nil
	}

	asset, err := s.assets.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if tick, err := s.ticks.Latest(ctx, asset.ID); err == nil {
		return &Price{
			Symbol:    symbol,
			Price:     tick.Price,
			Volume:    tick.Volume,
			Timestamp: tick.Ts.UnixMilli(),
			Source:    "tick",
		}, nil
	} else if !model.IsNotFound(err) {
		return nil, err
	}

	daily, err := s.candles.LatestDaily(ctx, asset.ID)
	if err != nil {
		return nil, err
	}
	return &Price{
		Symbol:    symbol,
		Price:     daily.Close,
		Volume:    daily.Volume,
		Timestamp: daily.Ts.UnixMilli(),
		Source:    "daily",
	}, nil
}

func (s *Service) cachedPrice(ctx context.Context, symbol string) *Price {
	if s.rds == nil {
		return nil
	}
	raw, err := s.rds.GetCtx(ctx, cache.PriceLatestKey(symbol))
	if err != nil || raw == "" {
		return nil
	}
	var p Price
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil
	}
	p.Symbol = symbol
	if p.Source == "" {
		p.Source = "cache"
	}
	return &p
}

// Candles returns an ascending series for the query. Unless the caller set an
// explicit end, the upper bound is pulled back by one timeframe duration so
// the currently-open bucket is never served.
func (s *Service) Candles(ctx context.Context, q Query) (*Series, error) {
	q.Symbol = provider.NormalizeSymbol(q.Symbol)
	if q.Limit <= 0 {
		q.Limit = defaultSeriesLimit
	}

	explicitRange := !q.Start.IsZero() || !q.End.IsZero()
	now := s.nowFn()
	end := q.End
	if end.IsZero() {
		end = now.Add(-q.Timeframe.Duration())
	}
	start := q.Start
	if start.IsZero() {
		start = end.Add(-q.Timeframe.DefaultLookback())
	}

	if !explicitRange {
		if cached := s.cachedSeries(ctx, q.Symbol, q.Timeframe); cached != nil {
			return cached, nil
		}
	}

	asset, err := s.assets.FindBySymbol(ctx, q.Symbol)
	if err != nil {
		return nil, err
	}

	rows, err := s.candles.ListDesc(ctx, asset.ID, q.Timeframe, start, end, q.Limit)
	if err != nil {
		return nil, err
	}

	points := make([]Point, len(rows))
	for i, c := range rows {
		// Reverse the index-friendly descending order into the ascending
		// contract chart consumers expect.
		points[len(rows)-1-i] = Point{
			Ts:     c.Ts.UnixMilli(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		}
	}

	series := &Series{
		Symbol:        q.Symbol,
		Timeframe:     q.Timeframe.String(),
		Candles:       points,
		ChangePercent: changePercent(points),
	}

	if !explicitRange {
		s.cacheSeries(ctx, series, q.Timeframe)
	}
	return series, nil
}

// changePercent derives the series change, nil when the first open is zero.
func changePercent(points []Point) *float64 {
	if len(points) == 0 {
		return nil
	}
	firstOpen := points[0].Open
	if firstOpen == 0 {
		return nil
	}
	lastClose := points[len(points)-1].Close
	pct := math.Round((lastClose-firstOpen)/firstOpen*100*100) / 100
	return &pct
}

func (s *Service) cachedSeries(ctx context.Context, symbol string, tf timeframe.Timeframe) *Series {
	if s.rds == nil {
		return nil
	}
	raw, err := s.rds.GetCtx(ctx, cache.CandleSeriesKey(symbol, tf))
	if err != nil || raw == "" {
		return nil
	}
	var series Series
	if err := json.Unmarshal([]byte(raw), &series); err != nil {
		return nil
	}
	return &series
}

func (s *Service) cacheSeries(ctx context.Context, series *Series, tf timeframe.Timeframe) {
	if s.rds == nil || len(series.Candles) == 0 {
		return
	}
	payload, err := json.Marshal(series)
	if err != nil {
		return
	}
	ttl := int(cache.CandleSeriesTTL(tf) / time.Second)
	if ttl <= 0 {
		return
	}
	key := cache.CandleSeriesKey(series.Symbol, tf)
	if err := s.rds.SetexCtx(ctx, key, string(payload), ttl); err != nil {
		logx.Errorf("candles: cache series key=%s err=%v", key, err)
	}
}
