package candles

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-api/internal/model"
	"marketdata-api/pkg/timeframe"
)

type fakeAssets struct {
	bySymbol map[string]*model.Asset
}

func (f *fakeAssets) FindBySymbol(_ context.Context, symbol string) (*model.Asset, error) {
	if a, ok := f.bySymbol[symbol]; ok {
		return a, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeAssets) List(_ context.Context, assetType model.AssetType) ([]model.Asset, error) {
	var out []model.Asset
	for _, a := range f.bySymbol {
		if assetType == "" || a.AssetType == assetType {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (f *fakeAssets) Upsert(context.Context, *model.Asset) (int64, error) { return 0, nil }

func (f *fakeAssets) MarkSynced(context.Context, int64, time.Time) error { return nil }

func (f *fakeAssets) MarkFailed(context.Context, int64, model.AssetStatus, string) error {
	return nil
}

type fakeTicks struct {
	latest  map[int64]*model.Tick
	closest map[int64]*model.Tick
	stats   map[int64]*model.WindowStats
}

func (f *fakeTicks) BulkUpsert(context.Context, []model.Tick) error  { return nil }
func (f *fakeTicks) BulkReplace(context.Context, []model.Tick) error { return nil }

func (f *fakeTicks) Latest(_ context.Context, assetID int64) (*model.Tick, error) {
	if t, ok := f.latest[assetID]; ok {
		return t, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeTicks) LastTs(_ context.Context, assetID int64) (time.Time, error) {
	if t, ok := f.latest[assetID]; ok {
		return t.Ts, nil
	}
	return time.Time{}, model.ErrNotFound
}

func (f *fakeTicks) WindowStats(_ context.Context, assetID int64, _ time.Time) (*model.WindowStats, error) {
	if s, ok := f.stats[assetID]; ok {
		return s, nil
	}
	return &model.WindowStats{}, nil
}

func (f *fakeTicks) ClosestBefore(_ context.Context, assetID int64, _ time.Time) (*model.Tick, error) {
	if t, ok := f.closest[assetID]; ok {
		return t, nil
	}
	return nil, model.ErrNotFound
}

// fakeCandles mimics the descending windowed query over stored buckets.
type fakeCandles struct {
	rows  map[int64][]model.Candle
	daily map[int64]*model.Candle
}

func (f *fakeCandles) ListDesc(_ context.Context, assetID int64, _ timeframe.Timeframe, start, end time.Time, limit int) ([]model.Candle, error) {
	var out []model.Candle
	for _, c := range f.rows[assetID] {
		if c.Ts.After(start) && !c.Ts.After(end) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.After(out[j].Ts) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCandles) UpsertDaily(context.Context, []model.Candle) error { return nil }

func (f *fakeCandles) LatestDaily(_ context.Context, assetID int64) (*model.Candle, error) {
	if c, ok := f.daily[assetID]; ok {
		return c, nil
	}
	return nil, model.ErrNotFound
}

func newTestService(assets *fakeAssets, ticks *fakeTicks, candles *fakeCandles) *Service {
	return NewService(assets, ticks, candles, nil, testTTLSet())
}

func TestLatestPriceFallsBackThroughSources(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{bySymbol: map[string]*model.Asset{
		"BTCUSDT": {ID: 1, Symbol: "BTCUSDT"},
		"AAPL":    {ID: 2, Symbol: "AAPL"},
		"EMPTY":   {ID: 3, Symbol: "EMPTY"},
	}}
	ticks := &fakeTicks{latest: map[int64]*model.Tick{
		1: {AssetID: 1, Ts: ts, Price: 50000, Volume: 0.5},
	}}
	candles := &fakeCandles{daily: map[int64]*model.Candle{
		2: {AssetID: 2, Ts: ts.Add(-24 * time.Hour), Close: 180.25, Volume: 1000},
	}}
	s := newTestService(assets, ticks, candles)

	price, err := s.LatestPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "tick", price.Source)
	assert.Equal(t, 50000.0, price.Price)

	price, err = s.LatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "daily", price.Source, "assets without ticks fall back to the daily close")
	assert.Equal(t, 180.25, price.Price)

	_, err = s.LatestPrice(context.Background(), "EMPTY")
	assert.True(t, model.IsNotFound(err), "every source missing surfaces not-found")

	_, err = s.LatestPrice(context.Background(), "NOPE")
	assert.True(t, model.IsNotFound(err))
}

func TestCandlesExcludesOpenBucket(t *testing.T) {
	// At 14:32 with hourly bars the 14:00 bucket is still forming; the newest
	// served bucket must start at 13:00.
	now := time.Date(2026, 3, 1, 14, 32, 0, 0, time.UTC)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var rows []model.Candle
	for h := 0; h < 15; h++ {
		rows = append(rows, model.Candle{
			AssetID: 1, Ts: day.Add(time.Duration(h) * time.Hour),
			Open: 100, High: 110, Low: 90, Close: 105, Volume: 10,
		})
	}
	assets := &fakeAssets{bySymbol: map[string]*model.Asset{"BTCUSDT": {ID: 1, Symbol: "BTCUSDT"}}}
	s := newTestService(assets, &fakeTicks{}, &fakeCandles{rows: map[int64][]model.Candle{1: rows}})
	s.nowFn = func() time.Time { return now }

	series, err := s.Candles(context.Background(), Query{Symbol: "BTCUSDT", Timeframe: timeframe.H1})
	require.NoError(t, err)
	require.NotEmpty(t, series.Candles)

	last := series.Candles[len(series.Candles)-1]
	assert.Equal(t, day.Add(13*time.Hour).UnixMilli(), last.Ts, "the open 14:00 bucket is excluded")

	for i := 1; i < len(series.Candles); i++ {
		assert.Less(t, series.Candles[i-1].Ts, series.Candles[i].Ts, "series is ascending")
	}
}

func TestCandlesHonorsExplicitEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 14, 32, 0, 0, time.UTC)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []model.Candle{
		{AssetID: 1, Ts: day.Add(9 * time.Hour), Open: 100, Close: 101},
		{AssetID: 1, Ts: day.Add(10 * time.Hour), Open: 101, Close: 102},
		{AssetID: 1, Ts: day.Add(11 * time.Hour), Open: 102, Close: 103},
	}
	assets := &fakeAssets{bySymbol: map[string]*model.Asset{"BTCUSDT": {ID: 1, Symbol: "BTCUSDT"}}}
	s := newTestService(assets, &fakeTicks{}, &fakeCandles{rows: map[int64][]model.Candle{1: rows}})
	s.nowFn = func() time.Time { return now }

	series, err := s.Candles(context.Background(), Query{
		Symbol:    "BTCUSDT",
		Timeframe: timeframe.H1,
		Start:     day.Add(9 * time.Hour).Add(-time.Minute),
		End:       day.Add(10 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, series.Candles, 2, "an explicit end is taken verbatim")
	assert.Equal(t, day.Add(10*time.Hour).UnixMilli(), series.Candles[1].Ts)
}

func TestChangePercent(t *testing.T) {
	pct := changePercent([]Point{{Open: 100, Close: 100}, {Open: 105, Close: 112.3456}})
	require.NotNil(t, pct)
	assert.Equal(t, 12.35, *pct, "rounded to two decimals")

	assert.Nil(t, changePercent(nil))
	assert.Nil(t, changePercent([]Point{{Open: 0, Close: 50}}), "zero first open yields null, not infinity")

	down := changePercent([]Point{{Open: 200, Close: 200}, {Open: 150, Close: 150}})
	require.NotNil(t, down)
	assert.Equal(t, -25.0, *down)
}
