package candles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-api/internal/cache"
	"marketdata-api/internal/model"
)

func testTTLSet() cache.TTLSet {
	return cache.NewTTLSet(10, 60, 300)
}

func marketFixture(now time.Time) (*fakeAssets, *fakeTicks, *fakeCandles) {
	assets := &fakeAssets{bySymbol: map[string]*model.Asset{
		"BTCUSDT": {ID: 1, Symbol: "BTCUSDT", AssetType: model.AssetTypeCrypto},
		"ETHUSDT": {ID: 2, Symbol: "ETHUSDT", AssetType: model.AssetTypeCrypto},
		"AAPL":    {ID: 3, Symbol: "AAPL", AssetType: model.AssetTypeStock},
	}}
	ticks := &fakeTicks{
		latest: map[int64]*model.Tick{
			1: {AssetID: 1, Ts: now, Price: 55000, Volume: 1},
			2: {AssetID: 2, Ts: now, Price: 2850, Volume: 2},
		},
		closest: map[int64]*model.Tick{
			1: {AssetID: 1, Ts: now.Add(-24 * time.Hour), Price: 50000},
			2: {AssetID: 2, Ts: now.Add(-24 * time.Hour), Price: 3000},
		},
		stats: map[int64]*model.WindowStats{
			1: {High: 56000, Low: 49500, Volume: 1200, Count: 10},
			2: {High: 3100, Low: 2800, Volume: 8000, Count: 20},
		},
	}
	candles := &fakeCandles{daily: map[int64]*model.Candle{
		3: {AssetID: 3, Ts: now.Add(-24 * time.Hour), Open: 175, High: 182, Low: 174, Close: 180.25, Volume: 300},
	}}
	return assets, ticks, candles
}

func TestTickersBulk(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets, ticks, candles := marketFixture(now)
	s := newTestService(assets, ticks, candles)
	s.nowFn = func() time.Time { return now }

	tickers, err := s.TickersBulk(context.Background(), []string{"btcusdt", "AAPL", "BTCUSDT", "UNKNOWN"})
	require.NoError(t, err)
	require.Len(t, tickers, 2, "duplicates collapse and unknown symbols are skipped")

	bymap := map[string]Ticker{}
	for _, tk := range tickers {
		bymap[tk.Symbol] = tk
	}

	btc := bymap["BTCUSDT"]
	assert.Equal(t, 55000.0, btc.Price)
	require.NotNil(t, btc.ChangePercent)
	assert.Equal(t, 10.0, *btc.ChangePercent, "(55000-50000)/50000*100")
	assert.Equal(t, 56000.0, btc.High24h)
	assert.Equal(t, 1200.0, btc.Volume24h)

	aapl := bymap["AAPL"]
	assert.Equal(t, 180.25, aapl.Price, "tickless assets answer from the daily bar")
	require.NotNil(t, aapl.ChangePercent)
	assert.Equal(t, 3.0, *aapl.ChangePercent)
}

func TestMarketMoversSorts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets, ticks, candles := marketFixture(now)
	s := newTestService(assets, ticks, candles)
	s.nowFn = func() time.Time { return now }

	gainers, err := s.MarketMovers(context.Background(), MoverGain, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, gainers)
	assert.Equal(t, "BTCUSDT", gainers[0].Symbol, "+10% leads the gainers")

	losers, err := s.MarketMovers(context.Background(), MoverLoss, "", 10)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", losers[0].Symbol, "-5% leads the losers")

	byVolume, err := s.MarketMovers(context.Background(), MoverVolume, "", 10)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", byVolume[0].Symbol)

	top1, err := s.MarketMovers(context.Background(), MoverGain, "", 1)
	require.NoError(t, err)
	assert.Len(t, top1, 1, "limit truncates the ranking")

	stocksOnly, err := s.MarketMovers(context.Background(), MoverGain, model.AssetTypeStock, 10)
	require.NoError(t, err)
	require.Len(t, stocksOnly, 1)
	assert.Equal(t, "AAPL", stocksOnly[0].Symbol)
}

func TestParseMoverDimension(t *testing.T) {
	for _, ok := range []string{"gain", "loss", "volume"} {
		dim, err := ParseMoverDimension(ok)
		require.NoError(t, err)
		assert.Equal(t, MoverDimension(ok), dim)
	}
	dim, err := ParseMoverDimension("")
	require.NoError(t, err)
	assert.Equal(t, MoverGain, dim, "empty defaults to gain")

	_, err = ParseMoverDimension("sideways")
	assert.Error(t, err)
}
