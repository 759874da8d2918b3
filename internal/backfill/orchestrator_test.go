package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-api/internal/config"
	"marketdata-api/internal/model"
	"marketdata-api/pkg/failover"
	"marketdata-api/pkg/provider"
	"marketdata-api/pkg/timeframe"
)

type fakeAssets struct {
	mu     sync.Mutex
	assets []model.Asset
	synced []int64
	failed map[int64]string
	status map[int64]model.AssetStatus
}

func (f *fakeAssets) FindBySymbol(_ context.Context, symbol string) (*model.Asset, error) {
	for _, a := range f.assets {
		if a.Symbol == symbol {
			cp := a
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeAssets) List(context.Context, model.AssetType) ([]model.Asset, error) {
	return f.assets, nil
}

func (f *fakeAssets) Upsert(context.Context, *model.Asset) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeAssets) MarkSynced(_ context.Context, id int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id)
	return nil
}

func (f *fakeAssets) MarkFailed(_ context.Context, id int64, status model.AssetStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[int64]string)
		f.status = make(map[int64]model.AssetStatus)
	}
	f.failed[id] = reason
	f.status[id] = status
	return nil
}

type fakeTicks struct {
	mu          sync.Mutex
	lastTs      map[int64]time.Time
	replaced    [][]model.Tick
	upserted    [][]model.Tick
	failUpserts int
}

func (f *fakeTicks) BulkUpsert(_ context.Context, ticks []model.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts > 0 {
		f.failUpserts--
		return errors.New("write timeout")
	}
	cp := make([]model.Tick, len(ticks))
	copy(cp, ticks)
	f.upserted = append(f.upserted, cp)
	return nil
}

func (f *fakeTicks) BulkReplace(_ context.Context, ticks []model.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]model.Tick, len(ticks))
	copy(cp, ticks)
	f.replaced = append(f.replaced, cp)
	return nil
}

func (f *fakeTicks) Latest(context.Context, int64) (*model.Tick, error) {
	return nil, model.ErrNotFound
}

func (f *fakeTicks) LastTs(_ context.Context, assetID int64) (time.Time, error) {
	if ts, ok := f.lastTs[assetID]; ok {
		return ts, nil
	}
	return time.Time{}, model.ErrNotFound
}

func (f *fakeTicks) WindowStats(context.Context, int64, time.Time) (*model.WindowStats, error) {
	return &model.WindowStats{}, nil
}

func (f *fakeTicks) ClosestBefore(context.Context, int64, time.Time) (*model.Tick, error) {
	return nil, model.ErrNotFound
}

type fakeCandles struct {
	mu    sync.Mutex
	daily [][]model.Candle
}

func (f *fakeCandles) ListDesc(context.Context, int64, timeframe.Timeframe, time.Time, time.Time, int) ([]model.Candle, error) {
	return nil, nil
}

func (f *fakeCandles) UpsertDaily(_ context.Context, candles []model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]model.Candle, len(candles))
	copy(cp, candles)
	f.daily = append(f.daily, cp)
	return nil
}

func (f *fakeCandles) LatestDaily(context.Context, int64) (*model.Candle, error) {
	return nil, model.ErrNotFound
}

type fakeProvider struct {
	name  string
	kind  provider.Kind
	limit int
	bars  []provider.Bar
	err   error
	hints []provider.SizeHint
}

func (p *fakeProvider) Name() string        { return p.name }
func (p *fakeProvider) Kind() provider.Kind { return p.kind }
func (p *fakeProvider) PageLimit() int      { return p.limit }

func (p *fakeProvider) FetchBars(_ context.Context, _ string, _ timeframe.Timeframe, hint provider.SizeHint) ([]provider.Bar, error) {
	p.hints = append(p.hints, hint)
	if p.err != nil {
		return nil, p.err
	}
	return p.bars, nil
}

func barsAt(n int, start time.Time) []provider.Bar {
	out := make([]provider.Bar, n)
	for i := range out {
		out[i] = provider.Bar{Ts: start.Add(time.Duration(i) * time.Minute), Close: 100 + float64(i), Volume: 1}
	}
	return out
}

func newTestOrchestrator(t *testing.T, assets *fakeAssets, ticks *fakeTicks, candles *fakeCandles, chains map[model.AssetType]*failover.Chain) *Orchestrator {
	t.Helper()
	cfg := config.BackfillConf{InterCallDelayMs: 0, CheckpointEvery: 2, StateDir: t.TempDir()}
	o := NewOrchestrator(cfg, assets, ticks, candles, func(at model.AssetType) *failover.Chain {
		return chains[at]
	})
	o.sleep = func(context.Context, time.Duration) {}
	return o
}

func TestRunWritesTicksForPageProviders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 1, Symbol: "BTCUSDT", AssetType: model.AssetTypeCrypto},
	}}
	ticks := &fakeTicks{lastTs: map[int64]time.Time{1: now.Add(-10 * time.Hour)}}
	candles := &fakeCandles{}
	p := &fakeProvider{name: "binance", kind: provider.KindPage, limit: 1000, bars: barsAt(3, now.Add(-10*time.Hour))}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeCrypto: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, ticks, candles, chains)
	o.nowFn = func() time.Time { return now }

	summary, err := o.Run(context.Background(), Options{Interval: timeframe.M1})
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalFilled: 3, SuccessCount: 1}, summary)

	require.Len(t, p.hints, 1)
	assert.Equal(t, 660, p.hints[0].Bars, "10h gap at 1m needs ceil(600*1.1) bars")

	require.Len(t, ticks.replaced, 1, "page-limited bars land in the ticks table")
	assert.Empty(t, candles.daily)
	assert.Equal(t, []int64{1}, assets.synced)
}

func TestRunWritesDailyCandlesForRangeProviders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 2, Symbol: "AAPL", AssetType: model.AssetTypeStock},
	}}
	ticks := &fakeTicks{}
	candles := &fakeCandles{}
	p := &fakeProvider{name: "yahoo", kind: provider.KindRange, bars: barsAt(2, now.Add(-48*time.Hour))}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeStock: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, ticks, candles, chains)
	o.nowFn = func() time.Time { return now }

	summary, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)

	require.Len(t, p.hints, 1)
	assert.Equal(t, "1y", p.hints[0].Range, "never-ingested assets bootstrap with the widest range")

	require.Len(t, candles.daily, 1, "range-limited bars land in the daily candle table")
	assert.Empty(t, ticks.replaced)
}

func TestRunFailsOverWithinChain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 3, Symbol: "EURUSD", AssetType: model.AssetTypeForex},
	}}
	primary := &fakeProvider{name: "yahoo", kind: provider.KindRange, err: &provider.FetchError{Provider: "yahoo", Symbol: "EURUSD", Status: 500, Err: errors.New("boom")}}
	secondary := &fakeProvider{name: "twelvedata", kind: provider.KindPage, limit: 5000, bars: barsAt(1, now.Add(-time.Hour))}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeForex: failover.NewChain(failover.NewTracker(), primary, secondary),
	}
	ticks := &fakeTicks{lastTs: map[int64]time.Time{3: now.Add(-time.Hour)}}

	o := newTestOrchestrator(t, assets, ticks, &fakeCandles{}, chains)
	o.nowFn = func() time.Time { return now }

	summary, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Len(t, primary.hints, 1, "primary is attempted first")
	assert.Len(t, secondary.hints, 1, "secondary covers the failure")
	require.Len(t, ticks.replaced, 1)
}

func TestRunMarksUnknownSymbolInvalid(t *testing.T) {
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 4, Symbol: "GONE", AssetType: model.AssetTypeStock},
	}}
	p := &fakeProvider{name: "yahoo", kind: provider.KindRange, err: provider.ErrSymbolNotFound}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeStock: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, &fakeTicks{}, &fakeCandles{}, chains)
	summary, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.Equal(t, model.AssetStatusInvalid, assets.status[4], "unlisted symbols are retired, not retried")
}

func TestRunMarksAssetErrorWhenChainExhausted(t *testing.T) {
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 5, Symbol: "BTCUSDT", AssetType: model.AssetTypeCrypto},
	}}
	p := &fakeProvider{name: "binance", kind: provider.KindPage, limit: 1000, err: &provider.FetchError{Provider: "binance", Symbol: "BTCUSDT", Err: errors.New("timeout")}}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeCrypto: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, &fakeTicks{}, &fakeCandles{}, chains)
	summary, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.Equal(t, model.AssetStatusError, assets.status[5])
	assert.Empty(t, assets.synced)
}

func TestRunSkipsFreshAssetsWithMinGap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 6, Symbol: "BTCUSDT", AssetType: model.AssetTypeCrypto},
	}}
	// 30 minutes stale; a 5% of one day floor is 72 minutes.
	ticks := &fakeTicks{lastTs: map[int64]time.Time{6: now.Add(-30 * time.Minute)}}
	p := &fakeProvider{name: "binance", kind: provider.KindPage, limit: 1000, bars: barsAt(1, now)}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeCrypto: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, ticks, &fakeCandles{}, chains)
	o.nowFn = func() time.Time { return now }

	summary, err := o.Run(context.Background(), Options{MinGapPercent: 5})
	require.NoError(t, err)
	assert.Equal(t, Summary{SuccessCount: 1}, summary, "fresh assets count as processed but fetch nothing")
	assert.Empty(t, p.hints, "no provider call for a below-threshold gap")
}

func TestRunDaysOverrideForcesWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 7, Symbol: "BTCUSDT", AssetType: model.AssetTypeCrypto},
	}}
	ticks := &fakeTicks{lastTs: map[int64]time.Time{7: now.Add(-time.Minute)}}
	p := &fakeProvider{name: "binance", kind: provider.KindPage, limit: 1000, bars: barsAt(1, now)}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeCrypto: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, ticks, &fakeCandles{}, chains)
	o.nowFn = func() time.Time { return now }

	_, err := o.Run(context.Background(), Options{Days: 2, Interval: timeframe.M1})
	require.NoError(t, err)
	require.Len(t, p.hints, 1)
	assert.Equal(t, 1000, p.hints[0].Bars, "a 2-day window at 1m saturates the page limit")
}

func TestRunFilterRestrictsAssets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 1, Symbol: "BTCUSDT", AssetType: model.AssetTypeCrypto},
		{ID: 2, Symbol: "ETHUSDT", AssetType: model.AssetTypeCrypto},
	}}
	ticks := &fakeTicks{lastTs: map[int64]time.Time{1: now.Add(-time.Hour), 2: now.Add(-time.Hour)}}
	p := &fakeProvider{name: "binance", kind: provider.KindPage, limit: 1000, bars: barsAt(1, now)}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeCrypto: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, ticks, &fakeCandles{}, chains)
	o.nowFn = func() time.Time { return now }

	summary, err := o.Run(context.Background(), Options{AssetFilter: []string{"ethusdt"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount, "only the filtered symbol is processed")
	require.Len(t, ticks.replaced, 1)
	assert.Equal(t, int64(2), ticks.replaced[0][0].AssetID)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assets := &fakeAssets{assets: []model.Asset{
		{ID: 1, Symbol: "AAA", AssetType: model.AssetTypeCrypto},
		{ID: 2, Symbol: "BBB", AssetType: model.AssetTypeCrypto},
		{ID: 3, Symbol: "CCC", AssetType: model.AssetTypeCrypto},
	}}
	ticks := &fakeTicks{lastTs: map[int64]time.Time{
		1: now.Add(-time.Hour), 2: now.Add(-time.Hour), 3: now.Add(-time.Hour),
	}}
	p := &fakeProvider{name: "binance", kind: provider.KindPage, limit: 1000, bars: barsAt(1, now)}
	chains := map[model.AssetType]*failover.Chain{
		model.AssetTypeCrypto: failover.NewChain(failover.NewTracker(), p),
	}

	o := newTestOrchestrator(t, assets, ticks, &fakeCandles{}, chains)
	o.nowFn = func() time.Time { return now }
	o.store.Save(Checkpoint{RunID: "prev", AssetFilter: "", LastIndex: 2, UpdatedAt: now})

	summary, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount, "the first two assets were covered by the interrupted run")
	require.Len(t, ticks.replaced, 1)
	assert.Equal(t, int64(3), ticks.replaced[0][0].AssetID)

	assert.Nil(t, o.store.Load(), "a completed run clears its checkpoint")
}

func TestGapMeasurement(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOrchestrator(config.BackfillConf{StateDir: t.TempDir()}, nil, nil, nil, nil)
	o.nowFn = func() time.Time { return now }

	assert.Equal(t, provider.GapNoData, o.Gap(time.Time{}), "never-ingested assets report the sentinel")
	assert.Equal(t, 10*time.Hour, o.Gap(now.Add(-10*time.Hour)))
	assert.Equal(t, time.Duration(0), o.Gap(now.Add(time.Minute)), "clock skew never yields a negative gap")
}
