// Package backfill drives gap-aware historical fetches: it measures each
// asset's staleness, sizes a fetch window for the asset's provider chain, and
// repairs the gap with idempotent upserts.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stringx"

	"marketdata-api/internal/config"
	"marketdata-api/internal/model"
	"marketdata-api/pkg/failover"
	"marketdata-api/pkg/provider"
	"marketdata-api/pkg/timeframe"
)

// Options parameterizes one backfill run.
type Options struct {
	// AssetFilter restricts the run to the named symbols; empty means all
	// tracked assets.
	AssetFilter []string
	// MinGapPercent skips assets whose gap is below this percentage of one
	// day. Zero disables the filter.
	MinGapPercent float64
	// Days forces the fetch window to cover the last N days regardless of
	// the measured gap. Zero sizes from the gap.
	Days int
	// Interval is the bar interval requested from page-limited providers.
	// Defaults to one minute.
	Interval timeframe.Timeframe
}

// Summary is the final result of a run.
type Summary struct {
	TotalFilled  int `json:"total_filled"`
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
}

func (s Summary) String() string {
	return fmt.Sprintf("filled=%d ok=%d failed=%d", s.TotalFilled, s.SuccessCount, s.ErrorCount)
}

// ChainResolver maps an asset class to its ordered provider chain.
type ChainResolver func(model.AssetType) *failover.Chain

// Orchestrator runs gap detection and backfill over the tracked assets.
// Asset classes proceed concurrently against their own provider chains;
// assets within one class are sequential with a fixed inter-call delay so a
// single vendor never sees parallel traffic from us.
type Orchestrator struct {
	cfg     config.BackfillConf
	assets  model.AssetsModel
	ticks   model.TicksModel
	candles model.CandlesModel
	chains  ChainResolver
	store   *checkpointStore

	nowFn func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewOrchestrator wires an orchestrator over the storage models and the
// per-class failover chains.
func NewOrchestrator(cfg config.BackfillConf, assets model.AssetsModel, ticks model.TicksModel, candles model.CandlesModel, chains ChainResolver) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		assets:  assets,
		ticks:   ticks,
		candles: candles,
		chains:  chains,
		store:   newCheckpointStore(cfg.StateDir),
		nowFn:   time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Gap returns the staleness of an asset given its newest stored timestamp.
// A zero lastTs means the asset has never been ingested.
func (o *Orchestrator) Gap(lastTs time.Time) time.Duration {
	if lastTs.IsZero() {
		return provider.GapNoData
	}
	gap := o.nowFn().Sub(lastTs)
	if gap < 0 {
		return 0
	}
	return gap
}

// Run executes one backfill pass and returns its summary. A checkpoint from
// an interrupted run with the same filter causes already-covered assets to be
// skipped; overlap is harmless because every write is an idempotent upsert.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Interval == "" {
		opts.Interval = timeframe.M1
	}

	assets, err := o.loadAssets(ctx, opts.AssetFilter)
	if err != nil {
		return Summary{}, fmt.Errorf("backfill: load assets: %w", err)
	}
	if len(assets) == 0 {
		logx.Info("backfill: no assets to process")
		o.store.Clear()
		return Summary{}, nil
	}

	filterKey := strings.Join(opts.AssetFilter, ",")
	startAt := 0
	if cp := o.store.Load(); cp != nil && cp.AssetFilter == filterKey {
		startAt = cp.LastIndex
		logx.Infof("backfill: resuming run %s past %d of %d assets", cp.RunID, startAt, len(assets))
	}
	if startAt >= len(assets) {
		startAt = 0
	}
	pending := assets[startAt:]

	runID := stringx.Randn(8)
	logx.Infof("backfill: run %s starting, %d assets, interval=%s days=%d", runID, len(pending), opts.Interval, opts.Days)

	byClass := make(map[model.AssetType][]model.Asset)
	for _, a := range pending {
		byClass[a.AssetType] = append(byClass[a.AssetType], a)
	}

	var (
		mu        sync.Mutex
		summary   Summary
		completed = startAt
	)
	noteDone := func(filled int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.ErrorCount++
		} else {
			summary.SuccessCount++
			summary.TotalFilled += filled
		}
		completed++
		if o.cfg.CheckpointEvery > 0 && completed%o.cfg.CheckpointEvery == 0 {
			o.store.Save(Checkpoint{
				RunID:       runID,
				AssetFilter: filterKey,
				LastIndex:   completed,
				UpdatedAt:   o.nowFn(),
			})
		}
	}

	var wg sync.WaitGroup
	for class, group := range byClass {
		wg.Add(1)
		go func(class model.AssetType, group []model.Asset) {
			defer wg.Done()
			chain := o.chains(class)
			for i, asset := range group {
				if ctx.Err() != nil {
					return
				}
				if i > 0 {
					o.sleep(ctx, time.Duration(o.cfg.InterCallDelayMs)*time.Millisecond)
				}
				filled, err := o.fillAsset(ctx, chain, asset, opts)
				noteDone(filled, err)
			}
		}(class, group)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		logx.Infof("backfill: run %s interrupted: %s", runID, summary)
		return summary, err
	}
	o.store.Clear()
	logx.Infof("backfill: run %s complete: %s", runID, summary)
	return summary, nil
}

func (o *Orchestrator) loadAssets(ctx context.Context, filter []string) ([]model.Asset, error) {
	all, err := o.assets.List(ctx, "")
	if err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		want := make(map[string]bool, len(filter))
		for _, s := range filter {
			want[provider.NormalizeSymbol(s)] = true
		}
		kept := all[:0]
		for _, a := range all {
			if want[a.Symbol] {
				kept = append(kept, a)
			}
		}
		all = kept
	}
	// Stable order keeps checkpoint indices meaningful across runs.
	sort.Slice(all, func(i, j int) bool { return all[i].Symbol < all[j].Symbol })
	return all, nil
}

// fillAsset repairs one asset's gap and records the outcome on the asset row.
// It returns the number of bars written.
func (o *Orchestrator) fillAsset(ctx context.Context, chain *failover.Chain, asset model.Asset, opts Options) (int, error) {
	if chain == nil {
		reason := fmt.Sprintf("no provider chain for asset type %s", asset.AssetType)
		o.markFailed(ctx, asset, model.AssetStatusError, reason)
		return 0, errors.New(reason)
	}

	gap := o.assetGap(ctx, asset, opts)
	if gap == 0 {
		return 0, nil
	}

	var bars []provider.Bar
	var kind provider.Kind
	err := chain.Call(ctx, func(p provider.Provider) error {
		hint := provider.HintFor(p, gap, opts.Interval)
		fetched, err := p.FetchBars(ctx, asset.Symbol, opts.Interval, hint)
		if err != nil {
			return err
		}
		bars = fetched
		kind = p.Kind()
		return nil
	})
	if err != nil {
		return 0, o.classifyFetchFailure(ctx, asset, err)
	}
	if len(bars) == 0 {
		o.markFailed(ctx, asset, model.AssetStatusError, "provider returned no bars")
		return 0, provider.ErrNoData
	}

	if err := o.write(ctx, asset, kind, bars); err != nil {
		o.markFailed(ctx, asset, model.AssetStatusError, err.Error())
		return 0, fmt.Errorf("write %s: %w", asset.Symbol, err)
	}

	if err := o.assets.MarkSynced(ctx, asset.ID, o.nowFn()); err != nil {
		logx.Errorf("backfill: mark %s synced: %v", asset.Symbol, err)
	}
	logx.Infof("backfill: %s filled %d bars (gap=%s)", asset.Symbol, len(bars), formatGap(gap))
	return len(bars), nil
}

// assetGap measures the asset's staleness, applying the Days override and the
// minimum-gap filter. A zero return means the asset is fresh enough to skip.
func (o *Orchestrator) assetGap(ctx context.Context, asset model.Asset, opts Options) time.Duration {
	if opts.Days > 0 {
		return time.Duration(opts.Days) * 24 * time.Hour
	}

	lastTs, err := o.ticks.LastTs(ctx, asset.ID)
	if err != nil && !model.IsNotFound(err) {
		logx.Errorf("backfill: last ts for %s: %v", asset.Symbol, err)
	}
	gap := o.Gap(lastTs)
	if gap == provider.GapNoData {
		return gap
	}
	if opts.MinGapPercent > 0 {
		minGap := time.Duration(opts.MinGapPercent / 100 * float64(24*time.Hour))
		if gap < minGap {
			return 0
		}
	}
	return gap
}

// write persists fetched bars. Page-limited vendors return fine-grained bars
// that land in the ticks hypertable; range-limited vendors return daily bars
// written to the daily candle table. Both paths replace on conflict so a
// re-fetch never double-counts.
func (o *Orchestrator) write(ctx context.Context, asset model.Asset, kind provider.Kind, bars []provider.Bar) error {
	if kind == provider.KindRange {
		candles := make([]model.Candle, 0, len(bars))
		for _, b := range bars {
			candles = append(candles, model.Candle{
				AssetID: asset.ID,
				Ts:      b.Ts.UTC(),
				Open:    b.Open,
				High:    b.High,
				Low:     b.Low,
				Close:   b.Close,
				Volume:  b.Volume,
			})
		}
		return o.candles.UpsertDaily(ctx, candles)
	}

	ticks := make([]model.Tick, 0, len(bars))
	for _, b := range bars {
		ticks = append(ticks, model.Tick{
			AssetID: asset.ID,
			Ts:      b.Ts.UTC(),
			Price:   b.Close,
			Volume:  b.Volume,
		})
	}
	return o.ticks.BulkReplace(ctx, ticks)
}

// classifyFetchFailure maps a chain failure onto the asset's status row.
// Unknown symbols are flagged INVALID and excluded from future runs; all
// other failures are ERROR and retried next cycle.
func (o *Orchestrator) classifyFetchFailure(ctx context.Context, asset model.Asset, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, provider.ErrSymbolNotFound):
		o.markFailed(ctx, asset, model.AssetStatusInvalid, "symbol not listed by any provider")
	case errors.Is(err, failover.ErrAllProvidersDown):
		o.markFailed(ctx, asset, model.AssetStatusError, "all providers unavailable")
	case errors.Is(err, provider.ErrNoData):
		o.markFailed(ctx, asset, model.AssetStatusError, "no data returned")
	default:
		o.markFailed(ctx, asset, model.AssetStatusError, err.Error())
	}
	return fmt.Errorf("fetch %s: %w", asset.Symbol, err)
}

func (o *Orchestrator) markFailed(ctx context.Context, asset model.Asset, status model.AssetStatus, reason string) {
	if err := o.assets.MarkFailed(ctx, asset.ID, status, reason); err != nil {
		logx.Errorf("backfill: mark %s %s: %v", asset.Symbol, status, err)
	}
}

func formatGap(gap time.Duration) string {
	if gap == provider.GapNoData {
		return "bootstrap"
	}
	return gap.Round(time.Minute).String()
}
