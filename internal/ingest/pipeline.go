package ingest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"

	"marketdata-api/internal/cache"
	"marketdata-api/internal/config"
	"marketdata-api/internal/model"
)

// TradeEvent is one trade observation from the live feed.
type TradeEvent struct {
	Symbol   string
	Price    float64
	Quantity float64
	Ts       time.Time
}

// PriceUpdate is the fanout payload republished after a successful flush.
type PriceUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// Pipeline buffers live trades, deduplicates them per flush window and writes
// them to storage in one batch upsert. Successfully flushed ticks are
// republished on the output channel for the fanout hub and mirrored to the
// latest-price cache.
type Pipeline struct {
	cfg    config.IngestConf
	ticks  model.TicksModel
	rds    *redis.Redis
	ttl    cache.TTLSet
	nowFn  func() time.Time
	buf    *buffer
	// symbols keeps the reverse mapping for republish payloads.
	resolver *symbolResolver

	flushing atomic.Bool
	out      chan PriceUpdate
}

// NewPipeline wires a pipeline. rds may be nil; latest-price caching is then
// skipped.
func NewPipeline(cfg config.IngestConf, assets model.AssetsModel, ticks model.TicksModel, rds *redis.Redis, ttl cache.TTLSet) (*Pipeline, error) {
	resolver, err := newSymbolResolver(assets, time.Duration(cfg.NegativeCacheSec)*time.Second)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:      cfg,
		ticks:    ticks,
		rds:      rds,
		ttl:      ttl,
		nowFn:    time.Now,
		buf:      newBuffer(cfg.BatchSize),
		resolver: resolver,
		out:      make(chan PriceUpdate, cfg.FanoutChannelSize),
	}, nil
}

// Updates exposes the republish channel consumed by the fanout hub.
func (p *Pipeline) Updates() <-chan PriceUpdate {
	return p.out
}

// Handle ingests one trade event: resolve the symbol, append to the buffer,
// flush if the batch size threshold is reached. Unknown symbols are dropped
// after the resolver negative-caches them.
func (p *Pipeline) Handle(ctx context.Context, ev TradeEvent) {
	assetID, ok := p.resolver.Resolve(ctx, ev.Symbol)
	if !ok {
		return
	}
	n := p.buf.Add(model.Tick{
		AssetID: assetID,
		Ts:      ev.Ts.UTC(),
		Price:   ev.Price,
		Volume:  ev.Quantity,
	})
	if n >= p.cfg.BatchSize {
		p.Flush(ctx)
	}
}

// Run drives the interval flush until ctx is cancelled, then performs a final
// drain so shutdown never strands buffered ticks.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.FinalFlush()
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush drains and writes the buffer. It is non-reentrant: while one flush is
// in flight, further triggers are skipped and the buffer keeps accumulating
// for the next cycle.
func (p *Pipeline) Flush(ctx context.Context) {
	if !p.flushing.CompareAndSwap(false, true) {
		return
	}
	defer p.flushing.Store(false)
	p.flushOnce(ctx)
}

// FinalFlush runs a last drain with a fresh timeout, for shutdown and
// pre-reconnect flushes where the parent context is already done.
func (p *Pipeline) FinalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Flush(ctx)
}

func (p *Pipeline) flushOnce(ctx context.Context) {
	batch := p.buf.Drain()
	if len(batch) == 0 {
		return
	}
	deduped := DedupMerge(batch)

	if err := p.ticks.BulkUpsert(ctx, deduped); err != nil {
		// The batch is dropped, not replayed: replaying into the
		// volume-accumulating upsert would double-count. The gap left behind
		// is observable and heals on the next backfill cycle.
		logx.Errorf("ingest: batch write failed, dropping %d ticks (sample asset=%d ts=%s price=%f): %v",
			len(deduped), deduped[0].AssetID, deduped[0].Ts.Format(time.RFC3339), deduped[0].Price, err)
		return
	}

	logx.Infof("ingest: flushed %d ticks (%d raw)", len(deduped), len(batch))
	p.republish(ctx, deduped)
}

// republish pushes flushed ticks to the fanout channel and refreshes the
// latest-price cache. Both are best-effort; a full channel drops the update
// rather than blocking the flush path.
func (p *Pipeline) republish(ctx context.Context, ticks []model.Tick) {
	for _, t := range ticks {
		symbol, ok := p.resolver.SymbolFor(t.AssetID)
		if !ok {
			continue
		}
		update := PriceUpdate{
			Symbol:    symbol,
			Price:     t.Price,
			Volume:    t.Volume,
			Timestamp: t.Ts.UnixMilli(),
		}
		select {
		case p.out <- update:
		default:
			logx.Slowf("ingest: fanout channel full, dropping update for %s", symbol)
		}
		p.cacheLatest(ctx, update)
	}
}

func (p *Pipeline) cacheLatest(ctx context.Context, update PriceUpdate) {
	if p.rds == nil {
		return
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	ttl := int(cache.PriceTTL(p.ttl) / time.Second)
	if ttl <= 0 {
		return
	}
	key := cache.PriceLatestKey(update.Symbol)
	if err := p.rds.SetexCtx(ctx, key, string(payload), ttl); err != nil {
		logx.Errorf("ingest: cache latest price key=%s err=%v", key, err)
	}
}
