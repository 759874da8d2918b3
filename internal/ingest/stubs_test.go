package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	icache "marketdata-api/internal/cache"
	"marketdata-api/internal/model"
)

func testTTL() icache.TTLSet {
	return icache.NewTTLSet(10, 60, 300)
}

type stubAssets struct {
	known   map[string]int64
	lookups int
}

func (s *stubAssets) FindBySymbol(_ context.Context, symbol string) (*model.Asset, error) {
	s.lookups++
	id, ok := s.known[strings.ToUpper(symbol)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &model.Asset{ID: id, Symbol: strings.ToUpper(symbol)}, nil
}

func (s *stubAssets) List(context.Context, model.AssetType) ([]model.Asset, error) {
	return nil, nil
}

func (s *stubAssets) Upsert(context.Context, *model.Asset) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubAssets) MarkSynced(context.Context, int64, time.Time) error { return nil }

func (s *stubAssets) MarkFailed(context.Context, int64, model.AssetStatus, string) error {
	return nil
}

type stubTicks struct {
	mu      sync.Mutex
	batches [][]model.Tick
	failN   int
}

func (s *stubTicks) BulkUpsert(_ context.Context, ticks []model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("storage unavailable")
	}
	cp := make([]model.Tick, len(ticks))
	copy(cp, ticks)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *stubTicks) BulkReplace(ctx context.Context, ticks []model.Tick) error {
	return s.BulkUpsert(ctx, ticks)
}

func (s *stubTicks) Latest(context.Context, int64) (*model.Tick, error) {
	return nil, model.ErrNotFound
}

func (s *stubTicks) LastTs(context.Context, int64) (time.Time, error) {
	return time.Time{}, model.ErrNotFound
}

func (s *stubTicks) WindowStats(context.Context, int64, time.Time) (*model.WindowStats, error) {
	return &model.WindowStats{}, nil
}

func (s *stubTicks) ClosestBefore(context.Context, int64, time.Time) (*model.Tick, error) {
	return nil, model.ErrNotFound
}

func (s *stubTicks) flushed() [][]model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}
