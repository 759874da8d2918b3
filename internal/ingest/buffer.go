package ingest

import (
	"sync"

	"marketdata-api/internal/model"
)

// tickKey identifies a tick row for in-batch dedup.
type tickKey struct {
	assetID int64
	tsUnix  int64
}

// buffer accumulates resolved ticks between flushes. Drain removes everything
// it returns; that drain-on-read discipline is what keeps a flushed batch from
// ever being replayed into the volume-accumulating upsert.
type buffer struct {
	mu    sync.Mutex
	ticks []model.Tick
}

func newBuffer(capacity int) *buffer {
	return &buffer{ticks: make([]model.Tick, 0, capacity)}
}

// Add appends a tick and returns the new length.
func (b *buffer) Add(t model.Tick) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticks = append(b.ticks, t)
	return len(b.ticks)
}

// Len returns the current buffer size.
func (b *buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}

// Drain removes and returns all buffered ticks in arrival order.
func (b *buffer) Drain() []model.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ticks) == 0 {
		return nil
	}
	out := b.ticks
	b.ticks = make([]model.Tick, 0, cap(out))
	return out
}

// DedupMerge collapses same-key ticks within one batch: the last-arriving
// price wins and volumes sum. Resolving duplicates before the INSERT matters
// twice over: Postgres rejects a multi-row upsert that touches the same key
// twice, and the merge must happen exactly once per flush window.
func DedupMerge(ticks []model.Tick) []model.Tick {
	if len(ticks) < 2 {
		return ticks
	}
	index := make(map[tickKey]int, len(ticks))
	out := make([]model.Tick, 0, len(ticks))
	for _, t := range ticks {
		key := tickKey{assetID: t.AssetID, tsUnix: t.Ts.UnixMilli()}
		if i, ok := index[key]; ok {
			out[i].Price = t.Price
			out[i].Volume += t.Volume
			continue
		}
		index[key] = len(out)
		out = append(out, t)
	}
	return out
}
