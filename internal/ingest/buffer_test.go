package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-api/internal/model"
)

func TestDedupMergeSameKey(t *testing.T) {
	ts := time.UnixMilli(1000).UTC()
	// Two trades for the same (asset, ts) in one window: last price wins,
	// volumes sum.
	batch := []model.Tick{
		{AssetID: 1, Ts: ts, Price: 50000, Volume: 0.01},
		{AssetID: 1, Ts: ts, Price: 50010, Volume: 0.02},
	}
	merged := DedupMerge(batch)
	require.Len(t, merged, 1)
	assert.Equal(t, 50010.0, merged[0].Price)
	assert.InDelta(t, 0.03, merged[0].Volume, 1e-12)
}

func TestDedupMergePreservesDistinctKeys(t *testing.T) {
	ts := time.UnixMilli(1000).UTC()
	batch := []model.Tick{
		{AssetID: 1, Ts: ts, Price: 100, Volume: 1},
		{AssetID: 2, Ts: ts, Price: 200, Volume: 2},
		{AssetID: 1, Ts: ts.Add(time.Millisecond), Price: 101, Volume: 3},
		{AssetID: 1, Ts: ts, Price: 102, Volume: 4},
	}
	merged := DedupMerge(batch)
	require.Len(t, merged, 3, "distinct (asset, ts) keys must survive")

	// First-seen order is preserved; the duplicate folded into its slot.
	assert.Equal(t, int64(1), merged[0].AssetID)
	assert.Equal(t, 102.0, merged[0].Price)
	assert.Equal(t, 5.0, merged[0].Volume)
	assert.Equal(t, int64(2), merged[1].AssetID)
	assert.Equal(t, int64(1), merged[2].AssetID)
	assert.Equal(t, 3.0, merged[2].Volume)
}

func TestBufferDrainRemovesEverything(t *testing.T) {
	b := newBuffer(8)
	b.Add(model.Tick{AssetID: 1, Ts: time.Now(), Price: 1, Volume: 1})
	b.Add(model.Tick{AssetID: 2, Ts: time.Now(), Price: 2, Volume: 2})

	first := b.Drain()
	assert.Len(t, first, 2)
	assert.Zero(t, b.Len(), "drain must empty the buffer")
	assert.Nil(t, b.Drain(), "second drain sees nothing to replay")
}
