package ingest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/collection"
	"github.com/zeromicro/go-zero/core/logx"

	"marketdata-api/internal/model"
)

// negativeEntry marks a symbol known to be absent so repeated unknown-symbol
// lookups do not hammer the database.
type negativeEntry struct{}

// symbolResolver maps feed symbols to asset ids through an in-process TTL
// cache with negative caching. It also keeps the reverse id->symbol mapping
// so flushed ticks can be republished under their feed symbol.
type symbolResolver struct {
	assets      model.AssetsModel
	cache       *collection.Cache
	negativeTTL time.Duration

	mu      sync.RWMutex
	symbols map[int64]string
}

func newSymbolResolver(assets model.AssetsModel, negativeTTL time.Duration) (*symbolResolver, error) {
	// Positive entries can live long: asset ids are stable.
	c, err := collection.NewCache(time.Hour, collection.WithName("symbol-asset"))
	if err != nil {
		return nil, err
	}
	return &symbolResolver{
		assets:      assets,
		cache:       c,
		negativeTTL: negativeTTL,
		symbols:     make(map[int64]string),
	}, nil
}

// Resolve returns the asset id for a feed symbol, or (0, false) for symbols
// not tracked. Unknown symbols are negative-cached for the configured TTL.
func (r *symbolResolver) Resolve(ctx context.Context, symbol string) (int64, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return 0, false
	}
	if v, ok := r.cache.Get(key); ok {
		if id, isID := v.(int64); isID {
			return id, true
		}
		return 0, false
	}

	asset, err := r.assets.FindBySymbol(ctx, key)
	if err != nil {
		if model.IsNotFound(err) {
			r.cache.SetWithExpire(key, negativeEntry{}, r.negativeTTL)
			return 0, false
		}
		// Transient lookup failure: do not poison the cache.
		logx.Errorf("ingest: resolve symbol %s: %v", key, err)
		return 0, false
	}
	r.cache.Set(key, asset.ID)
	r.mu.Lock()
	r.symbols[asset.ID] = key
	r.mu.Unlock()
	return asset.ID, true
}

// SymbolFor returns the feed symbol previously resolved for an asset id.
func (r *symbolResolver) SymbolFor(assetID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbol, ok := r.symbols[assetID]
	return symbol, ok
}
