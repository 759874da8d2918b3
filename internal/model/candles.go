package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"marketdata-api/pkg/timeframe"
)

// Fine timeframes are TimescaleDB continuous aggregates over ticks and are
// read-only to the application; the daily table is also written directly by
// backfill.
var candleTables = map[timeframe.Timeframe]string{
	timeframe.M1:  "candles_1m",
	timeframe.M5:  "candles_5m",
	timeframe.M15: "candles_15m",
	timeframe.H1:  "candles_1h",
	timeframe.H4:  "candles_4h",
	timeframe.D1:  "candles_1d",
}

// CandlesModel is the storage contract for the per-timeframe aggregates.
type CandlesModel interface {
	// ListDesc returns candles newest-first within (start, end], capped at
	// limit. Newest-first matches the (asset_id, ts DESC) index; callers
	// reverse in memory when they need ascending order.
	ListDesc(ctx context.Context, assetID int64, tf timeframe.Timeframe, start, end time.Time, limit int) ([]Candle, error)
	// UpsertDaily writes backfilled daily bars. Unlike ticks, a re-fetched
	// daily bar fully replaces the stored row, keeping re-fetches idempotent.
	UpsertDaily(ctx context.Context, candles []Candle) error
	LatestDaily(ctx context.Context, assetID int64) (*Candle, error)
}

type defaultCandlesModel struct {
	conn sqlx.SqlConn
}

// NewCandlesModel returns a model for the candle aggregates.
func NewCandlesModel(conn sqlx.SqlConn) CandlesModel {
	return &defaultCandlesModel{conn: conn}
}

func (m *defaultCandlesModel) ListDesc(ctx context.Context, assetID int64, tf timeframe.Timeframe, start, end time.Time, limit int) ([]Candle, error) {
	table, ok := candleTables[tf]
	if !ok {
		return nil, fmt.Errorf("model: no candle table for timeframe %s", tf)
	}
	query := fmt.Sprintf(`
SELECT asset_id, ts, open, high, low, close, volume
FROM %s
WHERE asset_id = $1 AND ts > $2 AND ts <= $3
ORDER BY ts DESC
LIMIT $4;`, table)
	var candles []Candle
	if err := m.conn.QueryRowsCtx(ctx, &candles, query, assetID, start.UTC(), end.UTC(), limit); err != nil {
		return nil, err
	}
	return candles, nil
}

// BuildDailyUpsert renders the multi-row daily upsert; exported for the same
// reason as BuildTickUpsert.
func BuildDailyUpsert(candles []Candle) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO candles_1d (asset_id, ts, open, high, low, close, volume) VALUES ")
	args := make([]interface{}, 0, len(candles)*7)
	for i, c := range candles {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, c.AssetID, c.Ts.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	sb.WriteString(`
ON CONFLICT (asset_id, ts) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume;`)
	return sb.String(), args
}

func (m *defaultCandlesModel) UpsertDaily(ctx context.Context, candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}
	stmt, args := BuildDailyUpsert(candles)
	_, err := m.conn.ExecCtx(ctx, stmt, args...)
	return err
}

func (m *defaultCandlesModel) LatestDaily(ctx context.Context, assetID int64) (*Candle, error) {
	query := `SELECT asset_id, ts, open, high, low, close, volume FROM candles_1d WHERE asset_id = $1 ORDER BY ts DESC LIMIT 1`
	var candle Candle
	if err := m.conn.QueryRowCtx(ctx, &candle, query, assetID); err != nil {
		return nil, err
	}
	return &candle, nil
}
