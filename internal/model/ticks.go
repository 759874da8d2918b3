package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// TicksModel is the storage contract for the ticks hypertable.
type TicksModel interface {
	// BulkUpsert writes one flush batch in a single statement. The conflict
	// action merges duplicate trades: price is overwritten by the incoming
	// row, volume accumulates on top of the stored value.
	BulkUpsert(ctx context.Context, ticks []Tick) error
	// BulkReplace writes backfilled ticks. Unlike BulkUpsert, a conflicting
	// row is fully replaced, so overlapping re-fetches stay idempotent.
	BulkReplace(ctx context.Context, ticks []Tick) error
	Latest(ctx context.Context, assetID int64) (*Tick, error)
	LastTs(ctx context.Context, assetID int64) (time.Time, error)
	// WindowStats aggregates high/low/volume over [since, now] for ticker
	// summaries.
	WindowStats(ctx context.Context, assetID int64, since time.Time) (*WindowStats, error)
	// ClosestBefore returns the newest tick at or before the cutoff, used as
	// the 24h reference price.
	ClosestBefore(ctx context.Context, assetID int64, cutoff time.Time) (*Tick, error)
}

// WindowStats summarises tick activity over a lookback window.
type WindowStats struct {
	High   float64 `db:"high"`
	Low    float64 `db:"low"`
	Volume float64 `db:"volume"`
	Count  int64   `db:"count"`
}

type defaultTicksModel struct {
	conn sqlx.SqlConn
}

// NewTicksModel returns a model for the ticks table.
func NewTicksModel(conn sqlx.SqlConn) TicksModel {
	return &defaultTicksModel{conn: conn}
}

// BuildTickUpsert renders the multi-row upsert for a batch. Split out so the
// conflict semantics (overwrite price, accumulate volume) stay pinned by
// tests without a live database.
func BuildTickUpsert(ticks []Tick) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ticks (asset_id, ts, price, volume) VALUES ")
	args := make([]interface{}, 0, len(ticks)*4)
	for i, tk := range ticks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, tk.AssetID, tk.Ts.UTC(), tk.Price, tk.Volume)
	}
	sb.WriteString(`
ON CONFLICT (asset_id, ts) DO UPDATE SET
    price = EXCLUDED.price,
    volume = ticks.volume + EXCLUDED.volume;`)
	return sb.String(), args
}

func (m *defaultTicksModel) BulkUpsert(ctx context.Context, ticks []Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	stmt, args := BuildTickUpsert(ticks)
	_, err := m.conn.ExecCtx(ctx, stmt, args...)
	return err
}

// BuildTickReplace renders the backfill variant of the batch upsert: the
// stored row is overwritten wholesale instead of accumulating volume.
func BuildTickReplace(ticks []Tick) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ticks (asset_id, ts, price, volume) VALUES ")
	args := make([]interface{}, 0, len(ticks)*4)
	for i, tk := range ticks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, tk.AssetID, tk.Ts.UTC(), tk.Price, tk.Volume)
	}
	sb.WriteString(`
ON CONFLICT (asset_id, ts) DO UPDATE SET
    price = EXCLUDED.price,
    volume = EXCLUDED.volume;`)
	return sb.String(), args
}

func (m *defaultTicksModel) BulkReplace(ctx context.Context, ticks []Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	stmt, args := BuildTickReplace(ticks)
	_, err := m.conn.ExecCtx(ctx, stmt, args...)
	return err
}

func (m *defaultTicksModel) Latest(ctx context.Context, assetID int64) (*Tick, error) {
	query := `SELECT asset_id, ts, price, volume FROM ticks WHERE asset_id = $1 ORDER BY ts DESC LIMIT 1`
	var tick Tick
	if err := m.conn.QueryRowCtx(ctx, &tick, query, assetID); err != nil {
		return nil, err
	}
	return &tick, nil
}

func (m *defaultTicksModel) LastTs(ctx context.Context, assetID int64) (time.Time, error) {
	query := `SELECT ts FROM ticks WHERE asset_id = $1 ORDER BY ts DESC LIMIT 1`
	var ts time.Time
	if err := m.conn.QueryRowCtx(ctx, &ts, query, assetID); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (m *defaultTicksModel) WindowStats(ctx context.Context, assetID int64, since time.Time) (*WindowStats, error) {
	query := `
SELECT COALESCE(MAX(price), 0) AS high,
       COALESCE(MIN(price), 0) AS low,
       COALESCE(SUM(volume), 0) AS volume,
       COUNT(*) AS count
FROM ticks WHERE asset_id = $1 AND ts >= $2;`
	var stats WindowStats
	if err := m.conn.QueryRowCtx(ctx, &stats, query, assetID, since.UTC()); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (m *defaultTicksModel) ClosestBefore(ctx context.Context, assetID int64, cutoff time.Time) (*Tick, error) {
	query := `SELECT asset_id, ts, price, volume FROM ticks WHERE asset_id = $1 AND ts <= $2 ORDER BY ts DESC LIMIT 1`
	var tick Tick
	if err := m.conn.QueryRowCtx(ctx, &tick, query, assetID, cutoff.UTC()); err != nil {
		return nil, err
	}
	return &tick, nil
}
