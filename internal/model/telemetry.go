package model

import (
	"context"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// TelemetryModel reads TimescaleDB metadata for the health monitor. All
// queries are read-only and best-effort; a failing view never blocks the
// ingest path.
type TelemetryModel interface {
	CompressionStats(ctx context.Context) (*CompressionStats, error)
	AggregateLags(ctx context.Context) ([]AggregateLag, error)
	JobStats(ctx context.Context) ([]JobStat, error)
	StalenessByAssetType(ctx context.Context) ([]TypeStaleness, error)
}

// CompressionStats summarises chunk compression across the ticks hypertable.
type CompressionStats struct {
	TotalChunks      int64   `db:"total_chunks"`
	CompressedChunks int64   `db:"compressed_chunks"`
	CompressionRatio float64 `db:"compression_ratio"`
}

// AggregateLag is the refresh lag of one continuous aggregate.
type AggregateLag struct {
	ViewName   string        `db:"view_name"`
	LagSeconds float64       `db:"lag_seconds"`
	Lag        time.Duration `db:"-"`
}

// JobStat summarises one background job's failure history.
type JobStat struct {
	JobID         int64  `db:"job_id"`
	Application   string `db:"application"`
	TotalRuns     int64  `db:"total_runs"`
	TotalFailures int64  `db:"total_failures"`
}

// TypeStaleness is the per-asset-type maximum data age.
type TypeStaleness struct {
	AssetType       string  `db:"asset_type"`
	Assets          int64   `db:"assets"`
	MaxAgeSeconds   float64 `db:"max_age_seconds"`
	NeverFetchedCnt int64   `db:"never_fetched"`
}

type defaultTelemetryModel struct {
	conn sqlx.SqlConn
}

// NewTelemetryModel returns a model over the Timescale metadata views.
func NewTelemetryModel(conn sqlx.SqlConn) TelemetryModel {
	return &defaultTelemetryModel{conn: conn}
}

func (m *defaultTelemetryModel) CompressionStats(ctx context.Context) (*CompressionStats, error) {
	query := `
SELECT COUNT(*) AS total_chunks,
       COUNT(*) FILTER (WHERE is_compressed) AS compressed_chunks,
       CASE WHEN COUNT(*) = 0 THEN 0
            ELSE COUNT(*) FILTER (WHERE is_compressed)::float / COUNT(*) END AS compression_ratio
FROM timescaledb_information.chunks
WHERE hypertable_name = 'ticks';`
	var stats CompressionStats
	if err := m.conn.QueryRowCtx(ctx, &stats, query); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (m *defaultTelemetryModel) AggregateLags(ctx context.Context) ([]AggregateLag, error) {
	query := `
SELECT view_name,
       EXTRACT(EPOCH FROM (NOW() - COALESCE(watermark, NOW()))) AS lag_seconds
FROM timescaledb_information.continuous_aggregates ca
LEFT JOIN LATERAL (
    SELECT _timescaledb_functions.to_timestamp(
        _timescaledb_functions.cagg_watermark(ca.materialization_hypertable_id)
    ) AS watermark
) w ON true
WHERE ca.view_name LIKE 'candles_%';`
	var lags []AggregateLag
	if err := m.conn.QueryRowsCtx(ctx, &lags, query); err != nil {
		return nil, err
	}
	for i := range lags {
		lags[i].Lag = time.Duration(lags[i].LagSeconds * float64(time.Second))
	}
	return lags, nil
}

func (m *defaultTelemetryModel) JobStats(ctx context.Context) ([]JobStat, error) {
	query := `
SELECT js.job_id,
       j.application_name AS application,
       js.total_runs,
       js.total_failures
FROM timescaledb_information.job_stats js
JOIN timescaledb_information.jobs j USING (job_id);`
	var stats []JobStat
	if err := m.conn.QueryRowsCtx(ctx, &stats, query); err != nil {
		return nil, err
	}
	return stats, nil
}

func (m *defaultTelemetryModel) StalenessByAssetType(ctx context.Context) ([]TypeStaleness, error) {
	query := `
SELECT a.asset_type,
       COUNT(*) AS assets,
       COALESCE(EXTRACT(EPOCH FROM MAX(NOW() - a.last_fetched)), 0) AS max_age_seconds,
       COUNT(*) FILTER (WHERE a.last_fetched IS NULL) AS never_fetched
FROM assets a
WHERE a.status != 'INVALID'
GROUP BY a.asset_type;`
	var rows []TypeStaleness
	if err := m.conn.QueryRowsCtx(ctx, &rows, query); err != nil {
		return nil, err
	}
	return rows, nil
}
