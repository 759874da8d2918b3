// Package model implements the storage layer: raw-SQL access to the assets
// table, the ticks hypertable, the per-timeframe candle aggregates, and the
// storage telemetry views consumed by the health monitor.
package model

import (
	"database/sql"
	"errors"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = sqlx.ErrNotFound

// IsNotFound reports whether err is a no-rows condition from any layer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// AssetStatus tracks the per-asset sync health written by every cycle.
type AssetStatus string

const (
	AssetStatusOK      AssetStatus = "OK"
	AssetStatusError   AssetStatus = "ERROR"
	AssetStatusInvalid AssetStatus = "INVALID"
)

// AssetType classifies the instrument; it selects the backfill failover chain.
type AssetType string

const (
	AssetTypeCrypto    AssetType = "crypto"
	AssetTypeStock     AssetType = "stock"
	AssetTypeIndex     AssetType = "index"
	AssetTypeForex     AssetType = "forex"
	AssetTypeCommodity AssetType = "commodity"
)

// Asset is a tracked instrument. Symbol is the natural unique key; rows are
// never hard-deleted, only flagged via Status.
type Asset struct {
	ID             int64          `db:"id"`
	Symbol         string         `db:"symbol"`
	Exchange       string         `db:"exchange"`
	AssetType      AssetType      `db:"asset_type"`
	Currency       string         `db:"currency"`
	Status         AssetStatus    `db:"status"`
	Metadata       sql.NullString `db:"metadata"`
	LastFetched    sql.NullTime   `db:"last_fetched"`
	LastFetchError sql.NullString `db:"last_fetch_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Tick is one trade observation, unique on (AssetID, Ts).
type Tick struct {
	AssetID int64     `db:"asset_id"`
	Ts      time.Time `db:"ts"`
	Price   float64   `db:"price"`
	Volume  float64   `db:"volume"`
}

// Candle is an OHLCV bucket; Ts is the bucket start.
type Candle struct {
	AssetID int64     `db:"asset_id"`
	Ts      time.Time `db:"ts"`
	Open    float64   `db:"open"`
	High    float64   `db:"high"`
	Low     float64   `db:"low"`
	Close   float64   `db:"close"`
	Volume  float64   `db:"volume"`
}
