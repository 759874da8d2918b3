package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// AssetsModel is the storage contract for the assets table.
type AssetsModel interface {
	FindBySymbol(ctx context.Context, symbol string) (*Asset, error)
	List(ctx context.Context, assetType AssetType) ([]Asset, error)
	Upsert(ctx context.Context, asset *Asset) (int64, error)
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, status AssetStatus, reason string) error
}

type defaultAssetsModel struct {
	conn sqlx.SqlConn
}

// NewAssetsModel returns a model for the assets table.
func NewAssetsModel(conn sqlx.SqlConn) AssetsModel {
	return &defaultAssetsModel{conn: conn}
}

const assetColumns = "id, symbol, exchange, asset_type, currency, status, metadata, last_fetched, last_fetch_error, created_at, updated_at"

func (m *defaultAssetsModel) FindBySymbol(ctx context.Context, symbol string) (*Asset, error) {
	query := fmt.Sprintf("SELECT %s FROM assets WHERE symbol = $1 LIMIT 1", assetColumns)
	var asset Asset
	err := m.conn.QueryRowCtx(ctx, &asset, query, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// List returns tracked assets, optionally filtered by type. INVALID assets are
// excluded: they are skipped until an operator re-enables them.
func (m *defaultAssetsModel) List(ctx context.Context, assetType AssetType) ([]Asset, error) {
	var assets []Asset
	var err error
	if assetType == "" {
		query := fmt.Sprintf("SELECT %s FROM assets WHERE status != 'INVALID' ORDER BY symbol", assetColumns)
		err = m.conn.QueryRowsCtx(ctx, &assets, query)
	} else {
		query := fmt.Sprintf("SELECT %s FROM assets WHERE status != 'INVALID' AND asset_type = $1 ORDER BY symbol", assetColumns)
		err = m.conn.QueryRowsCtx(ctx, &assets, query, string(assetType))
	}
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// Upsert creates the asset or refreshes its static metadata, returning the id.
func (m *defaultAssetsModel) Upsert(ctx context.Context, asset *Asset) (int64, error) {
	stmt := `
INSERT INTO assets (symbol, exchange, asset_type, currency, status, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
ON CONFLICT (symbol) DO UPDATE SET
    exchange = EXCLUDED.exchange,
    asset_type = EXCLUDED.asset_type,
    currency = EXCLUDED.currency,
    metadata = EXCLUDED.metadata,
    updated_at = NOW()
RETURNING id;`
	status := asset.Status
	if status == "" {
		status = AssetStatusOK
	}
	var id int64
	err := m.conn.QueryRowCtx(ctx, &id, stmt,
		strings.ToUpper(strings.TrimSpace(asset.Symbol)),
		asset.Exchange,
		string(asset.AssetType),
		asset.Currency,
		string(status),
		asset.Metadata,
	)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// MarkSynced records a successful sync cycle and clears any stored error.
func (m *defaultAssetsModel) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	stmt := `
UPDATE assets SET status = 'OK', last_fetched = $2, last_fetch_error = NULL, updated_at = NOW()
WHERE id = $1;`
	_, err := m.conn.ExecCtx(ctx, stmt, id, at.UTC())
	return err
}

// MarkFailed stores the degraded status and the reason; the asset is skipped
// until the next scheduled cycle.
func (m *defaultAssetsModel) MarkFailed(ctx context.Context, id int64, status AssetStatus, reason string) error {
	stmt := `
UPDATE assets SET status = $2, last_fetch_error = $3, updated_at = NOW()
WHERE id = $1;`
	_, err := m.conn.ExecCtx(ctx, stmt, id, string(status), reason)
	return err
}
