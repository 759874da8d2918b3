package svc

import (
	"database/sql"
	"log"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"marketdata-api/internal/cache"
	"marketdata-api/internal/config"
	"marketdata-api/internal/model"
	"marketdata-api/pkg/failover"
	"marketdata-api/pkg/provider"
)

// ServiceContext wires storage, cache, providers and the shared failover
// tracker for the binaries.
type ServiceContext struct {
	Config config.Config

	DBConn         sqlx.SqlConn
	AssetsModel    model.AssetsModel
	TicksModel     model.TicksModel
	CandlesModel   model.CandlesModel
	TelemetryModel model.TelemetryModel

	Redis *redis.Redis
	TTL   cache.TTLSet

	Providers map[string]provider.Provider
	Tracker   *failover.Tracker
	// Chains maps asset class -> ordered failover chain used by backfill.
	Chains map[string]*failover.Chain
}

// NewServiceContext builds the shared dependency graph. Postgres is required;
// redis and providers are optional and leave their fields nil when absent.
func NewServiceContext(c config.Config) *ServiceContext {
	svc := &ServiceContext{
		Config:  c,
		TTL:     cache.NewTTLSet(c.TTL.Short, c.TTL.Medium, c.TTL.Long),
		Tracker: failover.NewTracker(),
		Chains:  make(map[string]*failover.Chain),
	}

	if c.Postgres.DSN == "" {
		log.Fatal("config: postgres.dsn is required")
	}
	db, err := sql.Open("pgx", c.Postgres.DSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	db.SetMaxOpenConns(c.Postgres.MaxOpen)
	db.SetMaxIdleConns(c.Postgres.MaxIdle)
	conn := sqlx.NewSqlConnFromDB(db)
	svc.DBConn = conn
	svc.AssetsModel = model.NewAssetsModel(conn)
	svc.TicksModel = model.NewTicksModel(conn)
	svc.CandlesModel = model.NewCandlesModel(conn)
	svc.TelemetryModel = model.NewTelemetryModel(conn)

	if strings.TrimSpace(c.Redis.Host) != "" {
		svc.Redis = redis.MustNewRedis(c.Redis)
	}

	if c.Providers.Value != nil {
		built, err := c.Providers.Value.BuildProviders()
		if err != nil {
			log.Fatalf("failed to build providers: %v", err)
		}
		svc.Providers = built
		for class := range c.Providers.Value.Chains {
			members := c.Providers.Value.ChainFor(class, built)
			if len(members) == 0 {
				continue
			}
			svc.Chains[class] = failover.NewChain(svc.Tracker, members...)
		}
	}

	return svc
}

// ChainForAssetType resolves the failover chain for an asset class; nil when
// no chain is configured for it.
func (s *ServiceContext) ChainForAssetType(t model.AssetType) *failover.Chain {
	return s.Chains[string(t)]
}
