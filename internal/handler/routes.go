package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"marketdata-api/internal/fanout"
)

// RegisterHandlers mounts the query API and the fanout websocket.
func RegisterHandlers(server *rest.Server, deps Dependencies) {
	server.AddRoutes([]rest.Route{
		{
			Method:  http.MethodGet,
			Path:    "/api/v1/prices/:symbol",
			Handler: priceHandler(deps),
		},
		{
			Method:  http.MethodGet,
			Path:    "/api/v1/candles/:symbol",
			Handler: candlesHandler(deps),
		},
		{
			Method:  http.MethodGet,
			Path:    "/api/v1/tickers",
			Handler: tickersHandler(deps),
		},
		{
			Method:  http.MethodGet,
			Path:    "/api/v1/movers",
			Handler: moversHandler(deps),
		},
		{
			Method:  http.MethodGet,
			Path:    "/health",
			Handler: healthHandler(deps),
		},
	})

	// The websocket route must outlive the default request timeout.
	server.AddRoutes([]rest.Route{
		{
			Method:  http.MethodGet,
			Path:    "/ws",
			Handler: fanout.Handler(deps.Hub),
		},
	}, rest.WithTimeout(0))
}
