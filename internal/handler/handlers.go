// Package handler exposes the query API over go-zero's rest server.
package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/rest/httpx"

	"marketdata-api/internal/candles"
	"marketdata-api/internal/fanout"
	"marketdata-api/internal/health"
	"marketdata-api/internal/model"
	"marketdata-api/pkg/failover"
	"marketdata-api/pkg/timeframe"
)

// Dependencies carries the services the API routes answer from.
type Dependencies struct {
	Candles *candles.Service
	Hub     *fanout.Hub
	Monitor *health.Monitor
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case model.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, failover.ErrAllProvidersDown):
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJsonCtx(r.Context(), w, status, errorBody{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteJsonCtx(r.Context(), w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

type priceReq struct {
	Symbol string `path:"symbol"`
}

func priceHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req priceReq
		if err := httpx.Parse(r, &req); err != nil {
			badRequest(w, r, err)
			return
		}
		price, err := deps.Candles.LatestPrice(r.Context(), req.Symbol)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, price)
	}
}

type candlesReq struct {
	Symbol    string `path:"symbol"`
	Timeframe string `form:"timeframe,default=1h"`
	// Start and End are unix milliseconds; zero means unset.
	Start int64 `form:"start,optional"`
	End   int64 `form:"end,optional"`
	Limit int   `form:"limit,default=500"`
}

func candlesHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req candlesReq
		if err := httpx.Parse(r, &req); err != nil {
			badRequest(w, r, err)
			return
		}
		tf, err := timeframe.Parse(req.Timeframe)
		if err != nil {
			badRequest(w, r, err)
			return
		}
		q := candles.Query{Symbol: req.Symbol, Timeframe: tf, Limit: req.Limit}
		if req.Start > 0 {
			q.Start = time.UnixMilli(req.Start).UTC()
		}
		if req.End > 0 {
			q.End = time.UnixMilli(req.End).UTC()
		}
		series, err := deps.Candles.Candles(r.Context(), q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, series)
	}
}

type tickersReq struct {
	Symbols string `form:"symbols"`
}

func tickersHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tickersReq
		if err := httpx.Parse(r, &req); err != nil {
			badRequest(w, r, err)
			return
		}
		symbols := splitSymbols(req.Symbols)
		if len(symbols) == 0 {
			badRequest(w, r, errors.New("symbols is required"))
			return
		}
		tickers, err := deps.Candles.TickersBulk(r.Context(), symbols)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, tickers)
	}
}

type moversReq struct {
	Type      string `form:"type,default=gain"`
	AssetType string `form:"asset_type,optional"`
	Limit     int    `form:"limit,default=10"`
}

func moversHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req moversReq
		if err := httpx.Parse(r, &req); err != nil {
			badRequest(w, r, err)
			return
		}
		dimension, err := candles.ParseMoverDimension(req.Type)
		if err != nil {
			badRequest(w, r, err)
			return
		}
		movers, err := deps.Candles.MarketMovers(r.Context(), dimension, model.AssetType(req.AssetType), req.Limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, movers)
	}
}

func healthHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := deps.Monitor.Snapshot()
		status := http.StatusOK
		if snap.Status == health.SeverityCritical {
			status = http.StatusServiceUnavailable
		}
		httpx.WriteJsonCtx(r.Context(), w, status, snap)
	}
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
