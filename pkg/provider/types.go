// Package provider implements the market data vendor adapters used for
// historical backfill: each adapter fetches OHLCV bars or trade ticks for one
// vendor and normalizes them into a common shape.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketdata-api/pkg/timeframe"
)

// Kind describes how a vendor bounds a historical fetch.
type Kind string

const (
	// KindPage providers accept an explicit bar count per request.
	KindPage Kind = "page"
	// KindRange providers accept one of a fixed set of symbolic range buckets.
	KindRange Kind = "range"
)

// Bar is a single normalized OHLCV observation. Open/High/Low may be zero for
// vendors that only expose closing trades; Close and Ts are always set.
type Bar struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// SizeHint bounds a fetch. Exactly one of Bars or Range is set, matching the
// provider's Kind.
type SizeHint struct {
	Bars  int
	Range string
}

// ErrNoData indicates the vendor answered but returned nothing usable.
var ErrNoData = errors.New("provider: no data")

// ErrSymbolNotFound indicates the vendor does not list the requested symbol.
var ErrSymbolNotFound = errors.New("provider: symbol not found")

// FetchError carries vendor context for a failed fetch. Callers treat it as a
// transient failure and decide failover policy; it is never fatal.
type FetchError struct {
	Provider string
	Symbol   string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: fetch %s: http status %d: %v", e.Provider, e.Symbol, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: fetch %s: %v", e.Provider, e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Provider is the adapter contract consumed by the backfill orchestrator.
type Provider interface {
	Name() string
	Kind() Kind
	// PageLimit is the vendor's maximum bar count per request. Range-limited
	// providers return 0.
	PageLimit() int
	// FetchBars returns bars ordered ascending by timestamp. Empty results
	// surface as ErrNoData, vendor failures as *FetchError.
	FetchBars(ctx context.Context, symbol string, interval timeframe.Timeframe, hint SizeHint) ([]Bar, error)
}
