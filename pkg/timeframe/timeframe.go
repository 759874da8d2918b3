// Package timeframe defines the candle timeframes served by the API and the
// bucketing, lookback and cache policies attached to each of them.
package timeframe

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies a candle bucket width.
type Timeframe string

const (
	M1  Timeframe = "1m"
	M5  Timeframe = "5m"
	M15 Timeframe = "15m"
	H1  Timeframe = "1h"
	H4  Timeframe = "4h"
	D1  Timeframe = "1d"
)

// All lists supported timeframes from finest to coarsest.
var All = []Timeframe{M1, M5, M15, H1, H4, D1}

var durations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
}

// Default lookback windows when the caller supplies no explicit range. Coarser
// bars get wider windows so a chart always has enough history to draw.
var lookbacks = map[Timeframe]time.Duration{
	M1:  24 * time.Hour,
	M5:  3 * 24 * time.Hour,
	M15: 7 * 24 * time.Hour,
	H1:  30 * 24 * time.Hour,
	H4:  90 * 24 * time.Hour,
	D1:  365 * 24 * time.Hour,
}

// Cache TTLs scale down with granularity: a 1m series goes stale within
// seconds, a daily series is safe to hold for half an hour.
var cacheTTLs = map[Timeframe]time.Duration{
	M1:  30 * time.Second,
	M5:  time.Minute,
	M15: 3 * time.Minute,
	H1:  5 * time.Minute,
	H4:  15 * time.Minute,
	D1:  30 * time.Minute,
}

// Parse validates a user-supplied timeframe string.
func Parse(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := durations[tf]; !ok {
		return "", fmt.Errorf("timeframe: unsupported value %q", s)
	}
	return tf, nil
}

// Duration returns the bucket width.
func (tf Timeframe) Duration() time.Duration {
	return durations[tf]
}

// Minutes returns the bucket width in whole minutes.
func (tf Timeframe) Minutes() int {
	return int(durations[tf] / time.Minute)
}

// BucketStart truncates t to the start of its bucket, in UTC.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(durations[tf])
}

// Closed reports whether the bucket starting at ts has fully elapsed at now.
// Only closed buckets are safe to serve: an open bucket's OHLC still changes.
func (tf Timeframe) Closed(ts, now time.Time) bool {
	return !now.Before(ts.Add(durations[tf]))
}

// DefaultLookback returns the window queried when no explicit range is given.
func (tf Timeframe) DefaultLookback() time.Duration {
	return lookbacks[tf]
}

// CacheTTL returns how long a cached series for this timeframe stays valid.
func (tf Timeframe) CacheTTL() time.Duration {
	return cacheTTLs[tf]
}

func (tf Timeframe) String() string {
	return string(tf)
}
