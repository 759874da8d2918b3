package cache

import (
	"strings"
	"time"

	"marketdata-api/pkg/timeframe"
)

// Namespace is the Redis key prefix for the market data service.
const Namespace = "mkt"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts TTL seconds into durations, applying defaults for zeros.
func NewTTLSet(short, medium, long int) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(short, 10*time.Second),
		Medium: durationOrDefault(medium, time.Minute),
		Long:   durationOrDefault(long, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// --- Price & Candle Keys ----------------------------------------------------

// PriceLatestKey holds the most recent tick payload {price, volume, ts}.
func PriceLatestKey(symbol string) string {
	return formatKey("price", "latest", strings.ToUpper(symbol))
}

// CandleSeriesKey holds a full default-window candle series for one
// symbol/timeframe pair. Explicit-range queries are never cached here.
func CandleSeriesKey(symbol string, tf timeframe.Timeframe) string {
	return formatKey("candles", strings.ToUpper(symbol), tf.String())
}

// TickerStatsKey holds the 24h ticker summary for one symbol.
func TickerStatsKey(symbol string) string {
	return formatKey("ticker", strings.ToUpper(symbol))
}

// --- TTL Helpers ------------------------------------------------------------

// PriceTTL returns the short-lived TTL for latest-price keys.
func PriceTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLShort)
}

// TickerStatsTTL returns the TTL for 24h ticker summaries.
func TickerStatsTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLMedium)
}

// CandleSeriesTTL scales with timeframe granularity: short bars expire fast,
// daily series are safe for half an hour.
func CandleSeriesTTL(tf timeframe.Timeframe) time.Duration {
	return tf.CacheTTL()
}
