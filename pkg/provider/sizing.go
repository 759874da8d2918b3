package provider

import (
	"math"
	"time"

	"marketdata-api/pkg/timeframe"
)

// sizingSafetyMargin over-fetches by 10% so clock drift or a slow cycle does
// not leave a sliver of missing bars between backfill runs.
const sizingSafetyMargin = 1.1

// GapNoData is the sentinel for assets that have never been ingested.
const GapNoData = time.Duration(-1)

// CandlesNeeded maps a staleness gap to a bar count for page-limited
// providers. The result is monotonic in gap and capped at pageLimit; a no-data
// gap maps to the full page.
func CandlesNeeded(gap time.Duration, interval timeframe.Timeframe, pageLimit int) int {
	if gap == GapNoData {
		return pageLimit
	}
	if gap <= 0 {
		return 0
	}
	gapMinutes := gap.Minutes()
	need := int(math.Ceil(gapMinutes / float64(interval.Minutes()) * sizingSafetyMargin))
	if need > pageLimit {
		return pageLimit
	}
	return need
}

// rangeThreshold maps an upper gap bound (exclusive) to a vendor range bucket.
// Entries must stay ascending; RangeForGap picks the first bucket that covers
// the gap.
var rangeThresholds = []struct {
	below  time.Duration
	bucket string
}{
	{24 * time.Hour, "1d"},
	{5 * 24 * time.Hour, "5d"},
	{30 * 24 * time.Hour, "1mo"},
	{90 * 24 * time.Hour, "3mo"},
	{180 * 24 * time.Hour, "6mo"},
}

// bootstrapRange covers assets with no data at all.
const bootstrapRange = "1y"

// RangeForGap maps a staleness gap to the smallest symbolic range bucket that
// covers it, for range-limited providers.
func RangeForGap(gap time.Duration) string {
	if gap == GapNoData {
		return bootstrapRange
	}
	for _, t := range rangeThresholds {
		if gap < t.below {
			return t.bucket
		}
	}
	return bootstrapRange
}

// HintFor builds the fetch hint appropriate to the provider's kind.
func HintFor(p Provider, gap time.Duration, interval timeframe.Timeframe) SizeHint {
	if p.Kind() == KindRange {
		return SizeHint{Range: RangeForGap(gap)}
	}
	return SizeHint{Bars: CandlesNeeded(gap, interval, p.PageLimit())}
}
