package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketdata-api/internal/model"
	"marketdata-api/pkg/failover"
)

// Threshold tables. A measured value at or past warn degrades the check, at
// or past crit escalates it.
const (
	compressionWarnRatio = 0.5
	compressionCritRatio = 0.2
	minChunksForRatio    = 10

	aggregateLagWarn = 15 * time.Minute
	aggregateLagCrit = time.Hour

	jobFailureWarnRate = 0.1
	jobFailureCritRate = 0.5
	minRunsForRate     = 5
)

// stalenessLimits maps asset type to the maximum acceptable data age. Assets
// that only trade within market hours tolerate much older data.
var stalenessLimits = map[string]time.Duration{
	string(model.AssetTypeCrypto):    30 * time.Minute,
	string(model.AssetTypeStock):     3 * 24 * time.Hour,
	string(model.AssetTypeIndex):     3 * 24 * time.Hour,
	string(model.AssetTypeForex):     3 * 24 * time.Hour,
	string(model.AssetTypeCommodity): 3 * 24 * time.Hour,
}

// CheckResult is one classified check outcome.
type CheckResult struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Snapshot is the monitor's current view, served on /health.
type Snapshot struct {
	Status    Severity         `json:"status"`
	Checks    []CheckResult    `json:"checks"`
	Providers []failover.State `json:"providers"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Monitor runs the storage health checks on a fixed interval and publishes
// degradations through the Alerter.
type Monitor struct {
	telemetry model.TelemetryModel
	tracker   *failover.Tracker
	alerter   *Alerter
	interval  time.Duration
	nowFn     func() time.Time

	mu   sync.RWMutex
	last Snapshot
}

// NewMonitor wires a monitor; tracker may be nil when no providers are
// configured.
func NewMonitor(telemetry model.TelemetryModel, tracker *failover.Tracker, alerter *Alerter, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		telemetry: telemetry,
		tracker:   tracker,
		alerter:   alerter,
		interval:  interval,
		nowFn:     time.Now,
	}
}

// Run drives periodic checks until ctx is cancelled. The first pass runs
// immediately so /health is populated from startup.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// Snapshot returns the latest check results.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// CheckOnce runs every check, stores the snapshot and emits alerts for any
// degraded check.
func (m *Monitor) CheckOnce(ctx context.Context) Snapshot {
	checks := []CheckResult{
		m.checkCompression(ctx),
		m.checkAggregateLag(ctx),
		m.checkJobs(ctx),
		m.checkStaleness(ctx),
	}

	snap := Snapshot{
		Status:    worstOf(checks),
		Checks:    checks,
		CheckedAt: m.nowFn(),
	}
	if m.tracker != nil {
		snap.Providers = m.tracker.Snapshot()
	}

	for _, c := range checks {
		if c.Severity == SeverityHealthy {
			continue
		}
		m.alerter.Emit(c.Severity, c.Name, c.Detail, "health:"+c.Name)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	logx.Infof("health: check complete status=%s", snap.Status)
	return snap
}

func worstOf(checks []CheckResult) Severity {
	worst := SeverityHealthy
	for _, c := range checks {
		if c.Severity == SeverityCritical {
			return SeverityCritical
		}
		if c.Severity == SeverityWarning {
			worst = SeverityWarning
		}
	}
	return worst
}

// checkCompression flags hypertables whose older chunks are not getting
// compressed. Small tables are exempt; ratios are meaningless at low counts.
func (m *Monitor) checkCompression(ctx context.Context) CheckResult {
	stats, err := m.telemetry.CompressionStats(ctx)
	if err != nil {
		return telemetryFailure("compression", err)
	}
	result := CheckResult{
		Name:     "compression",
		Severity: SeverityHealthy,
		Detail:   fmt.Sprintf("%d/%d chunks compressed", stats.CompressedChunks, stats.TotalChunks),
	}
	if stats.TotalChunks < minChunksForRatio {
		return result
	}
	switch {
	case stats.CompressionRatio < compressionCritRatio:
		result.Severity = SeverityCritical
		result.Detail = fmt.Sprintf("compression ratio %.2f below %.2f", stats.CompressionRatio, compressionCritRatio)
	case stats.CompressionRatio < compressionWarnRatio:
		result.Severity = SeverityWarning
		result.Detail = fmt.Sprintf("compression ratio %.2f below %.2f", stats.CompressionRatio, compressionWarnRatio)
	}
	return result
}

func (m *Monitor) checkAggregateLag(ctx context.Context) CheckResult {
	lags, err := m.telemetry.AggregateLags(ctx)
	if err != nil {
		return telemetryFailure("aggregate_lag", err)
	}
	result := CheckResult{Name: "aggregate_lag", Severity: SeverityHealthy, Detail: "all aggregates fresh"}
	var worstView string
	var worstLag time.Duration
	for _, lag := range lags {
		if lag.Lag > worstLag {
			worstLag = lag.Lag
			worstView = lag.ViewName
		}
	}
	switch {
	case worstLag >= aggregateLagCrit:
		result.Severity = SeverityCritical
	case worstLag >= aggregateLagWarn:
		result.Severity = SeverityWarning
	}
	if result.Severity != SeverityHealthy {
		result.Detail = fmt.Sprintf("%s lags %s behind", worstView, worstLag.Round(time.Second))
	}
	return result
}

func (m *Monitor) checkJobs(ctx context.Context) CheckResult {
	stats, err := m.telemetry.JobStats(ctx)
	if err != nil {
		return telemetryFailure("jobs", err)
	}
	result := CheckResult{Name: "jobs", Severity: SeverityHealthy, Detail: "background jobs healthy"}
	for _, job := range stats {
		if job.TotalRuns < minRunsForRate {
			continue
		}
		rate := float64(job.TotalFailures) / float64(job.TotalRuns)
		severity := SeverityHealthy
		switch {
		case rate >= jobFailureCritRate:
			severity = SeverityCritical
		case rate >= jobFailureWarnRate:
			severity = SeverityWarning
		}
		if severityRank(severity) > severityRank(result.Severity) {
			result.Severity = severity
			result.Detail = fmt.Sprintf("job %d (%s) failing %.0f%% of runs", job.JobID, job.Application, rate*100)
		}
	}
	return result
}

func (m *Monitor) checkStaleness(ctx context.Context) CheckResult {
	rows, err := m.telemetry.StalenessByAssetType(ctx)
	if err != nil {
		return telemetryFailure("staleness", err)
	}
	result := CheckResult{Name: "staleness", Severity: SeverityHealthy, Detail: "all asset types current"}
	for _, row := range rows {
		limit, ok := stalenessLimits[row.AssetType]
		if !ok {
			continue
		}
		age := time.Duration(row.MaxAgeSeconds * float64(time.Second))
		severity := SeverityHealthy
		switch {
		case age >= 2*limit:
			severity = SeverityCritical
		case age >= limit:
			severity = SeverityWarning
		}
		if severityRank(severity) > severityRank(result.Severity) {
			result.Severity = severity
			result.Detail = fmt.Sprintf("%s data is %s old (limit %s)", row.AssetType, age.Round(time.Minute), limit)
		}
	}
	return result
}

// telemetryFailure downgrades a failing metadata query to a warning: losing
// visibility is not itself a storage outage.
func telemetryFailure(name string, err error) CheckResult {
	return CheckResult{
		Name:     name,
		Severity: SeverityWarning,
		Detail:   fmt.Sprintf("telemetry query failed: %v", err),
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
