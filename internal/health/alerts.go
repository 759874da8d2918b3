// Package health audits storage telemetry on a fixed interval and raises
// de-duplicated alerts when checks degrade.
package health

import (
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// Severity orders alert levels.
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sink receives alerts that pass the cooldown gate. Delivery is best-effort;
// a failing sink is logged and never retried.
type Sink func(severity Severity, category, message string) error

// Alerter gates alert emission: repeats of the same key within the cooldown
// window are suppressed so a persistently failing check cannot storm the
// sink.
type Alerter struct {
	cooldown time.Duration
	sink     Sink
	nowFn    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlerter builds an alert gate. A nil sink logs only.
func NewAlerter(cooldown time.Duration, sink Sink) *Alerter {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Alerter{
		cooldown: cooldown,
		sink:     sink,
		nowFn:    time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Emit raises one alert, suppressing repeats of key within the cooldown.
// Returns whether the alert passed the gate.
func (a *Alerter) Emit(severity Severity, category, message, key string) bool {
	a.mu.Lock()
	now := a.nowFn()
	if last, ok := a.lastSent[key]; ok && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		return false
	}
	a.lastSent[key] = now
	a.mu.Unlock()

	switch severity {
	case SeverityCritical:
		logx.Severef("health: [%s] %s", category, message)
	default:
		logx.Errorf("health: [%s] %s", category, message)
	}
	if a.sink != nil {
		if err := a.sink(severity, category, message); err != nil {
			logx.Errorf("health: alert sink failed for key=%s: %v", key, err)
		}
	}
	return true
}
