// Package failover tracks per-provider availability and drives ordered
// fallback across a chain of market data vendors.
//
// Each provider moves through a small state machine: it starts available,
// becomes unavailable after three consecutive failures, and is probed again
// (half-open) once a cooldown elapses. A single success fully restores it.
package failover

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketdata-api/pkg/provider"
)

const (
	// failureThreshold is the consecutive-failure count that marks a
	// provider unavailable.
	failureThreshold = 3
	// probeCooldown is how long an unavailable provider is skipped before a
	// half-open probe is allowed.
	probeCooldown = 5 * time.Minute
)

// ErrAllProvidersDown signals that every provider in the chain was skipped or
// failed. Callers treat it as "no data this cycle", not as fatal.
var ErrAllProvidersDown = errors.New("failover: all providers exhausted")

// State is a snapshot of one provider's availability.
type State struct {
	Name                string    `json:"name"`
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
}

type providerState struct {
	available        bool
	failures         int
	lastCheck        time.Time
	unavailableSince time.Time
}

// Tracker owns the availability table shared by all chains. It is safe for
// concurrent use from multiple backfill and ingestion tasks.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*providerState
	now    func() time.Time
}

// NewTracker constructs an empty availability tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*providerState),
		now:    time.Now,
	}
}

func (t *Tracker) state(name string) *providerState {
	st, ok := t.states[name]
	if !ok {
		st = &providerState{available: true}
		t.states[name] = st
	}
	return st
}

// usable reports whether the provider may be attempted right now: available,
// or unavailable with its cooldown elapsed (half-open probe).
func (t *Tracker) usable(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(name)
	if st.available {
		return true
	}
	return t.now().Sub(st.unavailableSince) >= probeCooldown
}

// recordSuccess resets the failure counter and marks the provider available.
func (t *Tracker) recordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(name)
	if !st.available {
		logx.Infof("failover: provider %s recovered", name)
	}
	st.available = true
	st.failures = 0
	st.lastCheck = t.now()
}

// recordFailure increments the failure counter and trips the provider to
// unavailable at the threshold.
func (t *Tracker) recordFailure(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(name)
	st.failures++
	st.lastCheck = t.now()
	if st.available && st.failures >= failureThreshold {
		st.available = false
		st.unavailableSince = t.now()
		logx.Errorf("failover: provider %s marked unavailable after %d consecutive failures", name, st.failures)
	} else if !st.available {
		// Failed half-open probe: restart the cooldown.
		st.unavailableSince = t.now()
	}
}

// Snapshot returns the current availability table for status reporting.
func (t *Tracker) Snapshot() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, 0, len(t.states))
	for name, st := range t.states {
		out = append(out, State{
			Name:                name,
			Available:           st.available,
			ConsecutiveFailures: st.failures,
			LastCheck:           st.lastCheck,
		})
	}
	return out
}

// Chain is an ordered provider list sharing a Tracker.
type Chain struct {
	providers []provider.Provider
	tracker   *Tracker
}

// NewChain builds a chain over the given providers in failover order.
func NewChain(tracker *Tracker, providers ...provider.Provider) *Chain {
	return &Chain{providers: providers, tracker: tracker}
}

// Providers exposes the chain members in order.
func (c *Chain) Providers() []provider.Provider {
	return c.providers
}

// Call tries fn against each usable provider in order. The first success wins;
// every failure is recorded against its provider. When no provider succeeds
// the call returns ErrAllProvidersDown wrapping the last failure.
func (c *Chain) Call(ctx context.Context, fn func(provider.Provider) error) error {
	var lastErr error
	for _, p := range c.providers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.tracker.usable(p.Name()) {
			continue
		}
		err := fn(p)
		if err == nil {
			c.tracker.recordSuccess(p.Name())
			return nil
		}
		c.tracker.recordFailure(p.Name())
		lastErr = err
		logx.Infof("failover: provider %s failed, trying next: %v", p.Name(), err)
	}
	if lastErr != nil {
		return errors.Join(ErrAllProvidersDown, lastErr)
	}
	return ErrAllProvidersDown
}
