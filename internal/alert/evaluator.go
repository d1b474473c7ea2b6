// Package alert decides when a location is over capacity and delivers the
// resulting notifications.
package alert

import (
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// Evaluator turns live state into alert events, gated by per-location cooldowns.
type Evaluator struct {
	cooldowns *CooldownTracker
	fallback  float64
	clock     clockwork.Clock
}

// NewEvaluator creates an evaluator. A non-positive fallback uses domain.FallbackThreshold.
func NewEvaluator(cooldowns *CooldownTracker, fallback float64, clock clockwork.Clock) *Evaluator {
	if fallback <= 0 {
		fallback = domain.FallbackThreshold
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Evaluator{cooldowns: cooldowns, fallback: fallback, clock: clock}
}

// Evaluate returns one event per location whose current count strictly
// exceeds its effective threshold and whose cooldown allows firing. Each
// returned event holds a pending cooldown mark that the caller must hand to
// the dispatcher (or release).
func (e *Evaluator) Evaluate(state aggregate.LiveState, thresholds map[string]domain.AlertThresholdConfig) []domain.AlertEvent {
	now := e.clock.Now()

	locations := make([]string, 0, len(state.Locations))
	for loc := range state.Locations {
		locations = append(locations, loc)
	}
	sort.Strings(locations)

	var events []domain.AlertEvent
	for _, loc := range locations {
		ls := state.Locations[loc]
		cfg, ok := thresholds[loc]
		limit := domain.EffectiveThreshold(cfg, ok, e.fallback)

		if float64(ls.Current) <= limit {
			continue
		}
		if !e.cooldowns.TryAcquire(loc, now) {
			continue
		}
		events = append(events, domain.NewAlertEvent(loc, ls.Current, limit, now))
	}
	return events
}

// Fallback returns the absolute threshold used for unconfigured locations.
func (e *Evaluator) Fallback() float64 {
	return e.fallback
}
