// Package aggregate derives read-only projections from an observation snapshot:
// the live per-location state and historical reports.
package aggregate

import (
	"sort"
	"time"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// LiveState is the most-recent-per-location view of a snapshot.
type LiveState struct {
	Total     int                             `json:"total"`
	Locations map[string]domain.LocationState `json:"locations"`
}

// SeriesPoint is one point of the live chart.
type SeriesPoint struct {
	Time     time.Time `json:"time"`
	Count    int       `json:"count"`
	Location string    `json:"location"`
}

// LiveView is what the dashboard transports serve: live state, the chart
// series and whether the last fetch failed.
type LiveView struct {
	LiveState
	Series      []SeriesPoint `json:"series"`
	Stale       bool          `json:"stale"`
	FetchError  string        `json:"fetch_error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at,omitzero"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// CurrentState derives each location's current count from the first matching
// observation in descending (most recent first) order. Locations with no
// observation report zero and normal. Total sums per-location current values.
func CurrentState(locations []string, descending []domain.Observation, thresholds map[string]domain.AlertThresholdConfig) LiveState {
	state := LiveState{Locations: make(map[string]domain.LocationState, len(locations))}

	latest := make(map[string]domain.Observation, len(locations))
	for _, o := range descending {
		if _, seen := latest[o.Location]; !seen {
			latest[o.Location] = o
		}
	}

	for _, loc := range locations {
		ls := domain.LocationState{Location: loc, Status: domain.StatusNormal}
		if o, ok := latest[loc]; ok {
			cfg, hasCfg := thresholds[loc]
			ls.Current = o.Count
			ls.Status = domain.Classify(o.Count, cfg, hasCfg)
			ls.LastUpdate = o.Timestamp
			ls.SourceRef = o.SourceRef
		}
		state.Locations[loc] = ls
		state.Total += ls.Current
	}
	return state
}

// KnownLocations merges configured locations, locations with thresholds and
// locations seen in the snapshot into one sorted, de-duplicated list.
func KnownLocations(configured []string, thresholds map[string]domain.AlertThresholdConfig, observations []domain.Observation) []string {
	set := make(map[string]struct{}, len(configured)+len(thresholds))
	for _, loc := range configured {
		if loc != "" {
			set[loc] = struct{}{}
		}
	}
	for loc := range thresholds {
		set[loc] = struct{}{}
	}
	for _, o := range observations {
		set[o.Location] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for loc := range set {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// Series converts a window of observations into chart points, keeping order.
func Series(window []domain.Observation) []SeriesPoint {
	out := make([]SeriesPoint, len(window))
	for i, o := range window {
		out[i] = SeriesPoint{Time: o.Timestamp, Count: o.Count, Location: o.Location}
	}
	return out
}
