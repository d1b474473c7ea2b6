// Package store holds the current feed snapshot.
//
// The feed is re-read in full every poll cycle, so the store does not append:
// each Ingest replaces the working set. Rows are kept in arrival order, which
// for an appended feed is chronological; the last row is the most recent.
// The store never re-sorts by timestamp because fallback timestamps (the
// ingestion instant) can collide or run backwards relative to arrival.
package store

import (
	"sync/atomic"
	"time"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// DefaultLiveWindow is the number of observations returned by Window when no size is given.
const DefaultLiveWindow = 30

// Store is a single-writer, many-reader holder of the latest observation snapshot.
type Store struct {
	liveWindow  int
	maxRetained int
	current     atomic.Pointer[snapshot]
}

type snapshot struct {
	observations []domain.Observation // arrival order, oldest first
	updatedAt    time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLiveWindow sets the default Window size.
func WithLiveWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.liveWindow = n
		}
	}
}

// WithMaxRetained caps the snapshot to the newest n observations. Zero keeps everything.
func WithMaxRetained(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetained = n
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{liveWindow: DefaultLiveWindow}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&snapshot{})
	return s
}

// Ingest replaces the snapshot with observations, given in feed (arrival) order.
// The slice is copied; callers may reuse it.
func (s *Store) Ingest(observations []domain.Observation, at time.Time) {
	start := 0
	if s.maxRetained > 0 && len(observations) > s.maxRetained {
		start = len(observations) - s.maxRetained
	}
	kept := make([]domain.Observation, len(observations)-start)
	copy(kept, observations[start:])

	s.current.Store(&snapshot{observations: kept, updatedAt: at})
}

// All returns every retained observation in arrival order.
func (s *Store) All() []domain.Observation {
	return clone(s.current.Load().observations)
}

// Window returns the most recent n observations (all, if fewer) in arrival
// order. n <= 0 uses the configured live window.
func (s *Store) Window(n int) []domain.Observation {
	if n <= 0 {
		n = s.liveWindow
	}
	obs := s.current.Load().observations
	if len(obs) > n {
		obs = obs[len(obs)-n:]
	}
	return clone(obs)
}

// Descending returns every retained observation, most recent first.
func (s *Store) Descending() []domain.Observation {
	obs := s.current.Load().observations
	out := make([]domain.Observation, len(obs))
	for i, o := range obs {
		out[len(obs)-1-i] = o
	}
	return out
}

// Since returns observations with a timestamp at or after t, in arrival order.
func (s *Store) Since(t time.Time) []domain.Observation {
	obs := s.current.Load().observations
	out := make([]domain.Observation, 0, len(obs))
	for _, o := range obs {
		if !o.Timestamp.Before(t) {
			out = append(out, o)
		}
	}
	return out
}

// Len reports the number of retained observations.
func (s *Store) Len() int {
	return len(s.current.Load().observations)
}

// UpdatedAt reports when the current snapshot was ingested. Zero before the first Ingest.
func (s *Store) UpdatedAt() time.Time {
	return s.current.Load().updatedAt
}

func clone(obs []domain.Observation) []domain.Observation {
	out := make([]domain.Observation, len(obs))
	copy(out, obs)
	return out
}
