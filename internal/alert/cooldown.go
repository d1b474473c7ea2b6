package alert

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum time between two alerts for the same location.
const DefaultCooldown = 10 * time.Second

// CooldownTracker records, per location, when an alert was last delivered
// and whether a dispatch is still in flight. Every acquired mark must be
// resolved exactly once with Commit or Release.
type CooldownTracker struct {
	mu        sync.Mutex
	cooldown  time.Duration
	lastFired map[string]time.Time
	pending   map[string]struct{}
}

// NewCooldownTracker creates an empty tracker. Non-positive durations use DefaultCooldown.
func NewCooldownTracker(cooldown time.Duration) *CooldownTracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CooldownTracker{
		cooldown:  cooldown,
		lastFired: make(map[string]time.Time),
		pending:   make(map[string]struct{}),
	}
}

// TryAcquire marks location pending and returns true when it may fire at now:
// nothing in flight and either never fired or now - lastFired > cooldown.
func (c *CooldownTracker) TryAcquire(location string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.pending[location]; busy {
		return false
	}
	if last, ok := c.lastFired[location]; ok && now.Sub(last) <= c.cooldown {
		return false
	}
	c.pending[location] = struct{}{}
	return true
}

// Commit records a delivered alert and clears the pending mark.
func (c *CooldownTracker) Commit(location string, firedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, location)
	if last, ok := c.lastFired[location]; !ok || firedAt.After(last) {
		c.lastFired[location] = firedAt
	}
}

// Release clears the pending mark without starting a cooldown window.
func (c *CooldownTracker) Release(location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, location)
}

// LastFired reports the last committed alert time for location.
func (c *CooldownTracker) LastFired(location string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastFired[location]
	return t, ok
}

// Pending reports whether a dispatch for location is in flight.
func (c *CooldownTracker) Pending(location string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[location]
	return ok
}

// Cooldown returns the configured window.
func (c *CooldownTracker) Cooldown() time.Duration {
	return c.cooldown
}
