package domain

import "github.com/jonboulle/clockwork"

// clock is the package-level time source used for the ingestion-instant
// timestamp fallback. Tests freeze it via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used by the feed parser. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}
