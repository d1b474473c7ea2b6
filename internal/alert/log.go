package alert

import (
	"sync"
	"time"
)

// DefaultLogSize is the number of outcomes the recent-alerts log retains.
const DefaultLogSize = 50

// Log is a bounded, concurrency-safe record of dispatch outcomes.
type Log struct {
	mu      sync.RWMutex
	size    int
	entries []Outcome // oldest first
}

// NewLog creates a log holding at most size entries.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{size: size, entries: make([]Outcome, 0, size)}
}

// Record appends an outcome, evicting the oldest when full.
func (l *Log) Record(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.size-1]
	}
	l.entries = append(l.entries, o)
}

// Recent returns outcomes for events fired at or after since, newest first.
// A zero since returns everything retained.
func (l *Log) Recent(since time.Time) []Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Outcome, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Event.FiredAt.Before(since) {
			continue
		}
		out = append(out, l.entries[i])
	}
	return out
}

// Len reports how many outcomes are retained.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
