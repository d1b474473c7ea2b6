package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPollInterval matches the dashboard refresh rate.
const DefaultPollInterval = 2 * time.Second

// Scheduler calls a function immediately and then on every tick until stopped.
// Ticks that arrive while the function is still running are dropped.
type Scheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	fn       func(context.Context)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. Non-positive intervals use DefaultPollInterval.
func NewScheduler(clock clockwork.Clock, interval time.Duration, fn func(context.Context)) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:    clock,
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	if s.stopped(ctx) {
		return
	}
	s.fn(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.Chan():
			if s.stopped(ctx) {
				return
			}
			s.fn(ctx)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stop:
		return true
	default:
		return false
	}
}
