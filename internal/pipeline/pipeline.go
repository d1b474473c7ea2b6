package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/store"
)

// FeedSource reads the full count feed.
type FeedSource interface {
	Fetch(ctx context.Context) (string, error)
}

// ThresholdSource reads per-location threshold configs.
type ThresholdSource interface {
	Thresholds(ctx context.Context) (map[string]domain.AlertThresholdConfig, error)
}

// AlertSink accepts fired alerts without blocking the cycle.
type AlertSink interface {
	Dispatch(ev domain.AlertEvent) bool
}

// ViewPublisher receives every live view the pipeline produces.
type ViewPublisher interface {
	PublishView(view aggregate.LiveView)
}

// Config holds the pipeline's tunables.
type Config struct {
	Locations    []string
	Parse        domain.ParseOptions
	FetchTimeout time.Duration
	LiveWindow   int
	Zone         *time.Location
}

// Pipeline runs the fetch, parse, evaluate and publish cycle.
type Pipeline struct {
	cfg        Config
	source     FeedSource
	store      *store.Store
	thresholds ThresholdSource
	evaluator  *alert.Evaluator
	alerts     AlertSink
	publishers []ViewPublisher
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      clockwork.Clock

	ready atomic.Bool
	view  atomic.Pointer[aggregate.LiveView]
}

// New creates a Pipeline. publishers may be empty.
func New(cfg Config, source FeedSource, st *store.Store, thresholds ThresholdSource, evaluator *alert.Evaluator, alerts AlertSink, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock, publishers ...ViewPublisher) *Pipeline {
	if cfg.Zone == nil {
		cfg.Zone = time.Local
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 1500 * time.Millisecond
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		store:      st,
		thresholds: thresholds,
		evaluator:  evaluator,
		alerts:     alerts,
		publishers: publishers,
		logger:     logger,
		metrics:    metrics,
		clock:      clock,
	}
}

// CheckReadiness returns nil once a cycle has completed successfully.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a poll cycle yet")
	}
	return nil
}

// Ready reports whether a cycle has completed successfully.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// Run polls the feed every interval until ctx is cancelled. The first cycle runs immediately.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	p.logger.Info("pipeline started", "interval", interval, "locations", p.cfg.Locations)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	s := NewScheduler(p.clock, interval, func(ctx context.Context) {
		// Errors are logged and counted inside RunCycle; the next tick retries.
		_ = p.RunCycle(ctx)
	})
	s.Run(ctx)

	p.logger.Info("pipeline stopping", "reason", ctx.Err())
	return nil
}

// RunCycle performs one poll cycle. A fetch failure keeps the last snapshot,
// publishes it flagged stale and returns the error.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	start := p.clock.Now()

	raw, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.metrics.PollCycles.WithLabelValues("error").Inc()
		p.logger.Error("fetch feed failed", "error", err)
		p.publish(p.buildView(p.loadThresholds(ctx), err))
		return err
	}

	observations, stats := domain.ParseFeedWithStats(raw, p.cfg.Parse)
	p.metrics.RowsParsed.Add(float64(stats.Parsed))
	p.metrics.RowsDropped.Add(float64(stats.Dropped))
	if stats.Dropped > 0 {
		p.logger.Debug("dropped malformed feed rows", "dropped", stats.Dropped, "lines", stats.Lines)
	}

	p.store.Ingest(observations, start)
	p.metrics.SnapshotSize.Set(float64(p.store.Len()))

	thresholds := p.loadThresholds(ctx)
	view := p.buildView(thresholds, nil)

	for _, ev := range p.evaluator.Evaluate(view.LiveState, thresholds) {
		p.metrics.AlertsFired.WithLabelValues(ev.Location).Inc()
		p.logger.Info("alert fired",
			"alert_id", ev.ID, "location", ev.Location, "count", ev.Count, "threshold", ev.Threshold)
		p.alerts.Dispatch(ev)
	}

	p.publish(view)
	p.ready.Store(true)
	p.metrics.PollCycles.WithLabelValues("success").Inc()
	p.metrics.CycleDuration.Observe(p.clock.Since(start).Seconds())
	return nil
}

func (p *Pipeline) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	raw, err := p.source.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch feed: %w", err)
	}
	return raw, nil
}

// loadThresholds never fails the cycle: on error it evaluates with whatever
// decoded, falling back to the absolute threshold for the rest.
func (p *Pipeline) loadThresholds(ctx context.Context) map[string]domain.AlertThresholdConfig {
	if p.thresholds == nil {
		return nil
	}
	t, err := p.thresholds.Thresholds(ctx)
	if err != nil {
		p.metrics.SettingsErrors.Inc()
		p.logger.Warn("read thresholds failed, using fallback", "error", err)
	}
	return t
}

func (p *Pipeline) buildView(thresholds map[string]domain.AlertThresholdConfig, fetchErr error) aggregate.LiveView {
	descending := p.store.Descending()
	locations := aggregate.KnownLocations(p.cfg.Locations, thresholds, descending)

	view := aggregate.LiveView{
		LiveState:   aggregate.CurrentState(locations, descending, thresholds),
		Series:      aggregate.Series(p.store.Window(p.cfg.LiveWindow)),
		UpdatedAt:   p.store.UpdatedAt(),
		GeneratedAt: p.clock.Now(),
	}
	if fetchErr != nil {
		view.Stale = true
		view.FetchError = fetchErr.Error()
	}

	for loc, ls := range view.Locations {
		p.metrics.LocationCount.WithLabelValues(loc).Set(float64(ls.Current))
	}
	return view
}

func (p *Pipeline) publish(view aggregate.LiveView) {
	p.view.Store(&view)
	for _, pub := range p.publishers {
		pub.PublishView(view)
	}
}

// Live returns the most recent live view. Before the first cycle it is an
// empty view over the configured locations.
func (p *Pipeline) Live() aggregate.LiveView {
	if v := p.view.Load(); v != nil {
		return *v
	}
	state := aggregate.CurrentState(p.cfg.Locations, nil, nil)
	return aggregate.LiveView{LiveState: state, Series: []aggregate.SeriesPoint{}, GeneratedAt: p.clock.Now()}
}

// History aggregates the current snapshot over a preset range.
func (p *Pipeline) History(r aggregate.Range) (aggregate.Report, error) {
	since, err := aggregate.RangeStart(r, p.clock.Now(), p.cfg.Zone)
	if err != nil {
		return aggregate.Report{}, err
	}
	return aggregate.Aggregate(p.store.Since(since), since, p.cfg.Zone), nil
}

// Observations returns the snapshot rows at or after the preset range start,
// oldest first.
func (p *Pipeline) Observations(r aggregate.Range) ([]domain.Observation, error) {
	since, err := aggregate.RangeStart(r, p.clock.Now(), p.cfg.Zone)
	if err != nil {
		return nil, err
	}
	return p.store.Since(since), nil
}

// Frames returns up to n of the most recent observations, newest first.
func (p *Pipeline) Frames(n int) []domain.Observation {
	obs := p.store.Descending()
	if n > 0 && len(obs) > n {
		obs = obs[:n]
	}
	return obs
}

// Zone is the time zone used for hourly buckets and range starts.
func (p *Pipeline) Zone() *time.Location {
	return p.cfg.Zone
}
