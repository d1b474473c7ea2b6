package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/pipeline"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/store"
)

// --- mocks ---

type mockSource struct {
	mu    sync.Mutex
	feeds []string
	errs  []error
	calls int
}

func (m *mockSource) Fetch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i >= len(m.feeds) {
		i = len(m.feeds) - 1
	}
	return m.feeds[i], nil
}

func (m *mockSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockThresholds struct {
	cfg map[string]domain.AlertThresholdConfig
	err error
}

func (m mockThresholds) Thresholds(context.Context) (map[string]domain.AlertThresholdConfig, error) {
	return m.cfg, m.err
}

// mockAlerts resolves every event as delivered, like a dispatcher with a healthy email backend.
type mockAlerts struct {
	mu        sync.Mutex
	events    []domain.AlertEvent
	cooldowns *alert.CooldownTracker
	fail      bool
}

func (m *mockAlerts) Dispatch(ev domain.AlertEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.fail {
		m.cooldowns.Release(ev.Location)
	} else {
		m.cooldowns.Commit(ev.Location, ev.FiredAt)
	}
	return true
}

func (m *mockAlerts) Events() []domain.AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AlertEvent(nil), m.events...)
}

type mockPublisher struct {
	mu    sync.Mutex
	views []aggregate.LiveView
}

func (m *mockPublisher) PublishView(v aggregate.LiveView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views = append(m.views, v)
}

func (m *mockPublisher) Last() aggregate.LiveView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[len(m.views)-1]
}

var entranceThreshold = map[string]domain.AlertThresholdConfig{
	"main_entrance": {Location: "main_entrance", MaxCapacity: 500, WarningRatio: 0.7, CriticalRatio: 0.9},
}

var now = time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

type fixture struct {
	p         *pipeline.Pipeline
	source    *mockSource
	alerts    *mockAlerts
	publisher *mockPublisher
	store     *store.Store
	clock     *clockwork.FakeClock
	metrics   *observability.Metrics
}

func newFixture(t *testing.T, source *mockSource, thresholds pipeline.ThresholdSource) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(now)
	cooldowns := alert.NewCooldownTracker(10 * time.Second)
	f := &fixture{
		source:    source,
		alerts:    &mockAlerts{cooldowns: cooldowns},
		publisher: &mockPublisher{},
		store:     store.New(store.WithLiveWindow(3)),
		clock:     clock,
		metrics:   observability.NewMetricsForTesting(),
	}
	cfg := pipeline.Config{
		Locations: []string{"main_entrance"},
		Parse:     domain.ParseOptions{DefaultLocation: "main_entrance", Location: time.UTC},
		Zone:      time.UTC,
	}
	evaluator := alert.NewEvaluator(cooldowns, domain.FallbackThreshold, clock)
	f.p = pipeline.New(cfg, source, f.store, thresholds, evaluator, f.alerts, slog.Default(), f.metrics, clock, f.publisher)
	return f
}

// --- tests ---

func TestPipeline_RunCycle_HappyPath(t *testing.T) {
	src := &mockSource{feeds: []string{
		"a.jpg,2025-06-01T14:59:00Z,120\nb.jpg,2025-06-01T14:59:30Z,140\n",
	}}
	f := newFixture(t, src, mockThresholds{cfg: entranceThreshold})

	require.False(t, f.p.Ready())
	require.Error(t, f.p.CheckReadiness(context.Background()))

	require.NoError(t, f.p.RunCycle(context.Background()))

	assert.True(t, f.p.Ready())
	assert.NoError(t, f.p.CheckReadiness(context.Background()))

	live := f.p.Live()
	assert.Equal(t, 140, live.Total)
	assert.Equal(t, domain.StatusNormal, live.Locations["main_entrance"].Status)
	assert.False(t, live.Stale)
	assert.Len(t, live.Series, 2)
	assert.Equal(t, now, live.GeneratedAt)
	assert.Empty(t, f.alerts.Events())
	assert.Equal(t, live, f.publisher.Last())
	assert.InDelta(t, 2.0, observability.CounterValue(f.metrics.RowsParsed), 0)
}

func TestPipeline_RunCycle_DropsMalformedRows(t *testing.T) {
	src := &mockSource{feeds: []string{
		"a.jpg,2025-06-01T14:00:00Z,10\nbad,2025-06-01T14:00:00Z,abc\nb.jpg,2025-06-01T14:01:00Z,x\nc.jpg,2025-06-01T14:02:00Z,\nd.jpg,2025-06-01T14:03:00Z,30\n",
	}}
	f := newFixture(t, src, nil)

	require.NoError(t, f.p.RunCycle(context.Background()))

	assert.Equal(t, 2, f.store.Len())
	assert.InDelta(t, 3.0, observability.CounterValue(f.metrics.RowsDropped), 0)
}

func TestPipeline_RunCycle_FiresAlertWithCooldown(t *testing.T) {
	src := &mockSource{feeds: []string{
		"a.jpg,2025-06-01T14:59:00Z,450\n",
		"a.jpg,2025-06-01T14:59:00Z,451\n",
		"a.jpg,2025-06-01T14:59:05Z,460\n",
		"a.jpg,2025-06-01T14:59:11Z,460\n",
	}}
	f := newFixture(t, src, mockThresholds{cfg: entranceThreshold})
	ctx := context.Background()

	require.NoError(t, f.p.RunCycle(ctx))
	assert.Empty(t, f.alerts.Events(), "450 is not above 450")

	require.NoError(t, f.p.RunCycle(ctx))
	require.Len(t, f.alerts.Events(), 1)
	assert.Equal(t, 451, f.alerts.Events()[0].Count)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.p.RunCycle(ctx))
	assert.Len(t, f.alerts.Events(), 1, "within cooldown")

	f.clock.Advance(6 * time.Second)
	require.NoError(t, f.p.RunCycle(ctx))
	require.Len(t, f.alerts.Events(), 2)
	assert.Equal(t, 460, f.alerts.Events()[1].Count)
}

func TestPipeline_RunCycle_FallbackThresholdWithoutSettings(t *testing.T) {
	src := &mockSource{feeds: []string{
		"a.jpg,2025-06-01T14:00:00Z,400\n",
		"a.jpg,2025-06-01T14:00:00Z,401\n",
	}}
	f := newFixture(t, src, mockThresholds{err: errors.New("settings unavailable")})

	require.NoError(t, f.p.RunCycle(context.Background()))
	assert.Empty(t, f.alerts.Events())

	require.NoError(t, f.p.RunCycle(context.Background()))
	require.Len(t, f.alerts.Events(), 1)
	assert.InDelta(t, 400.0, f.alerts.Events()[0].Threshold, 0)
	assert.InDelta(t, 2.0, observability.CounterValue(f.metrics.SettingsErrors), 0)
}

func TestPipeline_RunCycle_FailedDeliveryRefiresNextCycle(t *testing.T) {
	src := &mockSource{feeds: []string{"a.jpg,2025-06-01T14:00:00Z,480\n"}}
	f := newFixture(t, src, mockThresholds{cfg: entranceThreshold})
	f.alerts.fail = true

	require.NoError(t, f.p.RunCycle(context.Background()))
	require.NoError(t, f.p.RunCycle(context.Background()))

	assert.Len(t, f.alerts.Events(), 2)
}

func TestPipeline_RunCycle_FetchErrorKeepsLastSnapshot(t *testing.T) {
	src := &mockSource{
		feeds: []string{"a.jpg,2025-06-01T14:00:00Z,75\n"},
		errs:  []error{nil, errors.New("connection refused")},
	}
	f := newFixture(t, src, nil)

	require.NoError(t, f.p.RunCycle(context.Background()))
	err := f.p.RunCycle(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch feed")
	live := f.p.Live()
	assert.True(t, live.Stale)
	assert.Contains(t, live.FetchError, "connection refused")
	assert.Equal(t, 75, live.Total, "last-known snapshot retained")
	assert.True(t, f.p.Ready(), "readiness is sticky after the first success")
	assert.InDelta(t, 1.0, observability.CounterValue(f.metrics.PollCycles.WithLabelValues("error")), 0)
}

func TestPipeline_RunCycle_FirstFetchFails(t *testing.T) {
	src := &mockSource{feeds: []string{""}, errs: []error{errors.New("404")}}
	f := newFixture(t, src, nil)

	require.Error(t, f.p.RunCycle(context.Background()))

	assert.False(t, f.p.Ready())
	live := f.p.Live()
	assert.True(t, live.Stale)
	assert.Equal(t, 0, live.Total)
	assert.Contains(t, live.Locations, "main_entrance")
}

func TestPipeline_RunCycle_IdempotentLiveState(t *testing.T) {
	feed := "a.jpg,2025-06-01T14:00:00Z,10\nb.jpg,2025-06-01T14:01:00Z,20\n"
	f := newFixture(t, &mockSource{feeds: []string{feed}}, nil)

	require.NoError(t, f.p.RunCycle(context.Background()))
	first := f.p.Live()
	require.NoError(t, f.p.RunCycle(context.Background()))
	second := f.p.Live()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("live state changed across identical snapshots (-first +second):\n%s", diff)
	}
}

func TestPipeline_Live_BeforeFirstCycle(t *testing.T) {
	f := newFixture(t, &mockSource{feeds: []string{""}}, nil)

	live := f.p.Live()

	assert.Equal(t, 0, live.Total)
	assert.Contains(t, live.Locations, "main_entrance")
	assert.NotNil(t, live.Series)
}

func TestPipeline_HistoryAndFrames(t *testing.T) {
	feed := "old.jpg,2025-05-31T23:00:00Z,999\n" +
		"a.jpg,2025-06-01T14:10:00Z,10\n" +
		"b.jpg,2025-06-01T14:40:00Z,30\n"
	f := newFixture(t, &mockSource{feeds: []string{feed}}, nil)
	require.NoError(t, f.p.RunCycle(context.Background()))

	report, err := f.p.History(aggregate.RangeToday)
	require.NoError(t, err)
	require.Len(t, report.HourlyTrends, 1)
	assert.Equal(t, aggregate.HourlyBucket{Hour: "14:00", Average: 20, Readings: 2}, report.HourlyTrends[0])

	week, err := f.p.History(aggregate.RangeWeek)
	require.NoError(t, err)
	assert.Equal(t, 3, week.Summary.Readings)

	_, err = f.p.History("decade")
	assert.ErrorIs(t, err, aggregate.ErrUnknownRange)

	frames := f.p.Frames(2)
	require.Len(t, frames, 2)
	assert.Equal(t, "b.jpg", frames[0].SourceRef)
	assert.Equal(t, "a.jpg", frames[1].SourceRef)

	rows, err := f.p.Observations(aggregate.RangeToday)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPipeline_Run_PollsOnSchedule(t *testing.T) {
	src := &mockSource{feeds: []string{"a.jpg,2025-06-01T14:00:00Z,1\n"}}
	f := newFixture(t, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx, 2*time.Second) }()

	require.Eventually(t, func() bool { return src.Calls() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return src.Calls() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.InDelta(t, 0.0, observability.CounterValue(f.metrics.PipelineRunning), 0)
}
