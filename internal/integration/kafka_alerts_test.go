//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/feed"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/kafka"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/config"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/pipeline"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/settings"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/store"
)

// alertMessage holds a deserialized message read from the alert topic.
type alertMessage struct {
	Event   domain.AlertEvent
	Key     string
	Headers map[string]string
}

func readAlert(ctx context.Context, t *testing.T, consumer *kafkago.Reader) alertMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from alert topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var ev domain.AlertEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev), "unmarshal alert message")

	return alertMessage{Event: ev, Key: string(msg.Key), Headers: headers}
}

func testConfig(broker, topic string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaAlertTopic:    topic,
		BatchSize:          1,
		BatchFlushInterval: 100 * time.Millisecond,
	}
}

// TestAlertWriter verifies alerts round-trip through the topic keyed by location.
func TestAlertWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	const topic = "test-alerts"
	createTopic(t, broker, topic)

	writer := kafka.NewAlertWriter(testConfig(broker, topic), discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	firedAt := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	ev := domain.NewAlertEvent("main_entrance", 452, 450, firedAt)
	require.NoError(t, writer.PublishAlert(ctx, ev))

	got := readAlert(ctx, t, newConsumer(t, broker, topic))
	assert.Equal(t, "main_entrance", got.Key)
	assert.Equal(t, "main_entrance", got.Headers["location"])
	assert.Equal(t, "2025-06-01T12:30:00Z", got.Headers["fired_at"])
	assert.Equal(t, ev.ID, got.Event.ID)
	assert.Equal(t, 452, got.Event.Count)
	assert.InDelta(t, 450.0, got.Event.Threshold, 0)
	assert.True(t, firedAt.Equal(got.Event.FiredAt))
}

type acceptingEmail struct {
	mu   sync.Mutex
	sent []alert.Email
}

func (a *acceptingEmail) SendEmail(_ context.Context, msg alert.Email) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return alert.EmailSimulated, nil
}

func (a *acceptingEmail) SendWebhook(context.Context, string, string) error { return nil }

// TestPollCycleToAlertTopic drives one poll cycle over a feed file and checks
// the resulting alert reaches both the email sink and the topic.
func TestPollCycleToAlertTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	const topic = "test-pipeline-alerts"
	createTopic(t, broker, topic)

	feedPath := filepath.Join(t.TempDir(), "counts.csv")
	require.NoError(t, os.WriteFile(feedPath, []byte(
		"image_name,timestamp,people_count\n"+
			"capture_2025-06-01_12-00-00.jpg,2025-06-01T12:00:00Z,300\n"+
			"capture_2025-06-01_12-00-02.jpg,2025-06-01T12:00:02Z,451\n"), 0o600))

	repo := settings.NewRepository(settings.NewMemoryStore())
	require.NoError(t, repo.SaveThreshold(ctx, domain.AlertThresholdConfig{
		Location: "main_entrance", MaxCapacity: 500, WarningRatio: 0.7, CriticalRatio: 0.9,
	}))

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC))
	metrics := observability.NewMetricsForTesting()
	logger := discardLogger()

	writer := kafka.NewAlertWriter(testConfig(broker, topic), logger)
	t.Cleanup(func() { _ = writer.Close() })

	email := &acceptingEmail{}
	cooldowns := alert.NewCooldownTracker(alert.DefaultCooldown)
	outcomes := make(chan alert.Outcome, 1)
	dispatcher := alert.NewDispatcher(alert.DispatcherConfig{
		Fallback: domain.NotifyTargets{Recipients: []string{"ops@example.com"}},
		Location: time.UTC,
	}, email, email, cooldowns, alert.NewLog(alert.DefaultLogSize), logger, metrics,
		alert.WithPublisher(writer),
		alert.WithClock(clock),
		alert.WithOutcomeHook(func(o alert.Outcome) { outcomes <- o }))

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	go dispatcher.Run(dispatchCtx)

	p := pipeline.New(pipeline.Config{
		Locations: []string{"main_entrance"},
		Parse:     domain.ParseOptions{Location: time.UTC},
		Zone:      time.UTC,
	}, feed.NewFileSource(feedPath), store.New(), repo,
		alert.NewEvaluator(cooldowns, 400, clock), dispatcher, logger, metrics, clock)

	require.NoError(t, p.RunCycle(ctx))

	live := p.Live()
	assert.Equal(t, 451, live.Total)
	assert.Equal(t, domain.StatusCritical, live.Locations["main_entrance"].Status)

	select {
	case out := <-outcomes:
		assert.True(t, out.Delivered())
		assert.Empty(t, out.PublishError)
	case <-ctx.Done():
		t.Fatal("timed out waiting for dispatch outcome")
	}

	got := readAlert(ctx, t, newConsumer(t, broker, topic))
	assert.Equal(t, "main_entrance", got.Key)
	assert.Equal(t, 451, got.Event.Count)
	assert.InDelta(t, 450.0, got.Event.Threshold, 0)

	email.mu.Lock()
	require.Len(t, email.sent, 1)
	assert.Equal(t, "[CRITICAL] High Crowd Density Detected: 451 People", email.sent[0].Subject)
	email.mu.Unlock()

	report, err := p.History(aggregate.RangeToday)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Readings)
}
