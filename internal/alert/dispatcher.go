package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
)

// Email delivery statuses reported by the notification backend.
const (
	EmailSuccess   = "success"
	EmailSimulated = "simulated"
	EmailFailed    = "failed"
)

// ErrNoRecipients is returned when an alert has nobody to email.
var ErrNoRecipients = errors.New("no alert recipients configured")

// EmailSink delivers alert emails. A nil error means the backend accepted the
// message; the returned status distinguishes real from simulated delivery.
type EmailSink interface {
	SendEmail(ctx context.Context, msg Email) (status string, err error)
}

// WebhookSink posts a message to a chat webhook.
type WebhookSink interface {
	SendWebhook(ctx context.Context, url, message string) error
}

// Publisher forwards alert events to a downstream stream.
type Publisher interface {
	PublishAlert(ctx context.Context, ev domain.AlertEvent) error
}

// TargetsSource reads the current notification targets. ok is false when
// nothing has been configured at runtime.
type TargetsSource interface {
	NotifyTargets(ctx context.Context) (targets domain.NotifyTargets, ok bool, err error)
}

// Outcome is the result of delivering one alert event.
type Outcome struct {
	Event         domain.AlertEvent `json:"event"`
	Recipients    []string          `json:"recipients"`
	EmailStatus   string            `json:"email_status"`
	EmailError    string            `json:"email_error,omitempty"`
	WebhookStatus string            `json:"webhook_status,omitempty"`
	WebhookError  string            `json:"webhook_error,omitempty"`
	PublishError  string            `json:"publish_error,omitempty"`
	DispatchedAt  time.Time         `json:"dispatched_at"`
}

// Delivered reports whether the email channel succeeded, which is what
// starts the location's cooldown.
func (o Outcome) Delivered() bool {
	return o.EmailStatus == EmailSuccess || o.EmailStatus == EmailSimulated
}

// DispatcherConfig sizes the dispatcher.
type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	Fallback    domain.NotifyTargets
	Location    *time.Location
}

// DispatcherOption configures optional collaborators.
type DispatcherOption func(*Dispatcher)

// WithPublisher forwards every dispatched event to p alongside the notifications.
func WithPublisher(p Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithTargets reads recipients and webhook URL from src on every event.
func WithTargets(src TargetsSource) DispatcherOption {
	return func(d *Dispatcher) { d.targets = src }
}

// WithOutcomeHook calls fn after each event is resolved.
func WithOutcomeHook(fn func(Outcome)) DispatcherOption {
	return func(d *Dispatcher) { d.onOutcome = fn }
}

// WithClock overrides the clock used to stamp outcomes.
func WithClock(c clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// Dispatcher delivers alert events off the poll loop. Dispatch never blocks;
// Run drains the queue with a fixed number of workers.
type Dispatcher struct {
	cfg       DispatcherConfig
	email     EmailSink
	webhook   WebhookSink
	publisher Publisher
	targets   TargetsSource
	cooldowns *CooldownTracker
	log       *Log
	logger    *slog.Logger
	metrics   *observability.Metrics
	onOutcome func(Outcome)
	clock     clockwork.Clock

	queue  chan domain.AlertEvent
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(cfg DispatcherConfig, email EmailSink, webhook WebhookSink, cooldowns *CooldownTracker, log *Log, logger *slog.Logger, metrics *observability.Metrics, opts ...DispatcherOption) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		cfg:       cfg,
		email:     email,
		webhook:   webhook,
		cooldowns: cooldowns,
		log:       log,
		logger:    logger,
		metrics:   metrics,
		clock:     clockwork.NewRealClock(),
		queue:     make(chan domain.AlertEvent, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch enqueues ev and returns immediately. It returns false, releasing
// the location's pending mark, when the queue is full or closed.
func (d *Dispatcher) Dispatch(ev domain.AlertEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ev, "dispatcher closed")
		return false
	}

	select {
	case d.queue <- ev:
		d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		d.drop(ev, "dispatch queue full")
		return false
	}
}

func (d *Dispatcher) drop(ev domain.AlertEvent, reason string) {
	d.cooldowns.Release(ev.Location)
	d.metrics.AlertsDropped.Inc()
	d.logger.Warn("alert dropped", "reason", reason, "location", ev.Location, "count", ev.Count, "alert_id", ev.ID)
}

// Close stops accepting events. Queued events are still delivered by Run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Run delivers queued events until Close has been called and the queue is
// empty, or ctx is cancelled. Events still queued on cancellation are released.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		d.releaseQueued()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) releaseQueued() {
	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			d.cooldowns.Release(ev.Location)
		default:
			return
		}
	}
}

// deliver sends ev through every configured channel concurrently and resolves
// its cooldown mark from the email result.
func (d *Dispatcher) deliver(ctx context.Context, ev domain.AlertEvent) {
	start := d.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	targets := d.resolveTargets(ctx)
	out := Outcome{Event: ev, Recipients: targets.Recipients}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		status, err := d.sendEmail(ctx, ev, targets.Recipients)
		if err != nil {
			out.EmailStatus = EmailFailed
			out.EmailError = err.Error()
			return
		}
		out.EmailStatus = status
	}()

	if targets.WebhookURL != "" && d.webhook != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.webhook.SendWebhook(ctx, targets.WebhookURL, BuildWebhookMessage(ev)); err != nil {
				out.WebhookStatus = "failed"
				out.WebhookError = err.Error()
				return
			}
			out.WebhookStatus = "sent"
		}()
	}

	if d.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.publisher.PublishAlert(ctx, ev); err != nil {
				out.PublishError = err.Error()
			}
		}()
	}

	wg.Wait()
	out.DispatchedAt = d.clock.Now()

	if out.Delivered() {
		d.cooldowns.Commit(ev.Location, ev.FiredAt)
	} else {
		d.cooldowns.Release(ev.Location)
	}

	d.record(out)
	d.metrics.DispatchDuration.Observe(out.DispatchedAt.Sub(start).Seconds())
}

func (d *Dispatcher) sendEmail(ctx context.Context, ev domain.AlertEvent, recipients []string) (string, error) {
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}
	status, err := d.email.SendEmail(ctx, BuildEmail(ev, recipients, d.cfg.Location))
	if err != nil {
		return "", err
	}
	if status == "" {
		status = EmailSuccess
	}
	return status, nil
}

func (d *Dispatcher) resolveTargets(ctx context.Context) domain.NotifyTargets {
	targets := d.cfg.Fallback
	if d.targets == nil {
		return targets
	}

	stored, ok, err := d.targets.NotifyTargets(ctx)
	if err != nil {
		d.logger.Warn("read notify targets failed, using defaults", "error", err)
		return targets
	}
	if !ok {
		return targets
	}
	if len(stored.Recipients) > 0 {
		targets.Recipients = stored.Recipients
	}
	if stored.WebhookURL != "" {
		targets.WebhookURL = stored.WebhookURL
	}
	return targets
}

func (d *Dispatcher) record(out Outcome) {
	ev := out.Event
	if out.Delivered() {
		d.metrics.Notifications.WithLabelValues("email", "success").Inc()
		d.logger.Info("alert delivered",
			"alert_id", ev.ID, "location", ev.Location, "count", ev.Count,
			"threshold", ev.Threshold, "email_status", out.EmailStatus)
	} else {
		d.metrics.Notifications.WithLabelValues("email", "error").Inc()
		d.logger.Warn("alert email failed",
			"alert_id", ev.ID, "location", ev.Location, "count", ev.Count, "error", out.EmailError)
	}

	switch out.WebhookStatus {
	case "sent":
		d.metrics.Notifications.WithLabelValues("webhook", "success").Inc()
	case "failed":
		d.metrics.Notifications.WithLabelValues("webhook", "error").Inc()
		d.logger.Warn("alert webhook failed", "alert_id", ev.ID, "location", ev.Location, "error", out.WebhookError)
	}

	if d.publisher != nil {
		if out.PublishError != "" {
			d.metrics.Notifications.WithLabelValues("kafka", "error").Inc()
			d.logger.Warn("alert publish failed", "alert_id", ev.ID, "location", ev.Location, "error", out.PublishError)
		} else {
			d.metrics.Notifications.WithLabelValues("kafka", "success").Inc()
		}
	}

	if d.log != nil {
		d.log.Record(out)
	}
	if d.onOutcome != nil {
		d.onOutcome(out)
	}
}
