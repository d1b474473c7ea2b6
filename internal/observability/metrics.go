package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "crowdwatch"

// Metrics holds the Prometheus counters, histograms, and gauges for the crowd pipeline.
type Metrics struct {
	PollCycles      *prometheus.CounterVec // labels: outcome={success,error}
	CycleDuration   prometheus.Histogram
	PipelineRunning prometheus.Gauge
	SnapshotSize    prometheus.Gauge
	RowsParsed      prometheus.Counter
	RowsDropped     prometheus.Counter
	LocationCount   *prometheus.GaugeVec // labels: location
	SettingsErrors  prometheus.Counter

	// Alerting metrics.
	AlertsFired        *prometheus.CounterVec // labels: location
	AlertsDropped      prometheus.Counter
	Notifications      *prometheus.CounterVec // labels: channel={email,webhook,kafka}, outcome={success,error}
	DispatchDuration   prometheus.Histogram
	DispatchQueueDepth prometheus.Gauge

	// Vision analysis metrics.
	VisionRequests    *prometheus.CounterVec // labels: outcome={success,error,timeout}
	VisionCache       *prometheus.CounterVec // labels: result={hit,miss}
	VisionAPIDuration prometheus.Histogram

	WebsocketClients prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Feed poll cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete fetch-parse-evaluate cycle.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the poll loop is active, 0 when shut down.",
		}),
		SnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_observations",
			Help:      "Observations held in the current snapshot.",
		}),
		RowsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_parsed_total",
			Help:      "Feed rows parsed into observations.",
		}),
		RowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_dropped_total",
			Help:      "Malformed feed rows skipped by the parser.",
		}),
		LocationCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "location_current_count",
			Help:      "Current person count per location.",
		}, []string{"location"}),
		SettingsErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_errors_total",
			Help:      "Settings store reads that failed during a cycle.",
		}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert events produced by the evaluator, by location.",
		}, []string{"location"}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dropped_total",
			Help:      "Alert events dropped because the dispatch queue was full or closed.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to deliver one alert across all channels.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Alert events waiting for a dispatch worker.",
		}),
		VisionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_requests_total",
			Help:      "Image analysis requests by outcome.",
		}, []string{"outcome"}),
		VisionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_cache_total",
			Help:      "Image analysis cache lookups by result.",
		}, []string{"result"}),
		VisionAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vision_api_duration_seconds",
			Help:      "Vision service analysis duration in seconds, upload through completion.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected live-view WebSocket clients.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PollCycles,
		m.CycleDuration,
		m.PipelineRunning,
		m.SnapshotSize,
		m.RowsParsed,
		m.RowsDropped,
		m.LocationCount,
		m.SettingsErrors,
		m.AlertsFired,
		m.AlertsDropped,
		m.Notifications,
		m.DispatchDuration,
		m.DispatchQueueDepth,
		m.VisionRequests,
		m.VisionCache,
		m.VisionAPIDuration,
		m.WebsocketClients,
	}
}

// CounterValue reads the current value of a counter or gauge.
func CounterValue(m prometheus.Metric) float64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	default:
		return 0
	}
}
