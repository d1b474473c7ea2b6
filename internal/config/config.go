package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Feed polling. FeedPath takes precedence over FeedURL when set.
	FeedURL         string
	FeedPath        string
	PollInterval    time.Duration
	FetchTimeout    time.Duration
	LiveWindow      int
	Locations       []string
	DefaultLocation string
	LocationField   int
	Timezone        *time.Location

	// Alerting.
	FallbackThreshold float64
	AlertCooldown     time.Duration
	NotifyBaseURL     string
	NotifyTimeout     time.Duration
	AlertRecipients   []string
	WebhookURL        string
	DispatchQueueSize int
	DispatchWorkers   int
	AlertLogSize      int

	// SettingsDBPath selects the SQLite settings store. Empty keeps settings in memory.
	SettingsDBPath string

	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaAlertTopic    string
	BatchSize          int
	BatchFlushInterval time.Duration

	// Vision inference service.
	VisionBaseURL      string
	VisionPollInterval time.Duration
	VisionTimeout      time.Duration
	VisionCacheSize    int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		FeedURL:         sharedcfg.EnvOrDefault("FEED_URL", "http://localhost:5001/counts.csv"),
		FeedPath:        os.Getenv("FEED_PATH"),
		DefaultLocation: sharedcfg.EnvOrDefault("DEFAULT_LOCATION", "main_entrance"),

		NotifyBaseURL:   sharedcfg.EnvOrDefault("NOTIFY_BASE_URL", "http://localhost:5001"),
		AlertRecipients: splitList(sharedcfg.EnvOrDefault("ALERT_RECIPIENTS", "crowd-ops@example.com")),
		WebhookURL:      strings.TrimSpace(os.Getenv("WEBHOOK_URL")),

		SettingsDBPath: os.Getenv("SETTINGS_DB_PATH"),

		KafkaEnabled:       os.Getenv("KAFKA_ENABLED") == "true",
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaAlertTopic:    sharedcfg.EnvOrDefault("KAFKA_ALERT_TOPIC", "crowd-alerts"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		VisionBaseURL: sharedcfg.EnvOrDefault("VISION_BASE_URL", "http://localhost:5001"),
	}

	cfg.Locations = splitList(sharedcfg.EnvOrDefault("LOCATIONS", cfg.DefaultLocation))

	durations := []struct {
		name string
		def  string
		dst  *time.Duration
	}{
		{"POLL_INTERVAL", "2s", &cfg.PollInterval},
		{"FETCH_TIMEOUT", "1500ms", &cfg.FetchTimeout},
		{"ALERT_COOLDOWN", "10s", &cfg.AlertCooldown},
		{"NOTIFY_TIMEOUT", "5s", &cfg.NotifyTimeout},
		{"VISION_POLL_INTERVAL", "2s", &cfg.VisionPollInterval},
		{"VISION_TIMEOUT", "30s", &cfg.VisionTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = positiveDuration(d.name, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name   string
		def    int
		allowZ bool
		dst    *int
	}{
		{"LIVE_WINDOW", 30, false, &cfg.LiveWindow},
		{"LOCATION_FIELD", 0, true, &cfg.LocationField},
		{"DISPATCH_QUEUE_SIZE", 64, false, &cfg.DispatchQueueSize},
		{"DISPATCH_WORKERS", 1, false, &cfg.DispatchWorkers},
		{"ALERT_LOG_SIZE", 50, false, &cfg.AlertLogSize},
		{"VISION_CACHE_SIZE", 256, false, &cfg.VisionCacheSize},
	}
	for _, n := range ints {
		if *n.dst, err = parseInt(n.name, n.def, n.allowZ); err != nil {
			return nil, err
		}
	}

	if cfg.FallbackThreshold, err = parseThreshold(); err != nil {
		return nil, err
	}
	if cfg.Timezone, err = parseTimezone(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.FeedPath == "" {
		if err := checkHTTPURL("FEED_URL", c.FeedURL); err != nil {
			return err
		}
	}
	if err := checkHTTPURL("NOTIFY_BASE_URL", c.NotifyBaseURL); err != nil {
		return err
	}
	if c.WebhookURL != "" {
		if err := checkHTTPURL("WEBHOOK_URL", c.WebhookURL); err != nil {
			return err
		}
	}
	if c.LocationField != 0 && c.LocationField < 4 {
		return errors.New("invalid LOCATION_FIELD: columns 1-3 are reserved")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required")
		}
		if c.KafkaAlertTopic == "" {
			return errors.New("KAFKA_ALERT_TOPIC is required")
		}
	}
	return nil
}

// FeedSource describes where the feed is read from, for logging.
func (c *Config) FeedSource() string {
	if c.FeedPath != "" {
		return "file:" + c.FeedPath
	}
	return c.FeedURL
}

func positiveDuration(name, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func parseInt(name string, def int, allowZero bool) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || (n == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func parseThreshold() (float64, error) {
	v, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("FALLBACK_THRESHOLD", "400"), 64)
	if err != nil || v <= 0 {
		return 0, errors.New("invalid FALLBACK_THRESHOLD")
	}
	return v, nil
}

func parseTimezone() (*time.Location, error) {
	name := sharedcfg.EnvOrDefault("TIMEZONE", "Local")
	if name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return loc, nil
}

func checkHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s", name)
	}
	return nil
}

// splitList splits a comma separated list, dropping blanks and duplicates.
func splitList(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if _, dup := seen[f]; f == "" || dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
