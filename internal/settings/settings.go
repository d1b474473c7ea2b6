// Package settings persists runtime-editable configuration (per-location
// thresholds and notification targets) on top of a key-value store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// Key layout.
const (
	thresholdPrefix = "threshold/"
	keyRecipients   = "notify/recipients"
	keyWebhookURL   = "notify/webhook_url"
)

// KV is the storage contract. Get reports ok=false for a missing key; missing
// keys are never an error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Repository maps domain settings onto a KV store.
type Repository struct {
	kv KV
}

// NewRepository wraps kv.
func NewRepository(kv KV) *Repository {
	return &Repository{kv: kv}
}

// Thresholds returns every stored threshold config keyed by location.
// Entries that fail to decode are skipped and reported in the returned error
// alongside the entries that did decode.
func (r *Repository) Thresholds(ctx context.Context) (map[string]domain.AlertThresholdConfig, error) {
	raw, err := r.kv.List(ctx, thresholdPrefix)
	if err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}

	out := make(map[string]domain.AlertThresholdConfig, len(raw))
	var errs []error
	for key, value := range raw {
		loc := strings.TrimPrefix(key, thresholdPrefix)
		var cfg domain.AlertThresholdConfig
		if err := json.Unmarshal(value, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("decode threshold %q: %w", loc, err))
			continue
		}
		cfg.Location = loc
		out[loc] = cfg
	}
	return out, errors.Join(errs...)
}

// Threshold returns the config for one location.
func (r *Repository) Threshold(ctx context.Context, location string) (domain.AlertThresholdConfig, bool, error) {
	value, ok, err := r.kv.Get(ctx, thresholdPrefix+location)
	if err != nil || !ok {
		return domain.AlertThresholdConfig{}, false, err
	}
	var cfg domain.AlertThresholdConfig
	if err := json.Unmarshal(value, &cfg); err != nil {
		return domain.AlertThresholdConfig{}, false, fmt.Errorf("decode threshold %q: %w", location, err)
	}
	cfg.Location = location
	return cfg, true, nil
}

// SaveThreshold validates and stores cfg.
func (r *Repository) SaveThreshold(ctx context.Context, cfg domain.AlertThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode threshold: %w", err)
	}
	if err := r.kv.Set(ctx, thresholdPrefix+cfg.Location, value); err != nil {
		return fmt.Errorf("save threshold: %w", err)
	}
	return nil
}

// DeleteThreshold removes a location's config. Deleting a missing key is not an error.
func (r *Repository) DeleteThreshold(ctx context.Context, location string) error {
	if err := r.kv.Delete(ctx, thresholdPrefix+location); err != nil {
		return fmt.Errorf("delete threshold: %w", err)
	}
	return nil
}

// NotifyTargets returns the stored recipients and webhook URL. ok is false
// when neither has been set.
func (r *Repository) NotifyTargets(ctx context.Context) (domain.NotifyTargets, bool, error) {
	var t domain.NotifyTargets

	recipients, okR, err := r.kv.Get(ctx, keyRecipients)
	if err != nil {
		return t, false, fmt.Errorf("read recipients: %w", err)
	}
	webhook, okW, err := r.kv.Get(ctx, keyWebhookURL)
	if err != nil {
		return t, false, fmt.Errorf("read webhook url: %w", err)
	}

	t.Recipients = ParseRecipients(string(recipients))
	t.WebhookURL = strings.TrimSpace(string(webhook))
	return t, okR || okW, nil
}

// SaveNotifyTargets stores recipients and webhook URL. An empty webhook URL
// clears it.
func (r *Repository) SaveNotifyTargets(ctx context.Context, t domain.NotifyTargets) error {
	if err := r.kv.Set(ctx, keyRecipients, []byte(strings.Join(t.Recipients, ","))); err != nil {
		return fmt.Errorf("save recipients: %w", err)
	}
	if t.WebhookURL == "" {
		if err := r.kv.Delete(ctx, keyWebhookURL); err != nil {
			return fmt.Errorf("clear webhook url: %w", err)
		}
		return nil
	}
	if err := r.kv.Set(ctx, keyWebhookURL, []byte(t.WebhookURL)); err != nil {
		return fmt.Errorf("save webhook url: %w", err)
	}
	return nil
}

// ParseRecipients splits a comma or semicolon separated address list,
// trimming blanks and duplicates while keeping order.
func ParseRecipients(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Locations returns the sorted set of locations with stored thresholds.
func Locations(thresholds map[string]domain.AlertThresholdConfig) []string {
	out := make([]string, 0, len(thresholds))
	for loc := range thresholds {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}
