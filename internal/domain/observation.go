package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLocation is the zone assigned to feed rows that carry no location column.
const DefaultLocation = "main_entrance"

// Observation is one parsed feed row: a person count for a location at a point in time.
type Observation struct {
	SourceRef string    `json:"source_ref"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Location  string    `json:"location"`

	// TimestampSource records which rule produced Timestamp: "field", "source_ref" or "ingested".
	TimestampSource string `json:"timestamp_source,omitempty"`
}

// Status is the capacity classification of a location.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// LocationState is the live view of one location, derived from its most recent observation.
type LocationState struct {
	Location   string    `json:"location"`
	Current    int       `json:"current"`
	Status     Status    `json:"status"`
	LastUpdate time.Time `json:"last_update,omitzero"`
	SourceRef  string    `json:"source_ref,omitempty"`
}

// AlertThresholdConfig holds the capacity limits configured for one location.
type AlertThresholdConfig struct {
	Location      string  `json:"location"`
	MaxCapacity   int     `json:"max_capacity"`
	WarningRatio  float64 `json:"warning_threshold"`
	CriticalRatio float64 `json:"critical_threshold"`
}

// AlertEvent is a decision to notify about a location exceeding its threshold.
// Events are never mutated after creation.
type AlertEvent struct {
	ID        string    `json:"id"`
	Location  string    `json:"location"`
	Count     int       `json:"count"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
}

// NewAlertEvent stamps a new event with a unique ID.
func NewAlertEvent(location string, count int, threshold float64, firedAt time.Time) AlertEvent {
	return AlertEvent{
		ID:        uuid.NewString(),
		Location:  location,
		Count:     count,
		Threshold: threshold,
		FiredAt:   firedAt,
	}
}

// NotifyTargets is where alert notifications go.
type NotifyTargets struct {
	Recipients []string `json:"recipients"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}
