package domain

import (
	"errors"
	"fmt"
	"math"
)

const (
	// FallbackThreshold is the absolute count that triggers an alert for a
	// location with no AlertThresholdConfig.
	FallbackThreshold = 400.0

	// DefaultCriticalRatio applies when a stored config leaves the critical ratio unset.
	DefaultCriticalRatio = 0.9
)

// Density bucket boundaries. Counts above DensityCriticalAbove are critical,
// counts above DensityHighAbove are high, everything else is normal.
const (
	DensityHighAbove     = 200
	DensityCriticalAbove = 400
)

var ErrInvalidThreshold = errors.New("invalid threshold config")

// Validate checks capacity and ratio bounds: maxCapacity > 0, both ratios in
// (0,1] and warning strictly below critical.
func (c AlertThresholdConfig) Validate() error {
	if c.Location == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidThreshold)
	}
	if c.MaxCapacity <= 0 {
		return fmt.Errorf("%w: max_capacity must be positive", ErrInvalidThreshold)
	}
	if c.WarningRatio <= 0 || c.WarningRatio > 1 {
		return fmt.Errorf("%w: warning_threshold must be in (0,1]", ErrInvalidThreshold)
	}
	if c.CriticalRatio <= 0 || c.CriticalRatio > 1 {
		return fmt.Errorf("%w: critical_threshold must be in (0,1]", ErrInvalidThreshold)
	}
	if c.WarningRatio >= c.CriticalRatio {
		return fmt.Errorf("%w: warning_threshold must be below critical_threshold", ErrInvalidThreshold)
	}
	return nil
}

func (c AlertThresholdConfig) criticalRatio() float64 {
	if c.CriticalRatio <= 0 {
		return DefaultCriticalRatio
	}
	return c.CriticalRatio
}

// WarningLimit is the count at which the location enters warning.
func (c AlertThresholdConfig) WarningLimit() float64 {
	return snapLimit(float64(c.MaxCapacity) * c.WarningRatio)
}

// CriticalLimit is the count at which the location enters critical.
func (c AlertThresholdConfig) CriticalLimit() float64 {
	return snapLimit(float64(c.MaxCapacity) * c.criticalRatio())
}

// snapLimit rounds away float noise from capacity*ratio so that 100*0.29
// compares equal to 29 rather than 28.999999999999996.
func snapLimit(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

// Classify maps a count onto a status. Without a config every count is normal.
func Classify(count int, cfg AlertThresholdConfig, ok bool) Status {
	if !ok {
		return StatusNormal
	}
	n := float64(count)
	switch {
	case n >= cfg.CriticalLimit():
		return StatusCritical
	case cfg.WarningRatio > 0 && n >= cfg.WarningLimit():
		return StatusWarning
	default:
		return StatusNormal
	}
}

// EffectiveThreshold is the count an alert must strictly exceed: the
// configured critical limit, or fallback when the location has no config.
func EffectiveThreshold(cfg AlertThresholdConfig, ok bool, fallback float64) float64 {
	if !ok {
		return fallback
	}
	return cfg.CriticalLimit()
}

// DensityLevel buckets a single count. It returns "normal", "high" or "critical".
func DensityLevel(count int) string {
	switch {
	case count > DensityCriticalAbove:
		return "critical"
	case count > DensityHighAbove:
		return "high"
	default:
		return "normal"
	}
}
