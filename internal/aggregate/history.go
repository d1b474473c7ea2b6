package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// Range is a named historical window.
type Range string

const (
	RangeToday   Range = "today"
	RangeWeek    Range = "week"
	RangeMonth   Range = "month"
	RangeQuarter Range = "quarter"
)

var ErrUnknownRange = errors.New("unknown time range")

// ParseRange validates a preset name. An empty string means today.
func ParseRange(s string) (Range, error) {
	switch r := Range(s); r {
	case "":
		return RangeToday, nil
	case RangeToday, RangeWeek, RangeMonth, RangeQuarter:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRange, s)
	}
}

// RangeStart resolves a preset to its inclusive lower bound: local midnight
// for today, otherwise now minus 7, 30 or 90 days.
func RangeStart(r Range, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	switch r {
	case RangeToday, "":
		n := now.In(loc)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc), nil
	case RangeWeek:
		return now.AddDate(0, 0, -7), nil
	case RangeMonth:
		return now.AddDate(0, 0, -30), nil
	case RangeQuarter:
		return now.AddDate(0, 0, -90), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownRange, string(r))
	}
}

// HourlyBucket is the average count for one hour-of-day label, e.g. "14:00".
type HourlyBucket struct {
	Hour     string  `json:"hour"`
	Average  float64 `json:"average"`
	Readings int     `json:"readings"`
}

// LocationAggregate summarises one location over the report window.
type LocationAggregate struct {
	Location string  `json:"location"`
	Total    int     `json:"total"`
	Peak     int     `json:"peak"`
	Average  float64 `json:"average"`
	Readings int     `json:"readings"`
}

// DensityBucket counts observations in one density level.
type DensityBucket struct {
	Level string `json:"level"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary is the headline of a report.
type Summary struct {
	Readings int     `json:"readings"`
	Peak     int     `json:"peak"`
	Average  float64 `json:"average"`
}

// Report is the full historical projection over a window.
type Report struct {
	Since        time.Time           `json:"since"`
	Summary      Summary             `json:"summary"`
	HourlyTrends []HourlyBucket      `json:"hourly_trends"`
	Locations    []LocationAggregate `json:"locations"`
	Density      []DensityBucket     `json:"density"`
}

var densityOrder = []struct {
	level string
	label string
}{
	{"normal", "Normal (<200)"},
	{"high", "High (200-400)"},
	{"critical", "Critical (>400)"},
}

// Aggregate builds a report from observations with a timestamp at or after
// since. Hour labels use loc. An empty scope yields zero values and empty
// (non-nil) collections.
func Aggregate(observations []domain.Observation, since time.Time, loc *time.Location) Report {
	if loc == nil {
		loc = time.Local
	}

	type acc struct {
		total, readings, peak int
	}
	hours := make(map[string]*acc)
	locations := make(map[string]*acc)
	density := make(map[string]int, len(densityOrder))
	var overall acc

	for _, o := range observations {
		if o.Timestamp.Before(since) {
			continue
		}

		label := o.Timestamp.In(loc).Format("15") + ":00"
		h := hours[label]
		if h == nil {
			h = &acc{}
			hours[label] = h
		}
		h.total += o.Count
		h.readings++

		l := locations[o.Location]
		if l == nil {
			l = &acc{}
			locations[o.Location] = l
		}
		l.total += o.Count
		l.readings++
		l.peak = max(l.peak, o.Count)

		density[domain.DensityLevel(o.Count)]++

		overall.total += o.Count
		overall.readings++
		overall.peak = max(overall.peak, o.Count)
	}

	r := Report{
		Since: since,
		Summary: Summary{
			Readings: overall.readings,
			Peak:     overall.peak,
			Average:  average(overall.total, overall.readings),
		},
		HourlyTrends: make([]HourlyBucket, 0, len(hours)),
		Locations:    make([]LocationAggregate, 0, len(locations)),
		Density:      make([]DensityBucket, 0, len(densityOrder)),
	}

	for label, h := range hours {
		r.HourlyTrends = append(r.HourlyTrends, HourlyBucket{
			Hour:     label,
			Average:  average(h.total, h.readings),
			Readings: h.readings,
		})
	}
	sort.Slice(r.HourlyTrends, func(i, j int) bool { return r.HourlyTrends[i].Hour < r.HourlyTrends[j].Hour })

	for name, l := range locations {
		r.Locations = append(r.Locations, LocationAggregate{
			Location: name,
			Total:    l.total,
			Peak:     l.peak,
			Average:  average(l.total, l.readings),
			Readings: l.readings,
		})
	}
	sort.Slice(r.Locations, func(i, j int) bool { return r.Locations[i].Location < r.Locations[j].Location })

	for _, d := range densityOrder {
		if n := density[d.level]; n > 0 {
			r.Density = append(r.Density, DensityBucket{Level: d.level, Label: d.label, Count: n})
		}
	}

	return r
}

func average(total, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n)
}
