package domain

import (
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Timestamp sources recorded on Observation.TimestampSource.
const (
	TimestampFromField     = "field"
	TimestampFromSourceRef = "source_ref"
	TimestampFromIngestion = "ingested"
)

// minFeedFields is the number of leading columns every row must carry:
// source reference, timestamp and count.
const minFeedFields = 3

var (
	// captureRefRe matches frame names like "capture_2025-01-01T12:30:00Z.jpg".
	captureRefRe = regexp.MustCompile(`(?i)^capture_(.+)\.jpe?g$`)

	// filenameTimeRe matches the filename-safe form "2025-01-01T12-30-00" where
	// colons in the time part were replaced with hyphens.
	filenameTimeRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[T_](\d{2})-(\d{2})-(\d{2})(.*)$`)

	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04Z07:00",
		"20060102T150405Z0700",
		"20060102T150405Z07:00",
	}

	localLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
		"20060102T150405",
		"2006-01-02",
	}
)

// ParseOptions controls how feed rows map onto observations.
type ParseOptions struct {
	// DefaultLocation is used when a row has no location column. Empty means DefaultLocation.
	DefaultLocation string

	// LocationField is the 1-based column holding a zone identifier. Zero disables it.
	// The first three columns are reserved, so values below 4 are ignored.
	LocationField int

	// Location is the zone used for timestamps that carry no offset. Nil means time.Local.
	Location *time.Location
}

// FeedStats summarises one parse: non-empty lines seen, rows kept and rows dropped.
type FeedStats struct {
	Lines   int
	Parsed  int
	Dropped int
}

// ParseFeed turns raw feed text into observations, in input order.
// Malformed rows are dropped silently.
func ParseFeed(raw string, opts ParseOptions) []Observation {
	obs, _ := ParseFeedWithStats(raw, opts)
	return obs
}

// ParseFeedWithStats is ParseFeed plus row accounting for metrics.
func ParseFeedWithStats(raw string, opts ParseOptions) ([]Observation, FeedStats) {
	opts = opts.withDefaults()
	ingestedAt := clock.Now()

	var stats FeedStats
	out := make([]Observation, 0, strings.Count(raw, "\n")+1)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line) // also strips the \r of CRLF input
		if line == "" {
			continue
		}
		stats.Lines++

		o, ok := parseRow(line, opts, ingestedAt)
		if !ok {
			stats.Dropped++
			continue
		}
		out = append(out, o)
	}

	stats.Parsed = len(out)
	return out, stats
}

func (o ParseOptions) withDefaults() ParseOptions {
	if o.DefaultLocation == "" {
		o.DefaultLocation = DefaultLocation
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

func parseRow(line string, opts ParseOptions, ingestedAt time.Time) (Observation, bool) {
	fields := strings.Split(line, ",")
	if len(fields) < minFeedFields {
		return Observation{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	count, ok := parseCount(fields[2])
	if !ok {
		return Observation{}, false
	}

	o := Observation{
		SourceRef: fields[0],
		Count:     count,
		Location:  opts.DefaultLocation,
	}

	if opts.LocationField > minFeedFields && opts.LocationField <= len(fields) {
		if loc := fields[opts.LocationField-1]; loc != "" {
			o.Location = loc
		}
	}

	if fields[1] != "" {
		if ts, ok := parseTimestamp(normalizeTimestamp(fields[1]), opts.Location); ok {
			o.Timestamp, o.TimestampSource = ts, TimestampFromField
			return o, true
		}
	}
	if ts, ok := timestampFromSourceRef(o.SourceRef, opts.Location); ok {
		o.Timestamp, o.TimestampSource = ts, TimestampFromSourceRef
		return o, true
	}

	o.Timestamp, o.TimestampSource = ingestedAt, TimestampFromIngestion
	return o, true
}

// parseCount accepts any finite, non-negative number and truncates it to an int.
func parseCount(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > math.MaxInt32 {
		return 0, false
	}
	return int(math.Trunc(v)), true
}

// normalizeTimestamp swaps a space date/time divider for the canonical "T",
// e.g. "2025-01-01 12:30:00" -> "2025-01-01T12:30:00".
func normalizeTimestamp(s string) string {
	if strings.Contains(s, " ") && !strings.Contains(s, "T") {
		return strings.Replace(s, " ", "T", 1)
	}
	return s
}

func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// timestampFromSourceRef extracts the instant embedded in a frame name of the
// form capture_<ISO8601>.jpg. Directory prefixes are ignored.
func timestampFromSourceRef(ref string, loc *time.Location) (time.Time, bool) {
	m := captureRefRe.FindStringSubmatch(path.Base(ref))
	if len(m) != 2 {
		return time.Time{}, false
	}
	candidate := m[1]
	if t, ok := parseTimestamp(candidate, loc); ok {
		return t, true
	}
	if fm := filenameTimeRe.FindStringSubmatch(candidate); len(fm) == 6 {
		return parseTimestamp(fm[1]+"T"+fm[2]+":"+fm[3]+":"+fm[4]+fm[5], loc)
	}
	return time.Time{}, false
}
