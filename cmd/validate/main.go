// Command validate checks a crowd-count feed file before it is pointed at the
// pipeline. It runs the feed through the real parser and verifies row
// quality, timestamp order, count sanity and location coverage.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -feed data/mock/counts.csv \
//	  -locations main_entrance,food_court \
//	  -location-field 4 \
//	  -max-drop 0.02
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// ingestInstant freezes the parser clock so runs are repeatable.
var ingestInstant = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	feed          string
	locations     []string
	locationField int
	timezone      *time.Location
	maxDrop       float64
	maxCount      int
}

func main() {
	feed := flag.String("feed", "", "path to the feed CSV")
	locations := flag.String("locations", "", "comma separated locations every row must belong to (empty allows any)")
	locationField := flag.Int("location-field", 0, "1-based column holding the location (0 for none)")
	tz := flag.String("timezone", "UTC", "zone for timestamps without an offset")
	maxDrop := flag.Float64("max-drop", 0.05, "maximum fraction of dropped rows, header excluded")
	maxCount := flag.Int("max-count", 10000, "largest plausible count for a single frame")
	flag.Parse()

	if *feed == "" {
		flag.Usage()
		os.Exit(1)
	}
	loc, err := time.LoadLocation(*tz)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load timezone: %v\n", err)
		os.Exit(1)
	}

	opts := options{
		feed:          *feed,
		locationField: *locationField,
		timezone:      loc,
		maxDrop:       *maxDrop,
		maxCount:      *maxCount,
	}
	for _, l := range strings.Split(*locations, ",") {
		if l = strings.TrimSpace(l); l != "" {
			opts.locations = append(opts.locations, l)
		}
	}

	os.Exit(run(opts))
}

func run(opts options) int {
	domain.SetClock(clockwork.NewFakeClockAt(ingestInstant))
	defer domain.SetClock(nil)

	fmt.Println("=== Crowd Feed Validation ===")
	fmt.Println()

	raw, err := os.ReadFile(opts.feed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: read feed: %v\n", err)
		return 1
	}

	obs, stats := domain.ParseFeedWithStats(string(raw), domain.ParseOptions{
		LocationField: opts.locationField,
		Location:      opts.timezone,
	})

	phases := []*phase{
		validateRows(stats, opts.maxDrop),
		validateTimestamps(obs),
		validateCounts(obs, opts.maxCount),
		validateLocations(obs, opts.locations),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Rows: %d lines, %d parsed, %d dropped\n", stats.Lines, stats.Parsed, stats.Dropped)
	printReport(obs, opts.timezone)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Phases ──

func validateRows(stats domain.FeedStats, maxDrop float64) *phase {
	p := &phase{name: "Row parsing"}
	if stats.Parsed == 0 {
		p.errorf("no parseable rows in %d lines", stats.Lines)
		return p
	}
	// The first line is usually a header, which the parser drops like any bad row.
	dropped := max(stats.Dropped-1, 0)
	if rows := stats.Lines - 1; rows > 0 {
		if ratio := float64(dropped) / float64(rows); ratio > maxDrop {
			p.errorf("%.1f%% of rows dropped (limit %.1f%%)", ratio*100, maxDrop*100)
		}
	}
	return p
}

func validateTimestamps(obs []domain.Observation) *phase {
	p := &phase{name: "Timestamps (source and arrival order)"}

	last := make(map[string]domain.Observation)
	for i, o := range obs {
		if o.TimestampSource == domain.TimestampFromIngestion {
			p.errorf("row %d (%s): no usable timestamp in field or source ref", i+1, o.SourceRef)
			continue
		}
		if prev, ok := last[o.Location]; ok && o.Timestamp.Before(prev.Timestamp) {
			p.errorf("row %d (%s): %s is earlier than previous %s row at %s",
				i+1, o.SourceRef, o.Timestamp.Format(time.RFC3339), o.Location, prev.Timestamp.Format(time.RFC3339))
		}
		last[o.Location] = o
	}
	return p
}

func validateCounts(obs []domain.Observation, maxCount int) *phase {
	p := &phase{name: "Count sanity"}
	for i, o := range obs {
		if o.Count > maxCount {
			p.errorf("row %d (%s): count %d above %d", i+1, o.SourceRef, o.Count, maxCount)
		}
	}
	return p
}

func validateLocations(obs []domain.Observation, allowed []string) *phase {
	p := &phase{name: "Location coverage"}
	if len(allowed) == 0 {
		return p
	}

	seen := make(map[string]int)
	for _, o := range obs {
		seen[o.Location]++
	}
	for loc, n := range seen {
		if !slices.Contains(allowed, loc) {
			p.errorf("unexpected location %q (%d rows)", loc, n)
		}
	}
	for _, loc := range allowed {
		if seen[loc] == 0 {
			p.errorf("configured location %q has no rows", loc)
		}
	}
	return p
}

func printReport(obs []domain.Observation, tz *time.Location) {
	report := aggregate.Aggregate(obs, time.Time{}, tz)
	fmt.Printf("Peak: %d  Average: %.1f\n", report.Summary.Peak, report.Summary.Average)
	for _, d := range report.Density {
		fmt.Printf("  %-16s %d\n", d.Label, d.Count)
	}
}
