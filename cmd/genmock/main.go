// Command genmock writes a synthetic crowd-count feed for local runs and demos.
// Counts follow a daily curve per location that peaks around midday, with
// optional noise rows so the parser's drop path is exercised. The output is
// reproducible for a given seed.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -out data/mock/counts.csv \
//	  -date 2025-06-01 \
//	  -locations main_entrance,food_court \
//	  -interval 2s -hours 8 -malformed 0.01
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// profile shapes one location's daily curve.
type profile struct {
	location string
	base     float64 // count at opening
	peak     float64 // count at the busiest hour
	peakHour float64
	spread   float64 // hours either side of the peak
}

var defaultProfiles = map[string]profile{
	"main_entrance": {base: 40, peak: 460, peakHour: 12.5, spread: 2.5},
	"food_court":    {base: 10, peak: 380, peakHour: 13, spread: 1.5},
	"exhibit_hall":  {base: 20, peak: 250, peakHour: 15, spread: 3},
}

type options struct {
	out       string
	date      time.Time
	start     int
	hours     int
	interval  time.Duration
	locations []string
	malformed float64
	seed      uint64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the feed CSV")
	date := flag.String("date", "2025-06-01", "day to generate, YYYY-MM-DD (UTC)")
	start := flag.Int("start", 9, "first hour of the day to generate")
	hours := flag.Int("hours", 8, "number of hours to generate")
	interval := flag.Duration("interval", 2*time.Second, "time between frames per location")
	locations := flag.String("locations", domain.DefaultLocation, "comma separated locations; more than one adds a location column")
	malformed := flag.Float64("malformed", 0, "fraction of rows written with an unparseable count")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	day, err := time.Parse(time.DateOnly, *date)
	if err != nil {
		return fmt.Errorf("parse -date: %w", err)
	}
	if *interval <= 0 || *hours <= 0 || *malformed < 0 || *malformed >= 1 {
		return fmt.Errorf("-interval and -hours must be positive and -malformed in [0,1)")
	}

	opts := options{
		out:       *out,
		date:      day,
		start:     *start,
		hours:     *hours,
		interval:  *interval,
		locations: splitLocations(*locations),
		malformed: *malformed,
		seed:      *seed,
	}

	raw := generate(opts)
	if err := writeFile(opts.out, raw); err != nil {
		return fmt.Errorf("write feed: %w", err)
	}
	log.Printf("wrote feed: %s", opts.out)

	// Parse the result back through the real parser so the printed summary
	// matches what the pipeline will see.
	domain.SetClock(clockwork.NewFakeClockAt(day))
	defer domain.SetClock(nil)

	parseOpts := domain.ParseOptions{Location: time.UTC}
	if len(opts.locations) > 1 {
		parseOpts.LocationField = 4
	}
	obs, stats := domain.ParseFeedWithStats(raw, parseOpts)
	printStats(stats, aggregate.Aggregate(obs, day, time.UTC))
	return nil
}

func generate(opts options) string {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	multi := len(opts.locations) > 1

	profiles := make([]profile, 0, len(opts.locations))
	for _, loc := range opts.locations {
		p, ok := defaultProfiles[loc]
		if !ok {
			p = profile{base: 20, peak: 300, peakHour: 13, spread: 2}
		}
		p.location = loc
		profiles = append(profiles, p)
	}

	var b strings.Builder
	if multi {
		b.WriteString("image_name,timestamp,people_count,location\n")
	} else {
		b.WriteString("image_name,timestamp,people_count\n")
	}

	from := opts.date.Add(time.Duration(opts.start) * time.Hour)
	to := from.Add(time.Duration(opts.hours) * time.Hour)
	for t := from; t.Before(to); t = t.Add(opts.interval) {
		for _, p := range profiles {
			ref := "capture_" + t.Format("2006-01-02_15-04-05") + ".jpg"
			if multi {
				ref = p.location + "_" + ref
			}

			count := fmt.Sprint(p.countAt(t, rng))
			if rng.Float64() < opts.malformed {
				count = "n/a"
			}

			fmt.Fprintf(&b, "%s,%s,%s", ref, t.Format(time.RFC3339), count)
			if multi {
				b.WriteString("," + p.location)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// countAt evaluates a gaussian bump over the base count plus a little noise.
func (p profile) countAt(t time.Time, rng *rand.Rand) int {
	h := float64(t.Hour()) + float64(t.Minute())/60
	bump := math.Exp(-math.Pow(h-p.peakHour, 2) / (2 * p.spread * p.spread))
	v := p.base + (p.peak-p.base)*bump + rng.NormFloat64()*p.peak*0.03
	return max(0, int(math.Round(v)))
}

func splitLocations(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		out = []string{domain.DefaultLocation}
	}
	return out
}

func writeFile(path, data string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(data); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printStats(stats domain.FeedStats, report aggregate.Report) {
	fmt.Println()
	fmt.Printf("rows: %d parsed, %d dropped\n", stats.Parsed, stats.Dropped)
	fmt.Printf("peak: %d  average: %.1f\n", report.Summary.Peak, report.Summary.Average)

	fmt.Println("\nBy location:")
	for _, l := range report.Locations {
		fmt.Printf("  %-16s readings=%-6d peak=%-4d avg=%.1f\n", l.Location, l.Readings, l.Peak, l.Average)
	}

	fmt.Println("\nDensity:")
	for _, d := range report.Density {
		fmt.Printf("  %-16s %d\n", d.Label, d.Count)
	}
}
