// Package stats aggregates load test measurements from many clients and
// prints percentile summaries, optionally next to server-side Prometheus
// metrics.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Series names used by the scenarios.
const (
	SeriesConnect = "Connect latency"
	SeriesRelay   = "Relay latency (codeChange -> codeUpdate)"
	SeriesState   = "Initial state latency"
)

// Collector is safe for concurrent use.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	counters    map[string]int64
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the clock started.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		counters:  make(map[string]int64),
		startTime: time.Now(),
	}
}

// SetScraper attaches server metrics to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records one established connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
	c.Add(SeriesConnect, d)
}

// AddMsgLatency records one relay latency sample.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.Add(SeriesRelay, d)
}

// Add records a sample in the named series.
func (c *Collector) Add(series string, d time.Duration) {
	c.mu.Lock()
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// Count increments a named counter, e.g. initialState outcomes.
func (c *Collector) Count(name string) {
	c.mu.Lock()
	c.counters[name]++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of established connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	if len(c.counters) > 0 {
		names := make([]string, 0, len(c.counters))
		for name := range c.counters {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("\n--- Counters ---")
		for _, name := range names {
			fmt.Printf("  %-28s %d\n", name, c.counters[name])
		}
	}

	for _, name := range c.order {
		fmt.Printf("\n--- %s ---\n", name)
		fmt.Println("  " + Summarize(c.series[name]).String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Summary is a percentile digest of one series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes its digest.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[percentileIndex(n, 0.95)],
		P99: durations[percentileIndex(n, 0.99)],
		Max: durations[n-1],
	}
}

func percentileIndex(n int, p float64) int {
	return max(int(math.Ceil(float64(n)*p))-1, 0)
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.N)
}
