package stats

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Series exposed by the relay's /metrics endpoint.
const (
	metricConnections  = "collab_connections_total"
	metricRooms        = "collab_active_rooms"
	metricJoined       = "collab_joined_sessions"
	metricMessages     = "collab_messages_total"
	metricRateLimited  = "collab_rate_limited_total"
	metricStateOutcome = "collab_initial_state_total"
	metricHubLatency   = "collab_message_latency_seconds"
	metricStateWait    = "collab_initial_state_seconds"
)

// sample is one scrape of the relay. Values are keyed by metric name, plus
// the label value for labelled series ("collab_messages_total/codeChange").
type sample struct {
	at     time.Time
	values map[string]float64
}

func (s sample) get(name string) float64 { return s.values[name] }

// labelled returns label value -> value for every series of name.
func (s sample) labelled(name string) map[string]float64 {
	out := make(map[string]float64)
	prefix := name + "/"
	for k, v := range s.values {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

// Scraper polls the relay's Prometheus endpoint during a run so the report can
// show what the server saw next to what the clients measured.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	samples []sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start samples once immediately, then every interval until Stop or ctx ends.
// A final sample is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.poll()

	go func() {
		defer close(s.done)
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				s.poll()
				return
			case <-tick.C:
				s.poll()
			}
		}
	}()
}

// Stop ends sampling and waits for the final sample.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) poll() {
	smp, err := s.fetch()
	if err != nil {
		return // relay not up yet, or already gone
	}
	s.mu.Lock()
	s.samples = append(s.samples, smp)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (sample, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return sample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sample{}, fmt.Errorf("scrape %s: %s", s.url, resp.Status)
	}

	smp := sample{at: time.Now(), values: make(map[string]float64)}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		name, label, v, ok := parseSample(sc.Text())
		if !ok || !strings.HasPrefix(name, "collab_") {
			continue
		}
		key := name
		if label != "" {
			key += "/" + label
		}
		smp.values[key] = v
	}
	return smp, sc.Err()
}

// parseSample splits an exposition line into metric name, the value of its
// first label (empty when unlabelled) and the sample value. Comments, blank
// lines and malformed lines report ok=false.
func parseSample(line string) (name, label string, value float64, ok bool) {
	if line == "" || line[0] == '#' {
		return "", "", 0, false
	}

	rest := line
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			return "", "", 0, false
		}
		name = line[:open]
		labels := line[open+1 : open+end]
		if _, v, found := strings.Cut(labels, "="); found {
			v, _, _ = strings.Cut(v, ",")
			label = strings.Trim(v, `"`)
		}
		rest = line[open+end+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, label, v, true
}

// Report prints the relay's view of the run: occupancy, relayed traffic per
// message type, initial-state outcomes, and hub-side latency.
func (s *Scraper) Report() {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) < 2 {
		fmt.Println("\n--- Relay Metrics: not enough samples ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Printf("\n--- Relay Metrics (%d samples over %s) ---\n",
		len(samples), last.at.Sub(first.at).Round(time.Second))

	fmt.Println("\n  Occupancy          start      end     peak")
	for _, g := range []struct{ label, name string }{
		{"sockets", metricConnections},
		{"rooms", metricRooms},
		{"joined sessions", metricJoined},
	} {
		fmt.Printf("  %-16s %7.0f  %7.0f  %7.0f\n",
			g.label, first.get(g.name), last.get(g.name), peak(samples, g.name))
	}

	relayed := deltas(first.labelled(metricMessages), last.labelled(metricMessages))
	limited := deltas(first.labelled(metricRateLimited), last.labelled(metricRateLimited))
	if len(relayed)+len(limited) > 0 {
		fmt.Println("\n  Message type        relayed  rate-limited")
		for _, t := range unionKeys(relayed, limited) {
			fmt.Printf("  %-20s %7.0f  %12.0f\n", t, relayed[t], limited[t])
		}
	}

	outcomes := deltas(first.labelled(metricStateOutcome), last.labelled(metricStateOutcome))
	var answered float64
	for _, n := range outcomes {
		answered += n
	}
	if answered > 0 {
		fmt.Println("\n  Initial state")
		for _, status := range unionKeys(outcomes, nil) {
			fmt.Printf("  %-16s %7.0f  (%.1f%%)\n", status, outcomes[status], 100*outcomes[status]/answered)
		}
	}

	fmt.Println()
	printMean("hub call", first, last, metricHubLatency)
	printMean("state wait", first, last, metricStateWait)
}

// printMean prints the mean of a histogram over the run from its _sum and
// _count deltas.
func printMean(label string, first, last sample, hist string) {
	n := last.get(hist+"_count") - first.get(hist+"_count")
	if n <= 0 {
		fmt.Printf("  %-16s no observations\n", label)
		return
	}
	sum := last.get(hist+"_sum") - first.get(hist+"_sum")
	mean := time.Duration(sum / n * float64(time.Second))
	fmt.Printf("  %-16s mean %s over %.0f observations\n", label, mean.Round(time.Microsecond), n)
}

func peak(samples []sample, name string) float64 {
	var m float64
	for _, s := range samples {
		if v := s.get(name); v > m {
			m = v
		}
	}
	return m
}

func deltas(before, after map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(after))
	for k, v := range after {
		if d := v - before[k]; d > 0 {
			out[k] = d
		}
	}
	return out
}

func unionKeys(a, b map[string]float64) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
