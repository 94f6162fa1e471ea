// Package stats aggregates metrics from many load test clients and prints a
// summary report with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from concurrent load test clients. All
// methods are goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	matchLatencies   []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	startTime        time.Time
	health           *HealthPoller
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetHealthPoller attaches a poller whose server-side figures are included
// in Report.
func (c *Collector) SetHealthPoller(p *HealthPoller) {
	c.mu.Lock()
	c.health = p
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMatchLatency records the time from find_match to match_found.
func (c *Collector) AddMatchLatency(d time.Duration) {
	c.mu.Lock()
	c.matchLatencies = append(c.matchLatencies, d)
	c.mu.Unlock()
}

// AddMsgLatency records the time from send_message to message_received on
// the partner's connection.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
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

// Summary is the distribution of a set of latency samples.
type Summary struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

// Summarize computes the distribution of samples. It sorts a copy, so the
// caller's slice is left untouched. An empty input yields the zero Summary.
func Summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*p))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

// Report prints the collected metrics to stdout.
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

	for _, section := range []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Match Latency", c.matchLatencies},
		{"Message Latency", c.msgLatencies},
	} {
		if len(section.samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n  %s\n", section.title, Summarize(section.samples))
	}

	if c.health != nil {
		c.health.Report()
	}
	fmt.Println()
}
