// Package loadstats is a goroutine-safe collector of operation latencies for
// load runs. It prints a summary report with percentile distributions.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates latencies from many worker goroutines. All methods are
// safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	errors    map[string]int
	startTime time.Time
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]time.Duration),
		errors:    make(map[string]int),
		startTime: time.Now(),
	}
}

// Observe records one op that took d, or an error for op when err != nil.
func (c *Collector) Observe(op string, d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errors[op]++
		return
	}
	c.latencies[op] = append(c.latencies[op], d)
}

// Time runs fn and records its duration under op.
func (c *Collector) Time(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.Observe(op, time.Since(start), err)
	return err
}

// ErrorCount returns the number of failed ops of every kind.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.errors {
		n += e
	}
	return n
}

// Summary is the latency distribution of one op.
type Summary struct {
	Op     string
	Count  int
	Errors int
	Avg    time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Max    time.Duration
}

// Summaries returns one Summary per op, ordered by op name.
func (c *Collector) Summaries() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops := make(map[string]bool)
	for op := range c.latencies {
		ops[op] = true
	}
	for op := range c.errors {
		ops[op] = true
	}
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, op := range names {
		s := summarize(c.latencies[op])
		s.Op = op
		s.Errors = c.errors[op]
		out = append(out, s)
	}
	return out
}

// Report writes a formatted summary to w.
func (c *Collector) Report(w io.Writer) {
	elapsed := time.Since(c.startTime)
	summaries := c.Summaries()

	fmt.Fprintln(w, "\n=== Load Results ===")
	fmt.Fprintf(w, "Duration:  %s\n", elapsed.Round(time.Millisecond))
	for _, s := range summaries {
		fmt.Fprintf(w, "\n--- %s ---\n", s.Op)
		if s.Count > 0 {
			fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
				s.Avg.Round(time.Microsecond),
				s.P50.Round(time.Microsecond),
				s.P95.Round(time.Microsecond),
				s.P99.Round(time.Microsecond),
				s.Max.Round(time.Microsecond),
				s.Count,
			)
		}
		if s.Errors > 0 {
			fmt.Fprintf(w, "  errors: %d\n", s.Errors)
		}
	}
	fmt.Fprintln(w)
}

// summarize sorts a copy of durations and computes avg, p50, p95, p99 and max.
func summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Summary{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   sorted[n/2],
		P95:   sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99:   sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max:   sorted[n-1],
	}
}
