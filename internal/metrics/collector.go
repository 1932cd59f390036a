// Package metrics provides session statistics collection and reporting for
// the simulator.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Collector accumulates per-session statistics for a run.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	startTime time.Time

	total   int64
	success int64
	failed  int64

	// persistFailures counts sessions whose state could not be written back
	// to the user pool. The session itself still counts as completed.
	persistFailures int64

	byScenario map[string]int64
	byEvent    map[string]int64

	durTotal time.Duration
	durMin   time.Duration
	durMax   time.Duration
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:  time.Now(),
		byScenario: make(map[string]int64),
		byEvent:    make(map[string]int64),
	}
}

// RecordSession records one completed session, successful or not. The event
// names are the events the session actually triggered.
func (c *Collector) RecordSession(scenario string, success bool, events []string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if success {
		c.success++
	} else {
		c.failed++
	}

	c.byScenario[scenario]++
	for _, ev := range events {
		c.byEvent[ev]++
	}

	c.durTotal += duration
	if c.durMin == 0 || duration < c.durMin {
		c.durMin = duration
	}
	if duration > c.durMax {
		c.durMax = duration
	}
}

// RecordPersistFailure records a failed state write-back.
func (c *Collector) RecordPersistFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistFailures++
}

// Summary is a point-in-time snapshot of collected statistics.
type Summary struct {
	Elapsed         time.Duration
	Total           int64
	Success         int64
	Failed          int64
	PersistFailures int64
	ByScenario      map[string]int64
	ByEvent         map[string]int64
	MeanDuration    time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
}

// Snapshot returns the current statistics.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Elapsed:         time.Since(c.startTime),
		Total:           c.total,
		Success:         c.success,
		Failed:          c.failed,
		PersistFailures: c.persistFailures,
		ByScenario:      make(map[string]int64, len(c.byScenario)),
		ByEvent:         make(map[string]int64, len(c.byEvent)),
		MinDuration:     c.durMin,
		MaxDuration:     c.durMax,
	}
	for k, v := range c.byScenario {
		s.ByScenario[k] = v
	}
	for k, v := range c.byEvent {
		s.ByEvent[k] = v
	}
	if c.total > 0 {
		s.MeanDuration = c.durTotal / time.Duration(c.total)
	}
	return s
}

// WriteReport writes a human-readable run summary.
func (c *Collector) WriteReport(w io.Writer) {
	s := c.Snapshot()

	fmt.Fprintf(w, "\nSessions: %d total, %d successful, %d failed (%.1f%% success)\n",
		s.Total, s.Success, s.Failed, successRate(s.Success, s.Total))
	fmt.Fprintf(w, "Elapsed:  %s", s.Elapsed.Round(time.Millisecond))
	if s.Total > 0 {
		fmt.Fprintf(w, " (session min/mean/max %s/%s/%s)",
			s.MinDuration.Round(time.Millisecond),
			s.MeanDuration.Round(time.Millisecond),
			s.MaxDuration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	if s.PersistFailures > 0 {
		fmt.Fprintf(w, "Warning:  %d session(s) could not persist user state\n", s.PersistFailures)
	}

	if len(s.ByScenario) > 0 {
		fmt.Fprintln(w, "\nScenarios:")
		for _, k := range sortedKeys(s.ByScenario) {
			fmt.Fprintf(w, "  %-18s %d\n", k, s.ByScenario[k])
		}
	}

	if len(s.ByEvent) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, k := range sortedKeys(s.ByEvent) {
			fmt.Fprintf(w, "  %-18s %d\n", k, s.ByEvent[k])
		}
	}
}

func successRate(success, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total) * 100
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
