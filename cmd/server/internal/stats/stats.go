// Package stats keeps lightweight request counters for the /health and
// /stats endpoints. Everything is atomic: recording never blocks a request
// and never fails.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector accumulates request outcomes since process start.
type Collector struct {
	total        atomic.Int64
	success      atomic.Int64
	failed       atomic.Int64
	totalNanos   atomic.Int64
	startedAtUTC time.Time
}

// NewCollector creates a collector anchored at the current time.
func NewCollector() *Collector {
	return &Collector{startedAtUTC: time.Now().UTC()}
}

// Record registers one finished request. Safe under unbounded concurrency.
func (c *Collector) Record(success bool, duration time.Duration) {
	c.total.Add(1)
	if success {
		c.success.Add(1)
	} else {
		c.failed.Add(1)
	}
	c.totalNanos.Add(int64(duration))
}

// Snapshot is a consistent-enough view for observability; counters are read
// individually, which is fine for monitoring purposes.
type Snapshot struct {
	TotalRequests   int64  `json:"total_requests"`
	SuccessRequests int64  `json:"success_requests"`
	FailedRequests  int64  `json:"failed_requests"`
	SuccessRate     string `json:"success_rate"`
	AvgResponseTime string `json:"avg_response_time"`
	Uptime          string `json:"uptime"`
}

// Snapshot returns the current counters with derived rates.
func (c *Collector) Snapshot() Snapshot {
	total := c.total.Load()
	success := c.success.Load()
	failed := c.failed.Load()
	totalDur := time.Duration(c.totalNanos.Load())

	snap := Snapshot{
		TotalRequests:   total,
		SuccessRequests: success,
		FailedRequests:  failed,
		SuccessRate:     "0.00%",
		AvgResponseTime: "0.000s",
		Uptime:          fmt.Sprintf("%.0fs", time.Since(c.startedAtUTC).Seconds()),
	}
	if total > 0 {
		snap.SuccessRate = fmt.Sprintf("%.2f%%", float64(success)/float64(total)*100)
		snap.AvgResponseTime = fmt.Sprintf("%.3fs", (totalDur / time.Duration(total)).Seconds())
	}
	return snap
}

// UptimeSeconds returns seconds since the collector was created.
func (c *Collector) UptimeSeconds() float64 {
	return time.Since(c.startedAtUTC).Seconds()
}
