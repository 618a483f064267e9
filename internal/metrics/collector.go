// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Payload bytes moved (uploads, downloads, frames)
	Bytes int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Name        string
	Count       int64
	Failures    int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
	Bytes       int64

	// Rate is completed operations per second of uptime.
	Rate float64
}

// Snapshot represents the collected statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Operations    []OperationSnapshot
}

// Get returns the named operation, or nil if it has no data.
func (s Snapshot) Get(op string) *OperationSnapshot {
	for i := range s.Operations {
		if s.Operations[i].Name == op {
			return &s.Operations[i]
		}
	}
	return nil
}

// Operation names for the collector.
const (
	OpUpload     = "upload"
	OpPoll       = "poll"
	OpHeartbeat  = "heartbeat"
	OpDownload   = "download"
	OpConfirm    = "confirm"
	OpCacheClear = "cache_clear"
	OpUnload     = "unload"
	OpRefresh    = "refresh"
	OpFrame      = "frame"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe. A nil *Collector discards everything.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records one completed operation. A non-nil err counts as a failure.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	c.RecordTransfer(op, duration, 0, err)
}

// RecordTransfer records timing plus the number of payload bytes moved.
func (c *Collector) RecordTransfer(op string, duration time.Duration, bytes int64, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	m.Bytes += bytes
	if err != nil {
		m.Failures++
	}

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Since is a helper for the common defer pattern:
//
//	start := time.Now()
//	defer func() { c.Since(metrics.OpPoll, start, err) }()
func (c *Collector) Since(op string, start time.Time, err error) {
	c.RecordTiming(op, time.Since(start), err)
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(name string, m *OperationMetrics, uptime float64) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Name:        name,
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
		Bytes:       m.Bytes,
	}
	if uptime > 0 {
		snap.Rate = float64(m.Count) / uptime
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics, sorted by name.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	uptime := time.Since(c.startTime).Seconds()
	snap := Snapshot{UptimeSeconds: uptime}
	for name, m := range c.ops {
		if op := snapshotOp(name, m, uptime); op != nil {
			snap.Operations = append(snap.Operations, *op)
		}
	}
	sort.Slice(snap.Operations, func(i, j int) bool {
		return snap.Operations[i].Name < snap.Operations[j].Name
	})
	return snap
}
