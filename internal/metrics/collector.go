// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
}

// Snapshot represents the client statistics at a point in time.
type Snapshot struct {
	UptimeSeconds  float64
	FramesSent     int64
	FramesQueued   int64
	FramesDropped  int64
	FramesReceived int64
	FramesRejected int64
	Reconnects     int64
	Dispatch       *OperationSnapshot
	Backoff        *OperationSnapshot
}

// Operation names for the collector.
const (
	OpFrameSent     = "frame_sent"
	OpFrameQueued   = "frame_queued"
	OpFrameDropped  = "frame_dropped"
	OpFrameReceived = "frame_received"
	OpFrameRejected = "frame_rejected"
	OpReconnect     = "reconnect"
	OpDispatch      = "dispatch"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and a nil *Collector discards everything.
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

// Incr counts one occurrence of an operation.
func (c *Collector) Incr(op string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).Count++
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Count returns how often op was recorded.
func (c *Collector) Count(op string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.ops[op]; ok {
		return m.Count
	}
	return 0
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 || m.TotalTime == 0 && m.MaxTime == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

func count(m *OperationMetrics) int64 {
	if m == nil {
		return 0
	}
	return m.Count
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:  time.Since(c.startTime).Seconds(),
		FramesSent:     count(c.ops[OpFrameSent]),
		FramesQueued:   count(c.ops[OpFrameQueued]),
		FramesDropped:  count(c.ops[OpFrameDropped]),
		FramesReceived: count(c.ops[OpFrameReceived]),
		FramesRejected: count(c.ops[OpFrameRejected]),
		Reconnects:     count(c.ops[OpReconnect]),
		Dispatch:       snapshotOp(c.ops[OpDispatch]),
		Backoff:        snapshotOp(c.ops[OpReconnect]),
	}
}
