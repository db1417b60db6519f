// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for the reactor toolkit's ambient
// introspection surface (spec.md section 4.9/4.10): gauges (arbitrary
// last-set values, e.g. a connection's current pending_write) and
// monotonic counters (e.g. a cumulative count of timers fired), both
// exposed as one flat snapshot.

package control

import (
	"sync"
	"time"
)

// MetricsRegistry holds gauge values and monotonic counters behind one
// lock, so a snapshot never observes a counter mid-increment against a
// gauge set concurrently.
type MetricsRegistry struct {
	mu       sync.RWMutex
	gauges   map[string]any
	counters map[string]int64
	updated  time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		gauges:   make(map[string]any),
		counters: make(map[string]int64),
	}
}

// Set overwrites a gauge's value, e.g. a connection's live pending_write
// byte count or a process's exit code.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.gauges[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Inc adds delta to a monotonic counter, e.g. a cumulative timer-fire or
// process-finished count, returning the counter's new value.
func (mr *MetricsRegistry) Inc(key string, delta int64) int64 {
	mr.mu.Lock()
	mr.counters[key] += delta
	mr.updated = time.Now()
	v := mr.counters[key]
	mr.mu.Unlock()
	return v
}

// GetSnapshot returns every gauge and counter as one flat map.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.gauges)+len(mr.counters))
	for k, v := range mr.gauges {
		out[k] = v
	}
	for k, v := range mr.counters {
		out[k] = v
	}
	return out
}

// LastUpdated reports when Set or Inc last touched the registry, the
// zero Time if neither has been called yet.
func (mr *MetricsRegistry) LastUpdated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}
