package mock

import (
	"sync"
	"time"
)

// RecordingStatter is used for testing. It records counts and timings.
type RecordingStatter struct {
	mu      sync.Mutex
	counts  map[string]int64
	timings map[string]int
}

// Count implements Count.
func (r *RecordingStatter) Count(name string, value int64, rate float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int64)
	}
	r.counts[name] += value
}

// Gauge implements Gauge.
func (r *RecordingStatter) Gauge(name string, value float64, rate float64, tags ...string) {}

// Histogram implements Histogram.
func (r *RecordingStatter) Histogram(name string, value float64, rate float64, tags ...string) {}

// Set implements Set.
func (r *RecordingStatter) Set(name string, value string, rate float64, tags ...string) {}

// Timing implements Timing.
func (r *RecordingStatter) Timing(name string, value time.Duration, rate float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timings == nil {
		r.timings = make(map[string]int)
	}
	r.timings[name]++
}

// CountOf returns the sum of all counts recorded under name.
func (r *RecordingStatter) CountOf(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// TimingsOf returns how many timings were recorded under name.
func (r *RecordingStatter) TimingsOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings[name]
}
