package gateway

import (
	"math"
	"sort"
	"sync"
)

// LatencyStats summarises the recorded delivery lag in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// LatencyTracker keeps the last N latency samples and computes percentiles
// over them. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	n       int
}

// NewLatencyTracker creates a tracker that holds the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: make([]float64, capacity)}
}

// Record adds a latency sample in milliseconds.
func (lt *LatencyTracker) Record(ms float64) {
	lt.mu.Lock()
	lt.samples[lt.next] = ms
	lt.next = (lt.next + 1) % len(lt.samples)
	if lt.n < len(lt.samples) {
		lt.n++
	}
	lt.mu.Unlock()
}

// Stats returns percentiles over the buffered samples. All zero when empty.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	sorted := make([]float64, lt.n)
	copy(sorted, lt.samples[:lt.n]) // order is irrelevant, only the live prefix
	lt.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyStats{}
	}
	sort.Float64s(sorted)
	return LatencyStats{
		Count: len(sorted),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Max:   sorted[len(sorted)-1],
	}
}

// percentile linearly interpolates the p-th percentile (0..1) of sorted.
func percentile(sorted []float64, p float64) float64 {
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
