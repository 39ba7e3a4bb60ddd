package observe

import (
	"math"
	"sort"
	"sync"
	"time"
)

// defaultRingSize bounds the number of latency samples retained per ring
// when the caller does not choose a window.
const defaultRingSize = 256

// LatencyRing is a bounded ring buffer of duration samples from which
// on-demand percentile summaries are computed. Every pipeline keeps one per
// stage; the coordinator folds their summaries into its stats snapshot.
//
// Thread-safe for concurrent use.
type LatencyRing struct {
	mu   sync.Mutex
	data []time.Duration
	pos  int
	full bool

	count int64
	total time.Duration
	max   time.Duration
}

// NewLatencyRing creates a ring retaining up to windowSize samples for
// percentile computation. Non-positive sizes fall back to the default.
func NewLatencyRing(windowSize int) *LatencyRing {
	if windowSize <= 0 {
		windowSize = defaultRingSize
	}
	return &LatencyRing{data: make([]time.Duration, windowSize)}
}

// Add records one latency sample.
func (r *LatencyRing) Add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[r.pos] = d
	r.pos++
	if r.pos >= len(r.data) {
		r.pos = 0
		r.full = true
	}
	r.count++
	r.total += d
	if d > r.max {
		r.max = d
	}
}

// LatencySummary is a point-in-time view of a [LatencyRing]. Count, Avg,
// and Max cover the ring's whole lifetime; P50 and P95 cover the retained
// window.
type LatencySummary struct {
	Count int64
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

// Summary computes the current latency summary.
func (r *LatencyRing) Summary() LatencySummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := LatencySummary{Count: r.count, Max: r.max}
	if r.count > 0 {
		s.Avg = r.total / time.Duration(r.count)
	}

	n := r.pos
	if r.full {
		n = len(r.data)
	}
	if n == 0 {
		return s
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.P50 = percentile(sorted, 0.50)
	s.P95 = percentile(sorted, 0.95)
	return s
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
