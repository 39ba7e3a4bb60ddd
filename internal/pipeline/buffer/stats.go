package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/internal/observe"
)

// Stats is a point-in-time view of one buffer's counters. Latency figures
// measure first STT sighting to first synthesized audio frame.
type Stats struct {
	SegmentsProcessed     int64   `json:"segments_processed"`
	TranslationsCompleted int64   `json:"translations_completed"`
	TranslationsFailed    int64   `json:"translations_failed"`
	MissedSegments        int64   `json:"missed_segments"`
	DroppedSegments       int64   `json:"dropped_segments"`
	PendingSegments       int64   `json:"pending_segments"`
	AvgLatencyMs          float64 `json:"avg_latency_ms"`
	P95LatencyMs          float64 `json:"p95_latency_ms"`
	MaxLatencyMs          float64 `json:"max_latency_ms"`
}

// tracker accumulates buffer counters. It has its own lock because Stats()
// is served to the coordinator's snapshot path while the worker goroutine
// keeps counting.
type tracker struct {
	mu        sync.Mutex
	processed int64
	completed int64
	failed    int64
	missed    int64
	dropped   int64
	pending   int64

	latency *observe.LatencyRing
}

func newTracker() *tracker {
	return &tracker{latency: observe.NewLatencyRing(0)}
}

func (t *tracker) segmentOpened() {
	t.mu.Lock()
	t.pending++
	t.mu.Unlock()
}

// segmentTerminal records a segment reaching spoken or dropped state.
func (t *tracker) segmentTerminal(droppedReason bool, missed bool) {
	t.mu.Lock()
	t.processed++
	t.pending--
	if droppedReason {
		t.dropped++
	}
	if missed {
		t.missed++
	}
	t.mu.Unlock()
}

// pendingCount is the number of segments not yet spoken or dropped.
func (t *tracker) pendingCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *tracker) translationCompleted() {
	t.mu.Lock()
	t.completed++
	t.mu.Unlock()
}

func (t *tracker) translationFailed() {
	t.mu.Lock()
	t.failed++
	t.mu.Unlock()
}

func (t *tracker) snapshot() Stats {
	t.mu.Lock()
	s := Stats{
		SegmentsProcessed:     t.processed,
		TranslationsCompleted: t.completed,
		TranslationsFailed:    t.failed,
		MissedSegments:        t.missed,
		DroppedSegments:       t.dropped,
		PendingSegments:       t.pending,
	}
	t.mu.Unlock()

	lat := t.latency.Summary()
	s.AvgLatencyMs = durationMs(lat.Avg)
	s.P95LatencyMs = durationMs(lat.P95)
	s.MaxLatencyMs = durationMs(lat.Max)
	return s
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordFirstAudio marks the moment the first synthesized frame of u hit
// the outbound track. The synthesis stage calls this; it never touches the
// segment map, so it is safe from any goroutine.
func (b *Buffer) RecordFirstAudio(u Utterance, at time.Time) {
	d := at.Sub(u.FirstSeen)
	if d < 0 {
		d = 0
	}
	b.stats.latency.Add(d)
	b.metrics.SegmentLatency.Record(context.Background(), d.Seconds())
}

// Stats returns the buffer's current counters and latency summary. Safe to
// call from any goroutine at any point in the buffer's lifecycle.
func (b *Buffer) Stats() Stats {
	return b.stats.snapshot()
}
