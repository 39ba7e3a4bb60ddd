package buffer

import (
	"context"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// Thresholds for the "differs materially" check on interim hypotheses. An
// interim only triggers a fresh provisional translation when it has drifted
// at least this far from the last text submitted for the same segment.
const (
	editDistanceThreshold = 3
	wordCountDelta        = 2
)

// segmentStatus tracks where a segment is in its lifecycle.
type segmentStatus int

const (
	// statusOpen: transcripts are accumulating, nothing submitted yet.
	statusOpen segmentStatus = iota

	// statusTranslating: a translation has been submitted. The segment
	// stays here after completion until it is emitted or dropped.
	statusTranslating

	// statusSpoken: handed to the synthesis queue. Terminal.
	statusSpoken

	// statusDropped: discarded before playback. Terminal. The segment
	// still consumes its ordering slot.
	statusDropped
)

func (s segmentStatus) String() string {
	switch s {
	case statusOpen:
		return "open"
	case statusTranslating:
		return "translating"
	case statusSpoken:
		return "spoken"
	case statusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// segment is one utterance tracked from first interim sighting to synthesis
// or drop. Mutated only by the buffer's worker goroutine.
type segment struct {
	id        uint64
	firstSeen time.Time
	deadline  time.Time

	text       string    // latest hypothesis
	confidence float64   // of the latest hypothesis
	lastChange time.Time // when text last changed, drives silence promotion
	final      bool      // an authoritative hypothesis has been accepted

	status      segmentStatus
	submitted   string // text of the in-flight or completed translation
	provisional bool   // submitted text was an interim hypothesis
	attempt     uint64 // submission counter, stales earlier completions

	translated   string // completed translation, pending emission
	translatedAt time.Time

	terminalAt time.Time          // for tombstone cleanup
	cancel     context.CancelFunc // cancels the in-flight translation
}

func (s *segment) terminal() bool {
	return s.status == statusSpoken || s.status == statusDropped
}

// cancelInflight stops the running translation, if any.
func (s *segment) cancelInflight() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// differsMaterially reports whether candidate has drifted enough from the
// last-submitted text to justify a fresh provisional translation. Any
// non-empty candidate differs from an empty submission.
func differsMaterially(submitted, candidate string) bool {
	if candidate == "" || candidate == submitted {
		return false
	}
	if submitted == "" {
		return true
	}
	words := len(strings.Fields(candidate)) - len(strings.Fields(submitted))
	if words < 0 {
		words = -words
	}
	if words >= wordCountDelta {
		return true
	}
	return matchr.Levenshtein(submitted, candidate) >= editDistanceThreshold
}
