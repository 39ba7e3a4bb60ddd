// Package energy implements a zero-dependency adaptive energy VAD engine.
//
// The detector computes per-frame RMS energy over 16-bit little-endian PCM,
// tracks an exponentially decaying noise floor, and maps the signal-to-floor
// ratio onto a pseudo-probability. A hangover counter bridges short
// intra-utterance pauses so single utterances are not split on every breath.
//
// It is deliberately simple: good enough to segment utterances for
// non-streaming STT backends, cheap enough to run per frame on every stream.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/polyglossa/pkg/provider/vad"
)

const (
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
	defaultHangoverMs       = 240

	// noiseAdapt is the smoothing factor for the noise-floor estimate during
	// silence. Smaller adapts slower.
	noiseAdapt = 0.05

	// ratioCeiling is the signal/floor ratio mapped to probability 1.0.
	ratioCeiling = 8.0
)

// Engine implements vad.Engine with the adaptive energy detector.
type Engine struct{}

// New returns a ready-to-use energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and creates an independent detector session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}

	speech := cfg.SpeechThreshold
	if speech == 0 {
		speech = defaultSpeechThreshold
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = defaultSilenceThreshold
	}
	if speech < 0 || speech > 1 || silence < 0 || silence > speech {
		return nil, fmt.Errorf("energy: thresholds out of range (speech=%.2f silence=%.2f)", speech, silence)
	}
	hangover := cfg.HangoverMs
	if hangover == 0 {
		hangover = defaultHangoverMs
	}

	return &session{
		frameBytes:     cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		speech:         speech,
		silence:        silence,
		hangoverFrames: hangover / cfg.FrameSizeMs,
	}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

var errClosed = errors.New("energy: session is closed")

// session holds per-stream detector state. Not safe for concurrent use; the
// caller drives it from a single pipeline goroutine.
type session struct {
	frameBytes     int
	speech         float64
	silence        float64
	hangoverFrames int

	mu         sync.Mutex
	closed     bool
	inSpeech   bool
	hangLeft   int
	noiseFloor float64
}

// ProcessFrame classifies one PCM frame.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := s.probability(frame)

	switch {
	case prob >= s.speech:
		if !s.inSpeech {
			s.inSpeech = true
			s.hangLeft = s.hangoverFrames
			return vad.Event{Type: vad.SpeechStart, Probability: prob}, nil
		}
		s.hangLeft = s.hangoverFrames
		return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil

	case prob <= s.silence:
		if s.inSpeech {
			if s.hangLeft > 0 {
				s.hangLeft--
				return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil
			}
			s.inSpeech = false
			return vad.Event{Type: vad.SpeechEnd, Probability: prob}, nil
		}
		// Only adapt the floor while confidently silent.
		s.adaptFloor(frame)
		return vad.Event{Type: vad.Silence, Probability: prob}, nil

	default:
		// Between thresholds: hold the current state.
		if s.inSpeech {
			return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil
		}
		return vad.Event{Type: vad.Silence, Probability: prob}, nil
	}
}

// Reset clears detection state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.hangLeft = 0
	s.noiseFloor = 0
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*session)(nil)

// probability maps the frame's RMS-to-noise-floor ratio onto [0, 1].
func (s *session) probability(frame []byte) float64 {
	rms := rms16(frame)
	if s.noiseFloor == 0 {
		// First frames seed the floor; report silence until it settles.
		s.noiseFloor = math.Max(rms, 1)
		return 0
	}
	ratio := rms / s.noiseFloor
	if ratio <= 1 {
		return 0
	}
	p := (ratio - 1) / (ratioCeiling - 1)
	if p > 1 {
		p = 1
	}
	return p
}

// adaptFloor nudges the noise-floor estimate toward the current frame energy.
func (s *session) adaptFloor(frame []byte) {
	rms := rms16(frame)
	s.noiseFloor = (1-noiseAdapt)*s.noiseFloor + noiseAdapt*math.Max(rms, 1)
}

// rms16 computes the root-mean-square amplitude of 16-bit LE PCM.
func rms16(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
