// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram, or
// a local whisper.cpp model behind a VAD segmenter) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio frames and emits one ordered stream of
// Transcript values — low-latency interims followed by the authoritative
// final and utterance-end marker of each segment. Delivery order is part of
// the contract: the translation buffer's supersession logic depends on it.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per speaker-side pipeline).
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/polyglossa/pkg/types"
)

// StreamConfig describes the audio format and recognition settings for a new
// STT session. Adapters must honor the fixed parts of the recognition
// contract regardless of backend defaults: interim results enabled,
// punctuation off, smart formatting off, profanity filter off, language
// detection off (the caller always supplies the language).
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (transport decode output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT backends). Implementors may downmix stereo internally.
	Channels int

	// Language is the source language tag. Adapters map it to a backend
	// locale and return ErrLanguageUnsupported for tags outside their table.
	Language types.Language

	// UtteranceEnd is the silence window after which the backend must emit
	// an utterance-end signal. Zero means the adapter default (500ms); values
	// above 500ms are clamped to keep the end-of-utterance path inside the
	// segment latency budget.
	UtteranceEnd time.Duration
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. SendAudio never blocks on downstream
	// consumers; adapters buffer internally and drop on overflow rather than
	// stall the caller. Calling SendAudio after Close returns ErrClosed.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel emitting Transcript values in
	// provider order: zero or more interims per segment, then a final, then
	// possibly a bare utterance-end marker. The channel is closed when the
	// session ends.
	Results() <-chan types.Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, the Results channel will be
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns ErrLanguageUnsupported for languages outside the adapter's
	// table, ErrAuthFailure for rejected credentials, and
	// ErrProviderUnavailable when the backend cannot be reached. The caller
	// owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
