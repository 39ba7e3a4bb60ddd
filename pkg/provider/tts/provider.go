// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a speech synthesis service (Deepgram Aura, ElevenLabs,
// OpenAI, Spitch) behind a sink-based streaming contract: the caller hands
// one segment of translated text plus the listener's voice avatar and a Sink;
// the provider writes PCM frames into the sink in order as they become
// available and reports completion through the returned Handle. The pipeline
// uses Handle.Done to keep segment k's audio strictly ahead of segment k+1's
// and Handle.Cancel to drop synthesis that a drop decision has obsoleted.
//
// Implementations must be safe for concurrent use; many pipelines synthesize
// through the same provider instance at once.
package tts

import (
	"context"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// Request carries one segment of text and the voice to render it with.
type Request struct {
	// Text is the translated segment to synthesize.
	Text string

	// Voice selects the rendering voice. Voice.VoiceID is opaque to the core
	// and forwarded to the backend; Voice.Provider is informational here (the
	// caller already routed to the right adapter).
	Voice types.VoiceAvatar
}

// Sink consumes synthesized PCM frames in order. Write is called from the
// provider's goroutine; it may block briefly for downstream capacity but a
// Write error aborts the synthesis.
type Sink interface {
	Write(frame audio.Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(frame audio.Frame) error

// Write calls f(frame).
func (f SinkFunc) Write(frame audio.Frame) error { return f(frame) }

// Handle tracks one in-flight synthesis.
type Handle interface {
	// Cancel stops emission and drops any buffered output. Safe to call more
	// than once and after completion.
	Cancel()

	// Done returns a channel closed when the synthesis reaches a terminal
	// state. No Sink.Write happens after Done closes.
	Done() <-chan struct{}

	// Err returns the terminal error once Done is closed: nil on success,
	// context.Canceled after Cancel, or a wrapped provider sentinel.
	Err() error
}

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Synthesize starts rendering req.Text with req.Voice, writing frames
	// into sink in order. It returns once the synthesis is underway; audio
	// delivery and terminal status flow through the Handle.
	//
	// A non-nil error means no synthesis started: ErrInvalidInput for empty
	// text, ErrVoiceUnavailable when the voice does not resolve,
	// ErrAuthFailure for rejected credentials, ErrProviderUnavailable when
	// the backend cannot be reached. Failures after start surface via
	// Handle.Err.
	Synthesize(ctx context.Context, req Request, sink Sink) (Handle, error)
}
