// Package translate defines the Translator interface for text translation
// backends.
//
// A translator wraps a chat-completion LLM (via the any-llm gateway or the
// OpenAI SDK directly) behind a single-call contract: one source segment in,
// one translated segment out. The interpreter persona, register and emotion
// handling live in the shared prompt builder so every backend produces the
// same rendering for the same preferences.
//
// Translate must honor ctx cancellation promptly: the translation buffer
// cancels an in-flight interim translation the moment a final for the same
// segment supersedes it, and expects provider resources back within the
// cancellation grace window.
//
// Implementations must be safe for concurrent use; one translator instance
// serves every pipeline in the worker process.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// Request carries one segment of source text and the rendering preferences
// of the listener it is translated for.
type Request struct {
	// Text is the source segment, verbatim from the recognizer.
	Text string

	// Source is the speaker's language.
	Source types.Language

	// Target is the listener's language.
	Target types.Language

	// Prefs tune the rendering (formal register, emotion preservation).
	Prefs types.Preferences
}

// Validate reports whether the request can be sent to any backend. It wraps
// provider sentinels so callers can classify with errors.Is.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("translate: empty text: %w", provider.ErrInvalidInput)
	}
	if !r.Source.Valid() {
		return fmt.Errorf("translate: source %q: %w", r.Source, provider.ErrLanguageUnsupported)
	}
	if !r.Target.Valid() {
		return fmt.Errorf("translate: target %q: %w", r.Target, provider.ErrLanguageUnsupported)
	}
	return nil
}

// Result is a completed translation.
type Result struct {
	// Text is the translated segment, trimmed, used verbatim downstream.
	Text string

	// Model names the backend model that produced the translation, for
	// diagnostics.
	Model string
}

// Translator is the abstraction over any translation backend.
type Translator interface {
	// Translate renders req.Text from req.Source into req.Target. It blocks
	// until the backend answers, ctx is cancelled, or the backend fails.
	//
	// Failures are wrapped provider sentinels: ErrInvalidInput and
	// ErrLanguageUnsupported for requests no backend could serve,
	// ErrRateLimited and ErrProviderUnavailable for backend trouble,
	// ErrAuthFailure for rejected credentials.
	Translate(ctx context.Context, req Request) (*Result, error)
}
