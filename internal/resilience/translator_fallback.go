package resilience

import (
	"context"

	"github.com/MrWong99/polyglossa/pkg/provider/translate"
)

// TranslatorFallback implements [translate.Translator] with automatic
// failover across multiple translation backends. Each backend has its own
// circuit breaker; when the primary fails or its breaker is open, the next
// healthy fallback is tried. A rendering from a fallback model beats a
// dropped segment, so whichever backend answers first is used verbatim.
type TranslatorFallback struct {
	group *FallbackGroup[translate.Translator]
}

// Compile-time interface assertion.
var _ translate.Translator = (*TranslatorFallback)(nil)

// NewTranslatorFallback creates a [TranslatorFallback] with primary as the
// preferred backend.
func NewTranslatorFallback(primary translate.Translator, primaryName string, cfg FallbackConfig) *TranslatorFallback {
	return &TranslatorFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional translation backend. Fallbacks are
// tried in the order they are added, after the primary.
func (f *TranslatorFallback) AddFallback(name string, t translate.Translator) {
	f.group.AddFallback(name, t)
}

// Translate renders the request with the first healthy backend. A request
// cancelled by the caller, interim supersession in the buffer being the
// usual case, returns immediately without counting against any breaker.
func (f *TranslatorFallback) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ExecuteWithResult(f.group, func(t translate.Translator) (*translate.Result, error) {
		return t.Translate(ctx, req)
	})
}
