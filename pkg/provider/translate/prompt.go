package translate

import (
	"fmt"
	"strings"

	"github.com/MrWong99/polyglossa/pkg/types"
)

// DefaultTemperature is the sampling temperature every backend uses unless
// overridden. Low enough for faithful interpretation, high enough to avoid
// degenerate word-for-word output.
const DefaultTemperature = 0.3

// languageNames maps tags to the English names used in prompts. Backends
// follow instructions far more reliably with language names than raw tags.
var languageNames = map[types.Language]string{
	types.LangEnglish: "English",
	types.LangSpanish: "Spanish",
	types.LangFrench:  "French",
	types.LangIgbo:    "Igbo",
	types.LangYoruba:  "Yoruba",
	types.LangHausa:   "Hausa",
}

// LanguageName returns the prompt-facing English name of a language tag,
// falling back to the raw tag for unknown values.
func LanguageName(l types.Language) string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	return l.String()
}

// SystemPrompt builds the interpreter persona instruction for one language
// pair and preference set. All backends share it so switching providers never
// changes rendering behavior.
func SystemPrompt(source, target types.Language, prefs types.Preferences) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"You are a professional simultaneous interpreter. Translate everything the user says from %s to %s. "+
			"Respond with the translation only: no commentary, no explanations, no quotation marks. "+
			"Preserve the meaning and intent of the original.",
		LanguageName(source), LanguageName(target))
	if prefs.FormalTone {
		b.WriteString(" Use a formal register appropriate for professional settings.")
	}
	if prefs.PreserveEmotion {
		b.WriteString(" Preserve the emotional tone and emphasis of the original speech.")
	}
	return b.String()
}
