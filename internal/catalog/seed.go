package catalog

import "github.com/MrWong99/polyglossa/pkg/types"

// seed is the embedded default voice catalog. The first entry per language
// is that language's default voice. Operators extend or override entries
// with a YAML file (see [LoadFile]); the seed is always installed first.
var seed = []types.VoiceAvatar{
	// English.
	{
		VoiceID:     "aura-2-thalia-en",
		Provider:    "deepgram",
		Language:    types.LangEnglish,
		DisplayName: "thalia",
		Gender:      "female",
		Accent:      "american",
		Description: "Clear, confident, energetic voice",
	},
	{
		VoiceID:     "aura-2-apollo-en",
		Provider:    "deepgram",
		Language:    types.LangEnglish,
		DisplayName: "apollo",
		Gender:      "male",
		Accent:      "american",
		Description: "Confident, comfortable, casual voice",
	},
	{
		VoiceID:     "21m00Tcm4TlvDq8ikWAM",
		Provider:    "elevenlabs",
		Language:    types.LangEnglish,
		DisplayName: "rachel",
		Gender:      "female",
		Accent:      "american",
		Description: "Warm and professional female voice",
	},
	{
		VoiceID:     "alloy",
		Provider:    "openai",
		Language:    types.LangEnglish,
		DisplayName: "alloy",
		Gender:      "neutral",
		Accent:      "american",
		Description: "Balanced, neutral voice",
	},

	// Spanish.
	{
		VoiceID:     "aura-2-celeste-es",
		Provider:    "deepgram",
		Language:    types.LangSpanish,
		DisplayName: "celeste",
		Gender:      "female",
		Accent:      "colombian",
		Description: "Clear, energetic, positive Colombian Spanish voice",
	},
	{
		VoiceID:     "aura-2-nestor-es",
		Provider:    "deepgram",
		Language:    types.LangSpanish,
		DisplayName: "nestor",
		Gender:      "male",
		Accent:      "peninsular",
		Description: "Calm, professional Peninsular Spanish voice",
	},

	// French.
	{
		VoiceID:     "aura-2-pandora-fr",
		Provider:    "deepgram",
		Language:    types.LangFrench,
		DisplayName: "pandora",
		Gender:      "female",
		Accent:      "parisian",
		Description: "Smooth, calm, melodic French voice (vendor preview)",
	},
	{
		VoiceID:     "eloise",
		Provider:    "elevenlabs",
		Language:    types.LangFrench,
		DisplayName: "eloise",
		Gender:      "female",
		Accent:      "parisian",
		Description: "Soft conversational French voice; map to a library voice id before production use",
	},

	// Igbo.
	{
		VoiceID:     "Ngozi",
		Provider:    "spitch",
		Language:    types.LangIgbo,
		DisplayName: "ngozi",
		Gender:      "female",
		Accent:      "nigerian",
		Description: "A bit quiet and soft Igbo voice",
	},
	{
		VoiceID:     "Obinna",
		Provider:    "spitch",
		Language:    types.LangIgbo,
		DisplayName: "obinna",
		Gender:      "male",
		Accent:      "nigerian",
		Description: "Loud and clear Igbo voice",
	},

	// Yoruba.
	{
		VoiceID:     "Sade",
		Provider:    "spitch",
		Language:    types.LangYoruba,
		DisplayName: "sade",
		Gender:      "female",
		Accent:      "nigerian",
		Description: "Energetic, but breezy Yoruba voice",
	},
	{
		VoiceID:     "Femi",
		Provider:    "spitch",
		Language:    types.LangYoruba,
		DisplayName: "femi",
		Gender:      "male",
		Accent:      "nigerian",
		Description: "Really fun guy to interact with",
	},

	// Hausa.
	{
		VoiceID:     "Hasana",
		Provider:    "spitch",
		Language:    types.LangHausa,
		DisplayName: "hasana",
		Gender:      "female",
		Accent:      "nigerian",
		Description: "Loud and clear Hausa voice",
	},
	{
		VoiceID:     "Zainab",
		Provider:    "spitch",
		Language:    types.LangHausa,
		DisplayName: "zainab",
		Gender:      "female",
		Accent:      "nigerian",
		Description: "Clear, loud Hausa voice",
	},
	{
		VoiceID:     "Aliyu",
		Provider:    "spitch",
		Language:    types.LangHausa,
		DisplayName: "aliyu",
		Gender:      "male",
		Accent:      "nigerian",
		Description: "Soft voice, cool tone Hausa",
	},
}

// Seed returns a copy of the embedded default catalog.
func Seed() []types.VoiceAvatar {
	return append([]types.VoiceAvatar(nil), seed...)
}

// DefaultVoice returns the default voice for lang: the seed's first entry
// for that language. Unknown languages fall back to the English default so
// callers always get a usable avatar.
func DefaultVoice(lang types.Language) types.VoiceAvatar {
	for _, v := range seed {
		if v.Language == lang {
			return v
		}
	}
	return DefaultVoice(types.LangEnglish)
}
