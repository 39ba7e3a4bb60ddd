// Package types defines the shared types used across all Polyglossa packages.
//
// These types form the lingua franca between providers, pipelines, the router,
// and the coordinator. They are intentionally minimal — each package defines its
// own domain types, but cross-cutting data structures live here to avoid circular imports.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Language is an opaque tag from the closed set of supported languages.
// Equality is the only operation the core performs on it.
type Language string

// Supported language tags.
const (
	LangEnglish Language = "en"
	LangSpanish Language = "es"
	LangFrench  Language = "fr"
	LangIgbo    Language = "ig"
	LangYoruba  Language = "yo"
	LangHausa   Language = "ha"
)

// SupportedLanguages lists every language tag the system accepts, in
// catalog order.
var SupportedLanguages = []Language{
	LangEnglish, LangSpanish, LangFrench, LangIgbo, LangYoruba, LangHausa,
}

// Valid reports whether l is a member of the supported set.
func (l Language) Valid() bool {
	for _, s := range SupportedLanguages {
		if l == s {
			return true
		}
	}
	return false
}

// String returns the raw tag.
func (l Language) String() string { return string(l) }

// RoomType classifies a room for the worker host. A translation room is
// capped at two participants and provisions pipelines eagerly.
type RoomType string

// Known room types.
const (
	RoomGeneral     RoomType = "general"
	RoomTranslation RoomType = "translation"
	RoomConference  RoomType = "conference"
)

// IsValid reports whether t is a known room type. The empty string is not
// valid; callers default it explicitly.
func (t RoomType) IsValid() bool {
	switch t {
	case RoomGeneral, RoomTranslation, RoomConference:
		return true
	}
	return false
}

// VoiceAvatar describes one entry of the voice catalog. Immutable after
// creation; Provider selects a TTS adapter and VoiceID is opaque to the core
// and forwarded to that adapter.
type VoiceAvatar struct {
	// VoiceID is the provider-specific voice identifier (e.g. "aura-2-thalia-en").
	VoiceID string

	// Provider names the TTS adapter this voice belongs to ("deepgram",
	// "elevenlabs", "openai", "spitch").
	Provider string

	// Language is the language this voice speaks.
	Language Language

	// DisplayName is the short human-readable name ("thalia", "apollo").
	DisplayName string

	// Gender is informational catalog metadata ("female", "male", "neutral").
	Gender string

	// Accent is informational catalog metadata ("american", "nigerian", ...).
	Accent string

	// Description is a one-line catalog blurb.
	Description string
}

// Preferences are the per-user translation rendering preferences captured in
// the profile and applied verbatim by the translator.
type Preferences struct {
	// FormalTone requests formal register in the target language.
	FormalTone bool `json:"formal_tone" yaml:"formal_tone"`

	// PreserveEmotion requests that emotional tone survive translation.
	PreserveEmotion bool `json:"preserve_emotion" yaml:"preserve_emotion"`
}

// UserProfile is a snapshot of one participant's translation settings.
// Snapshots are captured into pipelines at construction time and never
// re-read per utterance; profile changes tear down and recreate pipelines.
type UserProfile struct {
	// Identity is the stable opaque participant id assigned by the
	// surrounding application.
	Identity string

	// NativeLanguage is the language this participant hears and speaks.
	NativeLanguage Language

	// Avatar is the voice used when synthesizing translations for this
	// participant.
	Avatar VoiceAvatar

	// Preferences tune the translator output for this participant.
	Preferences Preferences

	// UpdatedAt is the last profile mutation time, from the store.
	UpdatedAt time.Time
}

// Room is the persistent room record.
type Room struct {
	RoomID          string
	RoomName        string
	HostIdentity    string
	RoomType        RoomType
	MaxParticipants int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ParticipantMeta is the typed form of the per-participant metadata record
// attached to the transport session. It is parsed once on join/update and
// stored in the coordinator registry; it is never re-parsed per frame.
type ParticipantMeta struct {
	// Language is the participant's declared native language.
	Language Language `json:"language"`

	// Avatar is the voice_id of the participant's chosen voice.
	Avatar string `json:"avatar,omitempty"`

	// RoomType tags the session when the dispatcher provides it.
	RoomType RoomType `json:"room_type,omitempty"`

	// UseRealtime is carried through from the dispatcher for forward
	// compatibility; the cascade path is the only engine today.
	UseRealtime bool `json:"use_realtime,omitempty"`
}

// ParseParticipantMeta decodes the transport metadata JSON into a typed
// record. Unknown fields are ignored; an empty payload yields the zero value
// and no error so callers can apply defaults.
func ParseParticipantMeta(raw string) (ParticipantMeta, error) {
	var m ParticipantMeta
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return ParticipantMeta{}, fmt.Errorf("participant metadata: %w", err)
	}
	return m, nil
}

// Encode serialises the record back to the wire form.
func (m ParticipantMeta) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("participant metadata: %w", err)
	}
	return string(b), nil
}

// Transcript is a single speech-to-text result. Both interim and final
// hypotheses use this type; adapters deliver them as one ordered sequence
// per session so that consumers never have to reconstruct arrival order.
type Transcript struct {
	// SegmentID groups the hypotheses of one utterance. Adapters assign ids
	// monotonically per session; ids are unique and ordered within a session
	// but carry no meaning across sessions.
	SegmentID uint64

	// Text is the transcribed speech content.
	Text string

	// IsFinal marks an authoritative hypothesis. Interim (IsFinal=false)
	// results may be revised by later results with the same SegmentID.
	IsFinal bool

	// UtteranceEnd marks the provider's explicit utterance-end signal.
	// It always arrives with IsFinal=true and may carry empty Text when the
	// provider sends a bare boundary marker.
	UtteranceEnd bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Start marks when the utterance started, relative to session start.
	Start time.Duration

	// End marks when this hypothesis ends, relative to session start.
	End time.Duration
}
