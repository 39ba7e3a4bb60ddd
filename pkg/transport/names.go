package transport

import (
	"fmt"
	"strings"
)

// translatedPrefix marks tracks that carry synthesized translation audio
// rather than a participant microphone.
const translatedPrefix = "translated:"

// TranslatedTrackName builds the publish-time name for the track carrying
// speaker's speech translated for listener.
func TranslatedTrackName(speaker, listener string) string {
	return fmt.Sprintf("%s%s:%s", translatedPrefix, speaker, listener)
}

// ParseTranslatedTrackName splits a translated track name into its speaker
// and listener identities. ok is false for microphone tracks and anything
// else outside the "translated:{speaker}:{listener}" convention.
func ParseTranslatedTrackName(name string) (speaker, listener string, ok bool) {
	rest, found := strings.CutPrefix(name, translatedPrefix)
	if !found {
		return "", "", false
	}
	speaker, listener, found = strings.Cut(rest, ":")
	if !found || speaker == "" || listener == "" {
		return "", "", false
	}
	return speaker, listener, true
}

// IsTranslatedTrack reports whether name follows the translated-track
// convention.
func IsTranslatedTrack(name string) bool {
	return strings.HasPrefix(name, translatedPrefix)
}
