package transport

import "testing"

func TestTranslatedTrackNameRoundTrip(t *testing.T) {
	t.Parallel()

	name := TranslatedTrackName("user_a", "user_b")
	if name != "translated:user_a:user_b" {
		t.Fatalf("TranslatedTrackName() = %q", name)
	}
	speaker, listener, ok := ParseTranslatedTrackName(name)
	if !ok || speaker != "user_a" || listener != "user_b" {
		t.Errorf("ParseTranslatedTrackName(%q) = %q, %q, %v", name, speaker, listener, ok)
	}
}

func TestParseTranslatedTrackNameRejectsOtherTracks(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "microphone", "translated:", "translated:solo", "translated::x", "translated:x:"} {
		if _, _, ok := ParseTranslatedTrackName(name); ok {
			t.Errorf("ParseTranslatedTrackName(%q) = ok, want rejection", name)
		}
	}
}
