// Package catalog manages the voice avatar catalog: an embedded seed of
// known-good vendor voices, an operator YAML overlay, and the coverage
// check that every supported language keeps at least one voice.
//
// The catalog is read-mostly. Install runs at worker startup and upserts
// into the store; operators may upsert further entries at runtime without
// a restart.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/polyglossa/internal/store"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// File is the top-level structure of an operator voice catalog YAML file.
// Entries upsert over the embedded seed by voice_id.
//
// Example:
//
//	voices:
//	  - voice_id: "aura-2-hermes-en"
//	    provider: deepgram
//	    language: en
//	    display_name: hermes
//	    gender: male
//	    accent: american
//	    description: "Expressive narration voice"
type File struct {
	Voices []Entry `yaml:"voices"`
}

// Entry is one voice in the operator YAML overlay.
type Entry struct {
	VoiceID     string `yaml:"voice_id"`
	Provider    string `yaml:"provider"`
	Language    string `yaml:"language"`
	DisplayName string `yaml:"display_name"`
	Gender      string `yaml:"gender"`
	Accent      string `yaml:"accent"`
	Description string `yaml:"description"`
}

// avatar converts the YAML entry to the domain type.
func (e Entry) avatar() types.VoiceAvatar {
	return types.VoiceAvatar{
		VoiceID:     e.VoiceID,
		Provider:    e.Provider,
		Language:    types.Language(e.Language),
		DisplayName: e.DisplayName,
		Gender:      e.Gender,
		Accent:      e.Accent,
		Description: e.Description,
	}
}

// validate checks an entry for required fields and a supported language.
func (e Entry) validate() error {
	var errs []error
	if e.VoiceID == "" {
		errs = append(errs, errors.New("voice_id must not be empty"))
	}
	if e.Provider == "" {
		errs = append(errs, errors.New("provider must not be empty"))
	}
	if !types.Language(e.Language).Valid() {
		errs = append(errs, fmt.Errorf("language %q is not supported", e.Language))
	}
	return errors.Join(errs...)
}

// LoadFile reads and parses an operator voice catalog YAML file.
func LoadFile(path string) ([]types.VoiceAvatar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open voice file %q: %w", path, err)
	}
	defer f.Close()

	voices, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse voice file %q: %w", path, err)
	}
	return voices, nil
}

// LoadFromReader parses operator voice catalog YAML from r. The reader is
// consumed entirely; the caller closes it.
func LoadFromReader(r io.Reader) ([]types.VoiceAvatar, error) {
	var cf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("catalog: decode voices yaml: %w", err)
	}

	var (
		voices []types.VoiceAvatar
		errs   []error
	)
	for i, e := range cf.Voices {
		if err := e.validate(); err != nil {
			errs = append(errs, fmt.Errorf("voices[%d]: %w", i, err))
			continue
		}
		voices = append(voices, e.avatar())
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return voices, nil
}

// Install upserts the embedded seed and then the operator overlay into the
// store, overlay last so it wins on voice_id collisions, and finishes with
// the coverage check. A store error aborts the install.
func Install(ctx context.Context, voices store.Voices, overlay []types.VoiceAvatar, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for _, v := range seed {
		if err := voices.UpsertVoice(ctx, v); err != nil {
			return fmt.Errorf("catalog: seed voice %q: %w", v.VoiceID, err)
		}
	}
	for _, v := range overlay {
		if err := voices.UpsertVoice(ctx, v); err != nil {
			return fmt.Errorf("catalog: overlay voice %q: %w", v.VoiceID, err)
		}
	}
	log.Info("voice catalog installed",
		slog.Int("seed", len(seed)), slog.Int("overlay", len(overlay)))
	return Verify(ctx, voices, log)
}

// Verify checks catalog coverage: every supported language must keep at
// least one voice (hard error), and a language missing a male or female
// voice is logged as a gap.
func Verify(ctx context.Context, voices store.Voices, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	var errs []error
	for _, lang := range types.SupportedLanguages {
		list, err := voices.ListVoices(ctx, lang)
		if err != nil {
			return fmt.Errorf("catalog: list voices for %q: %w", lang, err)
		}
		if len(list) == 0 {
			errs = append(errs, fmt.Errorf("language %q has no voices", lang))
			continue
		}
		genders := make(map[string]bool, 2)
		for _, v := range list {
			genders[v.Gender] = true
		}
		for _, g := range []string{"female", "male"} {
			if !genders[g] {
				log.Warn("voice catalog gender gap",
					slog.String("language", lang.String()), slog.String("missing", g))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: coverage check failed: %w", errors.Join(errs...))
	}
	return nil
}

// Match resolves a participant's avatar reference against a voice list.
// References match by exact voice id first, then by display name ignoring
// case, so metadata may carry either "aura-2-celeste-es" or "celeste".
func Match(voices []types.VoiceAvatar, ref string) (types.VoiceAvatar, bool) {
	for _, v := range voices {
		if v.VoiceID == ref {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.EqualFold(v.DisplayName, ref) {
			return v, true
		}
	}
	return types.VoiceAvatar{}, false
}
