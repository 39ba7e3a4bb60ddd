package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"deepgram", "whisper", "mock"},
	"translate": {"anyllm", "openai", "mock"},
	"tts":       {"deepgram", "elevenlabs", "openai", "spitch", "mock"},
	"vad":       {"energy", "mock"},
	"transport": {"livekit", "mock"},
}

// NonStreamingSTT lists STT provider names that cannot emit interim results
// on their own and are only usable behind a VAD segmenter.
var NonStreamingSTT = []string{"whisper"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	SetDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills zero-valued tunables with the package defaults so that
// downstream code never has to special-case an unset knob.
func SetDefaults(cfg *Config) {
	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = DefaultOpsAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}
	if cfg.Translation.MaxDelayMs == 0 {
		cfg.Translation.MaxDelayMs = DefaultMaxDelayMs
	}
	if cfg.Translation.InterimTriggerMs == 0 {
		cfg.Translation.InterimTriggerMs = DefaultInterimTriggerMs
	}
	if cfg.Translation.UtteranceEndMs == 0 {
		cfg.Translation.UtteranceEndMs = DefaultUtteranceEndMs
	}
	if cfg.Translation.MinInterimConfidence == 0 {
		cfg.Translation.MinInterimConfidence = DefaultMinInterimConfidence
	}
	if cfg.Translation.STTQueueSize == 0 {
		cfg.Translation.STTQueueSize = DefaultSTTQueueSize
	}
	if cfg.Translation.TTSQueueSize == 0 {
		cfg.Translation.TTSQueueSize = DefaultTTSQueueSize
	}
	if cfg.Translation.ReconcileIntervalMs == 0 {
		cfg.Translation.ReconcileIntervalMs = DefaultReconcileIntervalMs
	}
	if cfg.Cache.ProfileTTLSeconds == 0 {
		cfg.Cache.ProfileTTLSeconds = DefaultProfileTTLSeconds
	}
	if cfg.Cache.SweepIntervalSeconds == 0 {
		cfg.Cache.SweepIntervalSeconds = DefaultSweepIntervalSeconds
	}
	if cfg.Rooms.EmptyTimeoutSeconds == 0 {
		cfg.Rooms.EmptyTimeoutSeconds = DefaultEmptyTimeoutSeconds
	}
	if cfg.Providers.OutageGraceSeconds == 0 {
		cfg.Providers.OutageGraceSeconds = DefaultOutageGraceSeconds
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	validateProviderName("transport", cfg.Transport.Name)
	if cfg.Transport.Name == "livekit" {
		if cfg.Transport.LiveKit.URL == "" {
			errs = append(errs, errors.New("transport.livekit.url is required when transport is livekit"))
		}
		if cfg.Transport.LiveKit.APIKey == "" || cfg.Transport.LiveKit.APISecret == "" {
			errs = append(errs, errors.New("transport.livekit.api_key and api_secret are required when transport is livekit"))
		}
	}

	// Providers: the worker cannot build pipelines without all three stages.
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.Translate.Name == "" {
		errs = append(errs, errors.New("providers.translate.name is required"))
	}
	if len(cfg.Providers.TTS) == 0 {
		errs = append(errs, errors.New("providers.tts must list at least one entry"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("translate", cfg.Providers.Translate.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	for i, entry := range cfg.Providers.TranslateFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.translate_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("translate", entry.Name)
	}

	// Non-streaming STT backends are only usable behind a VAD segmenter.
	if slices.Contains(NonStreamingSTT, cfg.Providers.STT.Name) && cfg.Providers.VAD.Name == "" {
		errs = append(errs, fmt.Errorf("providers.stt %q is non-streaming and requires providers.vad to be configured", cfg.Providers.STT.Name))
	}

	// TTS duplicate name detection — pipelines select entries by vendor name,
	// duplicates would be ambiguous.
	ttsNamesSeen := make(map[string]int, len(cfg.Providers.TTS))
	for i, entry := range cfg.Providers.TTS {
		prefix := fmt.Sprintf("providers.tts[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := ttsNamesSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.tts[%d]", prefix, entry.Name, prev))
		}
		ttsNamesSeen[entry.Name] = i
		validateProviderName("tts", entry.Name)
	}

	// Store availability warnings
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; profiles and rooms will not survive a restart")
	}

	// Translation tuning
	if cfg.Translation.MaxDelayMs < 0 {
		errs = append(errs, fmt.Errorf("translation.max_delay_ms %d must not be negative", cfg.Translation.MaxDelayMs))
	}
	if cfg.Translation.InterimTriggerMs < 0 {
		errs = append(errs, fmt.Errorf("translation.interim_trigger_ms %d must not be negative", cfg.Translation.InterimTriggerMs))
	}
	if cfg.Translation.InterimTriggerMs > cfg.Translation.MaxDelayMs {
		slog.Warn("translation.interim_trigger_ms exceeds max_delay_ms; interim translations will never trigger",
			"interim_trigger_ms", cfg.Translation.InterimTriggerMs,
			"max_delay_ms", cfg.Translation.MaxDelayMs,
		)
	}
	if cfg.Translation.MinInterimConfidence < 0 || cfg.Translation.MinInterimConfidence > 1 {
		errs = append(errs, fmt.Errorf("translation.min_interim_confidence %.2f is out of range [0, 1]", cfg.Translation.MinInterimConfidence))
	}
	if cfg.Translation.STTQueueSize < 1 {
		errs = append(errs, fmt.Errorf("translation.stt_queue_size %d must be at least 1", cfg.Translation.STTQueueSize))
	}
	if cfg.Translation.TTSQueueSize < 1 {
		errs = append(errs, fmt.Errorf("translation.tts_queue_size %d must be at least 1", cfg.Translation.TTSQueueSize))
	}
	if cfg.Translation.ReconcileIntervalMs < 100 {
		errs = append(errs, fmt.Errorf("translation.reconcile_interval_ms %d must be at least 100", cfg.Translation.ReconcileIntervalMs))
	}

	if cfg.Providers.OutageGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("providers.outage_grace_seconds %d must not be negative", cfg.Providers.OutageGraceSeconds))
	}

	// Cache and rooms
	if cfg.Cache.ProfileTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache.profile_ttl_seconds %d must not be negative", cfg.Cache.ProfileTTLSeconds))
	}
	if cfg.Cache.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache.sweep_interval_seconds %d must not be negative", cfg.Cache.SweepIntervalSeconds))
	}
	if cfg.Rooms.EmptyTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("rooms.empty_timeout_seconds %d must not be negative", cfg.Rooms.EmptyTimeoutSeconds))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
