// Command polyglossa is the worker host for the per-listener simultaneous
// interpretation service. It accepts room-assignment jobs from the media
// transport's dispatcher, runs one room coordinator per job, and serves the
// operational HTTP surface (metrics, health, job intake, translation stats).
//
// Exit codes: 0 clean shutdown, 1 fatal configuration error, 2 transport
// authentication failure, 3 unrecoverable provider outage past the grace
// window.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/polyglossa/internal/catalog"
	"github.com/MrWong99/polyglossa/internal/config"
	"github.com/MrWong99/polyglossa/internal/coordinator"
	"github.com/MrWong99/polyglossa/internal/diag"
	"github.com/MrWong99/polyglossa/internal/health"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/pipeline"
	"github.com/MrWong99/polyglossa/internal/profilecache"
	"github.com/MrWong99/polyglossa/internal/resilience"
	"github.com/MrWong99/polyglossa/internal/store"
	storepg "github.com/MrWong99/polyglossa/internal/store/postgres"
	"github.com/MrWong99/polyglossa/internal/worker"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	sttdeepgram "github.com/MrWong99/polyglossa/pkg/provider/stt/deepgram"
	"github.com/MrWong99/polyglossa/pkg/provider/stt/whisper"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/translate/anyllm"
	oatranslate "github.com/MrWong99/polyglossa/pkg/provider/translate/openai"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	ttsdeepgram "github.com/MrWong99/polyglossa/pkg/provider/tts/deepgram"
	"github.com/MrWong99/polyglossa/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/polyglossa/pkg/provider/tts/openai"
	"github.com/MrWong99/polyglossa/pkg/provider/tts/spitch"
	"github.com/MrWong99/polyglossa/pkg/provider/vad"
	"github.com/MrWong99/polyglossa/pkg/provider/vad/energy"
	"github.com/MrWong99/polyglossa/pkg/transport"
	"github.com/MrWong99/polyglossa/pkg/transport/livekit"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// Exit codes of the worker host.
const (
	exitOK            = 0
	exitConfig        = 1
	exitTransportAuth = 2
	exitOutage        = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "polyglossa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "polyglossa: %v\n", err)
		}
		return exitConfig
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config hot-reload can adjust it
	// without rebuilding the handler.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(cfg.Server.LogFormat, levelVar)
	slog.SetDefault(logger)

	slog.Info("polyglossa starting",
		"config", *configPath,
		"ops_addr", cfg.Server.OpsAddr,
		"log_level", cfg.Server.LogLevel,
		"transport", cfg.Transport.Name,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "polyglossa"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitConfig
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerVAD(reg)

	vadEngine, err := buildVAD(cfg, reg)
	if err != nil {
		slog.Error("failed to build vad engine", "err", err)
		return exitConfig
	}
	registerBuiltinProviders(reg, vadEngine)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitConfig
	}

	// ── Store and voice catalog ───────────────────────────────────────────────
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return exitConfig
	}
	defer closeStore()

	var overlay []types.VoiceAvatar
	if cfg.Store.SeedCatalog != "" {
		overlay, err = catalog.LoadFile(cfg.Store.SeedCatalog)
		if err != nil {
			slog.Error("failed to load operator voice catalog", "err", err)
			return exitConfig
		}
	}
	if err := catalog.Install(ctx, st, overlay, logger); err != nil {
		slog.Error("voice catalog install failed", "err", err)
		return exitConfig
	}

	// ── Diagnostics sink ──────────────────────────────────────────────────────
	// One file log instance shared by the cache and every room job, so their
	// JSONL appends stay serialised.
	var fileLog *diag.FileLog
	if cfg.Server.DiagLog != "" {
		fileLog = diag.NewFileLog(cfg.Server.DiagLog)
	}

	// ── Profile cache ─────────────────────────────────────────────────────────
	cacheCfg := profilecache.Config{
		Store:         st,
		DefaultVoice:  catalog.DefaultVoice,
		TTL:           cfg.Cache.ProfileTTL(),
		SweepInterval: cfg.Cache.SweepInterval(),
		Logger:        logger,
	}
	if fileLog != nil {
		cacheCfg.Diag = fileLog
	}
	cache, err := profilecache.New(cacheCfg)
	if err != nil {
		slog.Error("failed to build profile cache", "err", err)
		return exitConfig
	}

	// ── Transport ─────────────────────────────────────────────────────────────
	connector, err := reg.CreateTransport(cfg.Transport)
	if err != nil {
		slog.Error("failed to create transport connector", "err", err)
		return exitConfig
	}
	if code, ok := probeTransport(ctx, connector); !ok {
		return code
	}

	// ── Worker host ───────────────────────────────────────────────────────────
	hostCfg := worker.Config{
		Connector:         connector,
		Profiles:          cache,
		Voices:            st,
		Providers:         providers,
		DefaultVoice:      catalog.DefaultVoice,
		Tuning:            tuningFrom(cfg.Translation),
		ReconcileInterval: cfg.Translation.ReconcileInterval(),
		EmptyTimeout:      cfg.Rooms.EmptyTimeout(),
		OutageGrace:       cfg.Providers.OutageGrace(),
		Logger:            logger,
	}
	if fileLog != nil {
		hostCfg.Diag = fileLog
	}
	host, err := worker.New(hostCfg)
	if err != nil {
		slog.Error("failed to build worker host", "err", err)
		return exitConfig
	}

	ops, err := worker.NewOpsServer(worker.OpsConfig{
		Addr:     cfg.Server.OpsAddr,
		Host:     host,
		Checkers: readinessCheckers(st, connector),
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to build ops server", "err", err)
		return exitConfig
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.TranslationChanged {
			host.SetTuning(tuningFrom(d.NewTranslation))
			slog.Info("translation tuning changed; applies to rooms joined from now on",
				"max_delay_ms", d.NewTranslation.MaxDelayMs,
				"interim_trigger_ms", d.NewTranslation.InterimTriggerMs)
		}
		if d.CacheChanged {
			slog.Warn("cache tuning changed in file; a restart is required to apply it")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return exitConfig
	}
	defer watcher.Stop()

	printStartupSummary(cfg)
	slog.Info("worker host ready — press Ctrl+C to shut down")

	// ── Run ───────────────────────────────────────────────────────────────────
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return cache.Run(egCtx) })
	eg.Go(func() error { return ops.Run(egCtx) })
	eg.Go(func() error { return host.Run(egCtx) })

	err = eg.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		slog.Info("goodbye")
		return exitOK
	case errors.Is(err, worker.ErrProviderOutage):
		slog.Error("exiting on provider outage", "err", err)
		return exitOutage
	case errors.Is(err, transport.ErrAuthFailure):
		slog.Error("exiting on transport auth failure", "err", err)
		return exitTransportAuth
	default:
		slog.Error("run error", "err", err)
		return exitConfig
	}
}

// ── Transport probe ───────────────────────────────────────────────────────────

// pinger is the optional connectivity probe a transport connector may expose.
type pinger interface {
	Ping(ctx context.Context) error
}

// probeTransport verifies transport credentials before accepting any jobs.
// An auth rejection is fatal with the dedicated exit code; an unreachable
// server is only logged, since the readiness checker keeps watching it and
// jobs fail cleanly until it comes back.
func probeTransport(ctx context.Context, connector transport.Connector) (int, bool) {
	p, ok := connector.(pinger)
	if !ok {
		return 0, true
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := p.Ping(pctx)
	switch {
	case err == nil:
		return 0, true
	case errors.Is(err, transport.ErrAuthFailure):
		slog.Error("transport rejected the worker's credentials", "err", err)
		return exitTransportAuth, false
	default:
		slog.Warn("transport unreachable at startup; jobs will fail until it recovers", "err", err)
		return 0, true
	}
}

// readinessCheckers assembles the /readyz probes: a store round-trip and,
// when the transport supports it, a transport ping.
func readinessCheckers(st store.Store, connector transport.Connector) []health.Checker {
	checkers := []health.Checker{
		health.Ping("store", func(ctx context.Context) error {
			_, err := st.ListVoices(ctx, types.LangEnglish)
			return err
		}),
	}
	if p, ok := connector.(pinger); ok {
		checkers = append(checkers, health.Ping("transport", p.Ping))
	}
	return checkers
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerVAD wires the VAD engine factories. Registered before the STT
// factories because the whisper backend needs a built engine.
func registerVAD(reg *config.Registry) {
	reg.RegisterVAD("energy", func(_ config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildVAD creates the configured VAD engine, defaulting to the energy
// detector when the config names none.
func buildVAD(cfg *config.Config, reg *config.Registry) (vad.Engine, error) {
	if cfg.Providers.VAD.Name == "" {
		return energy.New(), nil
	}
	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", cfg.Providers.VAD.Name, err)
	}
	return engine, nil
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the adapter
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, vadEngine vad.Engine) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, sttdeepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttdeepgram.WithEndpoint(entry.BaseURL))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, sttdeepgram.WithSampleRate(rate))
		}
		return sttdeepgram.New(entry.APIKey, opts...)
	})

	// whisper.cpp transcribes whole utterances, so it only works behind the
	// VAD segmenter that supplies utterance boundaries.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if ms := optInt(entry.Options, "max_utterance_ms"); ms > 0 {
			opts = append(opts, whisper.WithMaxUtteranceMs(ms))
		}
		return whisper.New(modelPath, vadEngine, opts...)
	})

	// ── Translate ─────────────────────────────────────────────────────────────

	reg.RegisterTranslate("anyllm", func(entry config.ProviderEntry) (translate.Translator, error) {
		backend := optString(entry.Options, "backend")
		if backend == "" {
			backend = "gemini"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	reg.RegisterTranslate("openai", func(entry config.ProviderEntry) (translate.Translator, error) {
		var opts []oatranslate.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatranslate.WithBaseURL(entry.BaseURL))
		}
		return oatranslate.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("deepgram", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsdeepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsdeepgram.WithEndpoint(entry.BaseURL))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, ttsdeepgram.WithSampleRate(rate))
		}
		return ttsdeepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		return oatts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("spitch", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []spitch.Option
		if entry.BaseURL != "" {
			opts = append(opts, spitch.WithBaseURL(entry.BaseURL))
		}
		return spitch.New(entry.APIKey, opts...)
	})

	// ── Transport ─────────────────────────────────────────────────────────────

	reg.RegisterTransport("livekit", func(tc config.TransportConfig) (transport.Connector, error) {
		return livekit.New(tc.LiveKit.URL, tc.LiveKit.APIKey, tc.LiveKit.APISecret)
	})
}

// buildProviders instantiates the adapter lane shared by every room job.
func buildProviders(cfg *config.Config, reg *config.Registry) (coordinator.Providers, error) {
	var ps coordinator.Providers

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttProvider
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	primary, err := reg.CreateTranslate(cfg.Providers.Translate)
	if err != nil {
		return ps, fmt.Errorf("create translate provider %q: %w", cfg.Providers.Translate.Name, err)
	}
	slog.Info("provider created", "kind", "translate", "name", cfg.Providers.Translate.Name)

	if len(cfg.Providers.TranslateFallbacks) > 0 {
		group := resilience.NewTranslatorFallback(primary, cfg.Providers.Translate.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.TranslateFallbacks {
			fb, err := reg.CreateTranslate(entry)
			if err != nil {
				return ps, fmt.Errorf("create translate fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, fb)
			slog.Info("provider created", "kind", "translate-fallback", "name", entry.Name)
		}
		ps.Translator = group
	} else {
		ps.Translator = primary
	}

	ps.TTS = make(map[string]tts.Provider, len(cfg.Providers.TTS))
	for _, entry := range cfg.Providers.TTS {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return ps, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS[entry.Name] = p
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}

	return ps, nil
}

// openStore opens the configured persistence: pgx-backed when a DSN is
// given, the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.PostgresDSN == "" {
		return store.NewMemStore(), func() {}, nil
	}
	st, closer, err := storepg.Connect(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("postgres store connected")
	return st, closer, nil
}

// tuningFrom maps the translation config section onto pipeline tuning.
func tuningFrom(tc config.TranslationConfig) pipeline.Tuning {
	return pipeline.Tuning{
		MaxDelay:             tc.MaxDelay(),
		InterimTrigger:       tc.InterimTrigger(),
		UtteranceEnd:         tc.UtteranceEnd(),
		MinInterimConfidence: tc.MinInterimConfidence,
		STTQueueSize:         tc.STTQueueSize,
		TTSQueueSize:         tc.TTSQueueSize,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       polyglossa — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printRow("Translate", cfg.Providers.Translate.Name, cfg.Providers.Translate.Model)
	for _, entry := range cfg.Providers.TTS {
		printRow("TTS", entry.Name, entry.Model)
	}
	printRow("VAD", cfg.Providers.VAD.Name, "")
	printRow("Transport", cfg.Transport.Name, "")
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres", "")
	} else {
		printRow("Store", "in-memory", "")
	}
	fmt.Printf("║  Ops addr        : %-19s║\n", cfg.Server.OpsAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an int value from a provider Options map. YAML decodes
// integers as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	n, _ := opts[key].(int)
	return n
}
