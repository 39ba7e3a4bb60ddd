// Package whisper provides a local whisper.cpp-backed STT provider using the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// whisper.cpp is a batch transcription engine: it has no interim results and
// no utterance boundaries of its own. The provider therefore requires a VAD
// engine at construction and simulates streaming by framing incoming PCM,
// classifying each frame, buffering speech, and running one inference per
// detected utterance. Every transcript it emits is final with the utterance
// end already marked; sessions backed by this provider never produce interim
// segments.
//
// Usage:
//
//	p, err := whisper.New("models/ggml-base.bin", energy.New())
//	defer p.Close()
//	session, err := p.StartStream(ctx, cfg)
//	session.SendAudio(pcmChunk)
//	transcript := <-session.Results()
//	session.Close()
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	"github.com/MrWong99/polyglossa/pkg/provider/vad"
	"github.com/MrWong99/polyglossa/pkg/types"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	defaultSampleRate     = 16000
	defaultFrameSizeMs    = 20
	defaultMaxUtteranceMs = 10_000
	defaultUtteranceEnd   = 500 * time.Millisecond
)

// languageCodes maps supported language tags to whisper tokenizer codes.
// Igbo is absent: the whisper tokenizer has no Igbo entry, so Igbo rooms
// must run on a streaming backend instead.
var languageCodes = map[types.Language]string{
	types.LangEnglish: "en",
	types.LangSpanish: "es",
	types.LangFrench:  "fr",
	types.LangYoruba:  "yo",
	types.LangHausa:   "ha",
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithFrameSizeMs sets the VAD frame duration in milliseconds. Defaults to 20.
func WithFrameSizeMs(ms int) Option {
	return func(p *Provider) { p.frameSizeMs = ms }
}

// WithMaxUtteranceMs sets the maximum buffered utterance duration (ms) before
// a forced inference regardless of voice activity. This bounds memory growth
// and transcript latency during continuous speech. Defaults to 10 000 ms.
func WithMaxUtteranceMs(ms int) Option {
	return func(p *Provider) { p.maxUtteranceMs = ms }
}

// WithThresholds sets the VAD speech and silence probability thresholds.
// Zero values keep the engine defaults.
func WithThresholds(speech, silence float64) Option {
	return func(p *Provider) {
		p.speechThreshold = speech
		p.silenceThreshold = silence
	}
}

// Provider implements stt.Provider using whisper.cpp Go bindings (CGO). The
// model is loaded once at startup and shared across all sessions; each
// inference runs on its own whisper context.
type Provider struct {
	model  whisperlib.Model
	engine vad.Engine

	frameSizeMs      int
	maxUtteranceMs   int
	speechThreshold  float64
	silenceThreshold float64
}

// New creates a Provider that loads the whisper.cpp model from modelPath and
// segments utterances with the given VAD engine. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, engine vad.Engine, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if engine == nil {
		return nil, errors.New("whisper: a VAD engine is required for utterance segmentation")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %v: %w", modelPath, err, provider.ErrProviderUnavailable)
	}

	p := &Provider{
		model:          model,
		engine:         engine,
		frameSizeMs:    defaultFrameSizeMs,
		maxUtteranceMs: defaultMaxUtteranceMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Sessions started from this provider must
// be closed first.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session. The returned SessionHandle
// is ready to accept audio immediately; no inference runs until the VAD
// detects a complete utterance.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	code, ok := languageCodes[cfg.Language]
	if !ok {
		return nil, fmt.Errorf("whisper: language %q: %w", cfg.Language, provider.ErrLanguageUnsupported)
	}
	if cfg.Channels > 2 {
		return nil, fmt.Errorf("whisper: %d channels: %w", cfg.Channels, provider.ErrInvalidInput)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	ue := cfg.UtteranceEnd
	if ue <= 0 || ue > defaultUtteranceEnd {
		ue = defaultUtteranceEnd
	}

	vadSession, err := p.engine.NewSession(vad.Config{
		SampleRate:       sr,
		FrameSizeMs:      p.frameSizeMs,
		SpeechThreshold:  p.speechThreshold,
		SilenceThreshold: p.silenceThreshold,
		HangoverMs:       int(ue.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("whisper: vad session: %w", err)
	}

	s := &session{
		vad:            vadSession,
		framer:         audio.NewFramer(sr*p.frameSizeMs/1000, 1),
		infer:          p.infer(code),
		sampleRate:     sr,
		channels:       ch,
		frameSizeMs:    p.frameSizeMs,
		maxUtteranceMs: p.maxUtteranceMs,

		audio:   make(chan []byte, 256),
		results: make(chan types.Transcript, 64),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// infer returns the inference function bound to one language. Each call
// converts the buffered PCM to float32, runs whisper.cpp on a fresh context
// (contexts are not thread-safe, the model is), and joins the segment texts.
func (p *Provider) infer(lang string) func(pcm []byte) (string, error) {
	return func(pcm []byte) (string, error) {
		samples := floatSamples(pcm)

		wctx, err := p.model.NewContext()
		if err != nil {
			return "", fmt.Errorf("whisper: create context: %w", err)
		}
		if err := wctx.SetLanguage(lang); err != nil {
			slog.Warn("whisper language not applied, model default in use",
				"language", lang, "error", err)
		}
		if err := wctx.Process(samples, nil, nil, nil); err != nil {
			return "", fmt.Errorf("whisper: process audio: %w", err)
		}

		var parts []string
		for {
			segment, err := wctx.NextSegment()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return "", fmt.Errorf("whisper: read segment: %w", err)
			}
			if text := strings.TrimSpace(segment.Text); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " "), nil
	}
}

// ---- session ----

// session is a live whisper transcription session. It implements
// stt.SessionHandle. All mutable segmentation state is confined to the
// processLoop goroutine.
type session struct {
	// immutable after StartStream
	vad            vad.SessionHandle
	framer         *audio.Framer
	infer          func(pcm []byte) (string, error)
	sampleRate     int
	channels       int
	frameSizeMs    int
	maxUtteranceMs int

	audio   chan []byte
	results chan types.Transcript

	done   chan struct{}
	once   sync.Once
	dropMu sync.Mutex
	wg     sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// voice activity analysis. It never blocks on a slow inference: when the
// queue is full the oldest queued chunk is discarded so live audio keeps
// flowing.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("whisper: %w", provider.ErrClosed)
	default:
	}
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	for {
		select {
		case s.audio <- chunk:
			return nil
		default:
		}
		select {
		case <-s.audio: // discard oldest
		case <-s.done:
			return fmt.Errorf("whisper: %w", provider.ErrClosed)
		default:
		}
	}
}

// Results returns the ordered transcript stream. Every transcript is final
// and carries the utterance-end mark; whisper.cpp produces no interims.
func (s *session) Results() <-chan types.Transcript { return s.results }

// Close terminates the session, runs a last inference over any buffered
// speech, and closes the Results channel. Calling Close more than once is
// safe and returns nil.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for frame classification,
// utterance buffering, and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	defer s.vad.Close()

	var (
		utterance []byte
		inSpeech  bool
		segmentID uint64
		start     time.Duration
		pos       time.Duration
	)

	frameDur := time.Duration(s.frameSizeMs) * time.Millisecond
	maxBytes := s.maxUtteranceMs * s.sampleRate / 1000 * 2

	flush := func() {
		if len(utterance) == 0 {
			return
		}
		pcm := utterance
		utterance = nil

		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whisper inference failed", "error", err)
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}

		segmentID++
		tr := types.Transcript{
			SegmentID:    segmentID,
			Text:         text,
			IsFinal:      true,
			UtteranceEnd: true,
			Confidence:   1,
			Start:        start,
			End:          pos,
		}
		// Results is buffered; a stalled consumer loses the oldest-style
		// guarantee here too rather than wedging the loop.
		select {
		case s.results <- tr:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-s.done:
			flush()
			return

		case chunk := <-s.audio:
			mono := chunk
			if s.channels == 2 {
				mono = audio.StereoToMono(chunk)
			}
			for _, frame := range s.framer.Push(mono) {
				frameStart := pos
				pos += frameDur

				ev, err := s.vad.ProcessFrame(frame)
				if err != nil {
					continue
				}

				switch ev.Type {
				case vad.SpeechStart:
					inSpeech = true
					start = frameStart
					utterance = append(utterance, frame...)

				case vad.SpeechContinue:
					if !inSpeech {
						inSpeech = true
						start = frameStart
					}
					utterance = append(utterance, frame...)
					if maxBytes > 0 && len(utterance) >= maxBytes {
						// Continuous speech: commit what we have and keep going.
						flush()
						start = pos
					}

				case vad.SpeechEnd:
					utterance = append(utterance, frame...)
					flush()
					inSpeech = false

				case vad.Silence:
					// Leading or trailing silence outside an utterance.
				}
			}
		}
	}
}

// floatSamples converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1.0, 1.0], the input format whisper.cpp expects.
func floatSamples(pcm []byte) []float32 {
	ints := audio.BytesToInt16s(pcm)
	samples := make([]float32, len(ints))
	for i, v := range ints {
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

// Compile-time assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
