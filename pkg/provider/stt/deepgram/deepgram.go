// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	"github.com/MrWong99/polyglossa/pkg/types"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-2-general"
	defaultSampleRate   = 16000
	defaultUtteranceEnd = 500 * time.Millisecond
	keepAliveInterval   = 5 * time.Second
)

// locales maps supported language tags to the Deepgram request locale.
// es-US over es-419: measurably lower first-interim latency on the
// nova-2-general model.
var locales = map[types.Language]string{
	types.LangEnglish: "en-US",
	types.LangSpanish: "es-US",
	types.LangFrench:  "fr-FR",
	types.LangIgbo:    "ig",
	types.LangYoruba:  "yo",
	types.LangHausa:   "ha",
}

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2-general", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used in tests against a
// local websocket server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// The recognition contract is fixed here: interim results on, punctuation,
// smart formatting, profanity filtering and diarization off, language taken
// from cfg (never auto-detected).
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: dial: %w", provider.ErrAuthFailure)
		}
		return nil, fmt.Errorf("deepgram: dial: %v: %w", err, provider.ErrProviderUnavailable)
	}

	sess := &session{
		conn:    conn,
		results: make(chan types.Transcript, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	locale, ok := locales[cfg.Language]
	if !ok {
		return "", fmt.Errorf("deepgram: language %q: %w", cfg.Language, provider.ErrLanguageUnsupported)
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: parse endpoint: %w", err)
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	ue := cfg.UtteranceEnd
	if ue == 0 || ue > defaultUtteranceEnd {
		ue = defaultUtteranceEnd
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", locale)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(int(ue.Milliseconds())))
	q.Set("vad_events", "true")
	q.Set("punctuate", "false")
	q.Set("smart_format", "false")
	q.Set("profanity_filter", "false")
	q.Set("diarize", "false")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for Results and
// UtteranceEnd events.
type deepgramResponse struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	results chan types.Transcript
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// segment numbering, owned by readLoop
	segmentID   uint64
	segmentOpen bool
	dropMu      sync.Mutex
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram. It never
// blocks on a slow connection: when the outbound queue is full the oldest
// queued chunk is discarded so live audio keeps flowing.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: %w", provider.ErrClosed)
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
			return fmt.Errorf("deepgram: %w", provider.ErrClosed)
		default:
		}
	}
}

// Results returns the ordered transcript stream.
func (s *session) Results() <-chan types.Transcript { return s.results }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before tearing the socket down.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to
// Deepgram, interleaving KeepAlive frames so idle sessions stay open.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram, assigns segment ids, and
// emits transcripts in provider order on the results channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		t, ok := s.parseMessage(msg)
		if !ok {
			continue
		}

		select {
		case s.results <- t:
		case <-s.done:
		}
	}
}

// parseMessage converts one Deepgram websocket message into a Transcript and
// advances the segment numbering. A Results message with is_final=true closes
// the current segment; an UtteranceEnd message closes it with a bare boundary
// marker when no final has arrived yet. Must only be called from readLoop.
func (s *session) parseMessage(data []byte) (types.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}

	switch resp.Type {
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return types.Transcript{}, false
		}
		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" && (!resp.IsFinal || !s.segmentOpen) {
			// Empty interims carry nothing; an empty final only matters as a
			// boundary for a segment that is already open.
			return types.Transcript{}, false
		}
		if !s.segmentOpen {
			s.segmentID++
			s.segmentOpen = true
		}
		t := types.Transcript{
			SegmentID:    s.segmentID,
			Text:         alt.Transcript,
			IsFinal:      resp.IsFinal,
			UtteranceEnd: resp.SpeechFinal,
			Confidence:   alt.Confidence,
			Start:        time.Duration(resp.Start * float64(time.Second)),
			End:          time.Duration((resp.Start + resp.Duration) * float64(time.Second)),
		}
		if resp.IsFinal {
			s.segmentOpen = false
		}
		return t, true

	case "UtteranceEnd":
		if !s.segmentOpen {
			// Boundary for a segment that already got its final; nothing to add.
			return types.Transcript{}, false
		}
		s.segmentOpen = false
		return types.Transcript{
			SegmentID:    s.segmentID,
			IsFinal:      true,
			UtteranceEnd: true,
		}, true

	default:
		return types.Transcript{}, false
	}
}
