// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpointFormat overrides the WebSocket endpoint format string. It must
// contain placeholders for voice ID, model and output format, in that order.
// Used in tests against a local websocket server.
func WithEndpointFormat(format string) Option {
	return func(p *Provider) {
		p.endpointFmt = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
// The voice avatar's VoiceID is the ElevenLabs voice ID.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpointFmt  string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpointFmt:  wsEndpointFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text marks end of input.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// Synthesize opens a WebSocket to ElevenLabs, sends the text followed by an
// end-of-input marker, and streams the decoded PCM into sink until ElevenLabs
// reports the final chunk.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request, sink tts.Sink) (tts.Handle, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("elevenlabs: empty text: %w", provider.ErrInvalidInput)
	}
	if req.Voice.VoiceID == "" {
		return nil, fmt.Errorf("elevenlabs: empty voice id: %w", provider.ErrVoiceUnavailable)
	}

	wsURL := buildURLForVoice(p.endpointFmt, req.Voice.VoiceID, p.model, p.outputFormat)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("elevenlabs: dial: %w", provider.ErrAuthFailure)
			case http.StatusBadRequest, http.StatusNotFound:
				return nil, fmt.Errorf("elevenlabs: dial: voice %q: %w", req.Voice.VoiceID, provider.ErrVoiceUnavailable)
			}
		}
		return nil, fmt.Errorf("elevenlabs: dial: %v: %w", err, provider.ErrProviderUnavailable)
	}

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %v: %w", err, provider.ErrProviderUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := tts.NewTracker(cancel)

	go p.run(runCtx, conn, req.Text, sink, handle)

	return handle, nil
}

// run sends the text and end-of-input marker, then drains audio responses
// into sink, finishing the handle exactly once.
func (p *Provider) run(ctx context.Context, conn *websocket.Conn, text string, sink tts.Sink, handle *tts.Tracker) {
	defer conn.Close(websocket.StatusNormalClosure, "synthesis done")

	finish := func(err error) {
		if handle.Cancelled() {
			handle.Finish(context.Canceled)
			return
		}
		handle.Finish(err)
	}

	payload, _ := json.Marshal(textMessage{Text: ensureTrailingSpace(text)})
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		finish(fmt.Errorf("elevenlabs: send text: %v: %w", err, provider.ErrProviderUnavailable))
		return
	}
	eos, _ := json.Marshal(textMessage{Text: ""})
	if err := conn.Write(ctx, websocket.MessageText, eos); err != nil {
		finish(fmt.Errorf("elevenlabs: send end of input: %v: %w", err, provider.ErrProviderUnavailable))
		return
	}

	rate := sampleRateForFormat(p.outputFormat)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			finish(fmt.Errorf("elevenlabs: read: %v: %w", err, provider.ErrProviderUnavailable))
			return
		}

		var ar audioResponse
		if err := json.Unmarshal(msg, &ar); err != nil {
			continue
		}
		if ar.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(ar.Audio)
			if err != nil || len(pcm) == 0 {
				continue
			}
			frame := audio.Frame{
				Data:       pcm,
				SampleRate: rate,
				Channels:   1,
			}
			if err := sink.Write(frame); err != nil {
				finish(fmt.Errorf("elevenlabs: sink write: %w", err))
				return
			}
		}
		if ar.IsFinal {
			finish(nil)
			return
		}
	}
}

// ---- helpers ----

// buildURLForVoice constructs the WebSocket URL for a given voice, model and
// output format.
func buildURLForVoice(format, voiceID, model, outputFmt string) string {
	return fmt.Sprintf(format, voiceID, model, outputFmt)
}

// sampleRateForFormat derives the PCM sample rate from an ElevenLabs output
// format name such as "pcm_24000". Unknown formats fall back to 24 kHz.
func sampleRateForFormat(format string) int {
	idx := strings.LastIndexByte(format, '_')
	if idx < 0 {
		return 24000
	}
	rate, err := strconv.Atoi(format[idx+1:])
	if err != nil || rate <= 0 {
		return 24000
	}
	return rate
}

// ensureTrailingSpace appends a trailing space when missing. ElevenLabs uses
// trailing whitespace as its generation boundary hint.
func ensureTrailingSpace(text string) string {
	if strings.HasSuffix(text, " ") {
		return text
	}
	return text + " "
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
