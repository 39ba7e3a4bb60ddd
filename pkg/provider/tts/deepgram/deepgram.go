// Package deepgram provides a Deepgram Aura-backed TTS provider using the
// Deepgram streaming speak WebSocket API. It implements the tts.Provider
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/speak"
	defaultSampleRate = 24000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Used in tests against a
// local websocket server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithSampleRate sets the PCM sample rate requested from Aura (Hz).
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements tts.Provider backed by Deepgram Aura voices. The voice
// avatar's VoiceID is the Aura model name (e.g. "aura-2-thalia-en").
type Provider struct {
	apiKey     string
	endpoint   string
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
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speakMessage is the JSON control payload sent on the speak socket.
type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// speakEvent is the JSON structure Deepgram sends between binary audio
// messages.
type speakEvent struct {
	Type        string `json:"type"`
	SequenceID  int    `json:"sequence_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Synthesize opens a speak socket for the requested Aura voice, sends the
// text followed by a flush, and streams the returned PCM into sink until
// Deepgram reports the flush completed.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request, sink tts.Sink) (tts.Handle, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("deepgram: empty text: %w", provider.ErrInvalidInput)
	}
	if req.Voice.VoiceID == "" {
		return nil, fmt.Errorf("deepgram: empty voice id: %w", provider.ErrVoiceUnavailable)
	}

	wsURL, err := p.buildURL(req.Voice.VoiceID)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("deepgram: dial: %w", provider.ErrAuthFailure)
			case http.StatusBadRequest, http.StatusNotFound:
				// Aura rejects unknown models during the handshake.
				return nil, fmt.Errorf("deepgram: dial: voice %q: %w", req.Voice.VoiceID, provider.ErrVoiceUnavailable)
			}
		}
		return nil, fmt.Errorf("deepgram: dial: %v: %w", err, provider.ErrProviderUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := tts.NewTracker(cancel)

	go p.run(runCtx, conn, req.Text, sink, handle)

	return handle, nil
}

// buildURL constructs the speak endpoint URL for the given Aura model.
func (p *Provider) buildURL(voiceID string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", voiceID)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run drives one synthesis on an open speak socket and finishes the handle
// exactly once.
func (p *Provider) run(ctx context.Context, conn *websocket.Conn, text string, sink tts.Sink, handle *tts.Tracker) {
	defer conn.Close(websocket.StatusNormalClosure, "synthesis done")

	finish := func(err error) {
		if handle.Cancelled() {
			handle.Finish(context.Canceled)
			return
		}
		handle.Finish(err)
	}

	speak, _ := json.Marshal(speakMessage{Type: "Speak", Text: text})
	if err := conn.Write(ctx, websocket.MessageText, speak); err != nil {
		finish(fmt.Errorf("deepgram: send text: %v: %w", err, provider.ErrProviderUnavailable))
		return
	}
	flush, _ := json.Marshal(speakMessage{Type: "Flush"})
	if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
		finish(fmt.Errorf("deepgram: send flush: %v: %w", err, provider.ErrProviderUnavailable))
		return
	}

	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			finish(fmt.Errorf("deepgram: read: %v: %w", err, provider.ErrProviderUnavailable))
			return
		}

		if msgType == websocket.MessageBinary {
			if len(msg) == 0 {
				continue
			}
			frame := audio.Frame{
				Data:       msg,
				SampleRate: p.sampleRate,
				Channels:   1,
			}
			if err := sink.Write(frame); err != nil {
				finish(fmt.Errorf("deepgram: sink write: %w", err))
				return
			}
			continue
		}

		var ev speakEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "Flushed":
			// Everything for this text has been delivered.
			closeMsg, _ := json.Marshal(speakMessage{Type: "Close"})
			_ = conn.Write(ctx, websocket.MessageText, closeMsg)
			finish(nil)
			return
		case "Error":
			finish(fmt.Errorf("deepgram: speak error: %s: %w", ev.Description, provider.ErrProviderUnavailable))
			return
		}
	}
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
