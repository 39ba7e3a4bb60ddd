// Package openai provides an OpenAI-backed TTS provider using the speech
// endpoint of the official openai-go SDK. It implements the tts.Provider
// interface.
//
// Synthesis uses the raw PCM response format, which the API streams as
// 24 kHz mono 16-bit samples, so audio reaches the sink while the request
// body is still being delivered.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is used when no model override is given.
	DefaultModel = "gpt-4o-mini-tts"

	// pcmSampleRate is the fixed sample rate of the "pcm" response format.
	pcmSampleRate = 24000

	// readChunkBytes is the body read size per sink frame.
	readChunkBytes = 4096
)

// Option is a functional option for configuring the OpenAI Provider.
type Option func(*config)

type config struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the API base URL (e.g. for an OpenAI-compatible
// gateway).
func WithBaseURL(baseURL string) Option {
	return func(c *config) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the HTTP client timeout for speech requests.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

// Provider implements tts.Provider backed by the OpenAI speech API. The
// voice avatar's VoiceID is the OpenAI voice name (e.g. "alloy").
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a new OpenAI TTS Provider. apiKey must be non-empty; an
// empty model selects DefaultModel.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request, sink tts.Sink) (tts.Handle, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("openai: empty text: %w", provider.ErrInvalidInput)
	}
	if req.Voice.VoiceID == "" {
		return nil, fmt.Errorf("openai: empty voice id: %w", provider.ErrVoiceUnavailable)
	}

	params := p.buildParams(req)

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := tts.NewTracker(cancel)

	go stream(runCtx, resp, sink, handle)

	return handle, nil
}

// buildParams converts a synthesis request into SDK params.
func (p *Provider) buildParams(req tts.Request) oai.AudioSpeechNewParams {
	return oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(req.Voice.VoiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
}

// stream copies the chunked PCM body into sink and finishes the handle. A
// trailing odd byte from one read is carried into the next so frames always
// hold whole samples.
func stream(ctx context.Context, resp *http.Response, sink tts.Sink, handle *tts.Tracker) {
	defer resp.Body.Close()

	finish := func(err error) {
		if handle.Cancelled() {
			handle.Finish(context.Canceled)
			return
		}
		handle.Finish(err)
	}

	var carry []byte
	buf := make([]byte, readChunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			finish(err)
			return
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			carry = nil
			if len(chunk)%2 != 0 {
				carry = []byte{chunk[len(chunk)-1]}
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) > 0 {
				frame := audio.Frame{
					Data:       chunk,
					SampleRate: pcmSampleRate,
					Channels:   1,
				}
				if werr := sink.Write(frame); werr != nil {
					finish(fmt.Errorf("openai: sink write: %w", werr))
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish(nil)
				return
			}
			finish(fmt.Errorf("openai: read body: %v: %w", err, provider.ErrProviderUnavailable))
			return
		}
	}
}

// classify maps SDK errors onto the shared provider sentinel errors.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("openai: speech: %v: %w", err, provider.ErrRateLimited)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("openai: speech: %v: %w", err, provider.ErrAuthFailure)
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return fmt.Errorf("openai: speech: %v: %w", err, provider.ErrVoiceUnavailable)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("openai: speech: %v: %w", err, provider.ErrProviderUnavailable)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
