// Package spitch provides a Spitch-backed TTS provider via the Spitch REST
// API. It implements the tts.Provider interface and is the synthesis path
// for the African-language voices (Igbo, Yoruba, Hausa) alongside English.
//
// The Spitch speech endpoint operates in batch mode (one HTTP call per
// utterance rather than a streaming socket), returning a RIFF/WAVE payload.
// Synthesize performs the call in the background, strips the WAV container
// and feeds the PCM to the sink in fixed-size chunks so downstream pacing
// behaves the same as with the streaming providers.
package spitch

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
)

const (
	defaultBaseURL = "https://api.spi-tch.com"
	speechEndpoint = "/v1/speech"
	defaultTimeout = 30 * time.Second

	// pcmChunkSize is the size of each PCM chunk handed to the sink.
	pcmChunkSize = 4096
)

// Option is a functional option for configuring a Spitch Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Used in tests against a local
// HTTP server.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithTimeout sets the per-request HTTP timeout for synthesis calls.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the Spitch speech API. The
// voice avatar's VoiceID is the Spitch voice name (e.g. "ngozi", "femi")
// and the avatar's Language selects the synthesis language.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Spitch Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("spitch: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speechRequest is the JSON body for POST /v1/speech.
type speechRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request, sink tts.Sink) (tts.Handle, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("spitch: empty text: %w", provider.ErrInvalidInput)
	}
	if req.Voice.VoiceID == "" {
		return nil, fmt.Errorf("spitch: empty voice id: %w", provider.ErrVoiceUnavailable)
	}
	if !req.Voice.Language.Valid() {
		return nil, fmt.Errorf("spitch: language %q: %w", req.Voice.Language, provider.ErrLanguageUnsupported)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := tts.NewTracker(cancel)

	go p.run(runCtx, req, sink, handle)

	return handle, nil
}

// run performs the synthesis call and feeds the sink, finishing the handle
// exactly once.
func (p *Provider) run(ctx context.Context, req tts.Request, sink tts.Sink, handle *tts.Tracker) {
	finish := func(err error) {
		if handle.Cancelled() {
			handle.Finish(context.Canceled)
			return
		}
		handle.Finish(err)
	}

	pcm, sampleRate, channels, err := p.synthesize(ctx, req)
	if err != nil {
		finish(err)
		return
	}

	for off := 0; off < len(pcm); off += pcmChunkSize {
		if err := ctx.Err(); err != nil {
			finish(err)
			return
		}
		end := off + pcmChunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := audio.Frame{
			Data:       pcm[off:end],
			SampleRate: sampleRate,
			Channels:   channels,
		}
		if err := sink.Write(frame); err != nil {
			finish(fmt.Errorf("spitch: sink write: %w", err))
			return
		}
	}
	finish(nil)
}

// synthesize performs a single POST /v1/speech call and returns the raw PCM
// (WAV container stripped) together with its format.
func (p *Provider) synthesize(ctx context.Context, req tts.Request) ([]byte, int, int, error) {
	body := speechRequest{
		Text:     req.Text,
		Language: string(req.Voice.Language),
		Voice:    req.Voice.VoiceID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("spitch: marshal speech request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+speechEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("spitch: create speech request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, 0, err
		}
		return nil, 0, 0, fmt.Errorf("spitch: POST %s: %v: %w", speechEndpoint, err, provider.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, 0, classifyStatus(resp.StatusCode, req.Voice.VoiceID)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("spitch: read WAV response: %v: %w", err, provider.ErrProviderUnavailable)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, 0, 0, err
	}
	return wav[info.DataOffset:], info.SampleRate, info.Channels, nil
}

// classifyStatus maps a non-OK speech response onto the shared provider
// sentinel errors.
func classifyStatus(status int, voiceID string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("spitch: POST %s returned status %d: %w", speechEndpoint, status, provider.ErrAuthFailure)
	case http.StatusTooManyRequests:
		return fmt.Errorf("spitch: POST %s returned status %d: %w", speechEndpoint, status, provider.ErrRateLimited)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("spitch: voice %q rejected with status %d: %w", voiceID, status, provider.ErrVoiceUnavailable)
	default:
		return fmt.Errorf("spitch: POST %s returned status %d: %w", speechEndpoint, status, provider.ErrProviderUnavailable)
	}
}

// ---- WAV parsing ----

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. This is more robust than
// hardcoding a fixed 44-byte offset because the fmt chunk size may vary.
//
// Returns an error if wav is not a valid RIFF/WAVE container or if the fmt
// or data chunk cannot be located.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("spitch: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("spitch: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("spitch: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// fmt chunk should appear before data, but be lenient.
				info.SampleRate = 24000
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("spitch: WAV response missing data chunk")
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)
