// Package openai provides a translator backed by the OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
)

// DefaultModel is used when the config names no model.
const DefaultModel = "gpt-4o-mini"

// Translator implements translate.Translator using the OpenAI API.
type Translator struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the translator.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Translator.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. for an
// OpenAI-compatible proxy.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Translation calls already run
// under the segment deadline; the timeout is a backstop for calls issued
// without one.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI translator.
func New(apiKey, model string, opts ...Option) (*Translator, error) {
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

	return &Translator{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Translate implements translate.Translator.
func (t *Translator) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := t.client.Chat.Completions.New(ctx, t.buildParams(req))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response: %w", provider.ErrProviderUnavailable)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("openai: empty translation: %w", provider.ErrProviderUnavailable)
	}
	return &translate.Result{Text: text, Model: t.model}, nil
}

// buildParams converts a translate.Request into OpenAI SDK params.
func (t *Translator) buildParams(req translate.Request) oai.ChatCompletionNewParams {
	return oai.ChatCompletionNewParams{
		Model: shared.ChatModel(t.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(translate.SystemPrompt(req.Source, req.Target, req.Prefs)),
			oai.UserMessage(req.Text),
		},
		Temperature: param.NewOpt(translate.DefaultTemperature),
	}
}

// classify maps OpenAI SDK errors onto the shared provider sentinels using
// the HTTP status the SDK surfaces. Unmatched failures default to
// ErrProviderUnavailable, which keeps them inside the retry budget.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai: chat completion: %w", err)
	}
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("openai: chat completion: %w: %w", provider.ErrRateLimited, err)
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("openai: chat completion: %w: %w", provider.ErrAuthFailure, err)
		case apierr.StatusCode == http.StatusBadRequest || apierr.StatusCode == http.StatusUnprocessableEntity:
			return fmt.Errorf("openai: chat completion: %w: %w", provider.ErrInvalidInput, err)
		}
	}
	return fmt.Errorf("openai: chat completion: %w: %w", provider.ErrProviderUnavailable, err)
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
