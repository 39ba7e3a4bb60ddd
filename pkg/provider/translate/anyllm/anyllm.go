// Package anyllm provides a translator backed by github.com/mozilla-ai/any-llm-go,
// a unified multi-provider gateway supporting Gemini, OpenAI, Anthropic,
// Ollama, DeepSeek, Mistral, Groq, and more.
//
// The default deployment translates with Gemini Flash:
//
//	tr, err := anyllm.NewGemini("gemini-2.0-flash", anyllmlib.WithAPIKey("..."))
//
// Any other gateway backend works through New:
//
//	tr, err := anyllm.New("groq", "llama-3.1-8b-instant", anyllmlib.WithAPIKey("..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
)

// DefaultModel is the gateway model used when the config names none.
const DefaultModel = "gemini-2.0-flash"

// Translator implements translate.Translator by wrapping any-llm-go.
type Translator struct {
	backend     anyllmlib.Provider
	model       string
	temperature float64
}

// New creates a Translator backed by the given gateway provider.
//
// providerName is one of: "gemini", "openai", "anthropic", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// backend model id; empty selects DefaultModel.
//
// opts are any-llm-go configuration options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the gateway falls back
// to the relevant environment variable (GEMINI_API_KEY, OPENAI_API_KEY, ...).
func New(providerName, model string, opts ...anyllmlib.Option) (*Translator, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Translator{
		backend:     backend,
		model:       model,
		temperature: translate.DefaultTemperature,
	}, nil
}

// NewGemini creates a Translator backed by Google Gemini, the default
// translation path. Without options it reads GEMINI_API_KEY or GOOGLE_API_KEY.
func NewGemini(model string, opts ...anyllmlib.Option) (*Translator, error) {
	return New("gemini", model, opts...)
}

// NewOpenAI creates a Translator backed by OpenAI through the gateway.
// Without options it reads OPENAI_API_KEY.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Translator, error) {
	return New("openai", model, opts...)
}

// NewOllama creates a Translator backed by a local Ollama instance.
// Without options it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Translator, error) {
	return New("ollama", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "gemini":
		return gemini.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: gemini, openai, anthropic, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Translate implements translate.Translator.
func (t *Translator) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := t.backend.Completion(ctx, t.buildParams(req))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response: %w", provider.ErrProviderUnavailable)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if text == "" {
		return nil, fmt.Errorf("anyllm: empty translation: %w", provider.ErrProviderUnavailable)
	}
	return &translate.Result{Text: text, Model: t.model}, nil
}

// buildParams converts a translate.Request into gateway CompletionParams.
func (t *Translator) buildParams(req translate.Request) anyllmlib.CompletionParams {
	temp := t.temperature
	return anyllmlib.CompletionParams{
		Model: t.model,
		Messages: []anyllmlib.Message{
			{
				Role:    anyllmlib.RoleSystem,
				Content: translate.SystemPrompt(req.Source, req.Target, req.Prefs),
			},
			{
				Role:    anyllmlib.RoleUser,
				Content: req.Text,
			},
		},
		Temperature: &temp,
	}
}

// classify maps gateway errors onto the shared provider sentinels. The
// gateway flattens backend HTTP failures into plain errors, so this matches
// on the status markers the upstream SDKs embed in their messages. Unmatched
// failures default to ErrProviderUnavailable, which keeps them inside the
// retry budget.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anyllm: completion: %w", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return fmt.Errorf("anyllm: completion: %w: %w", provider.ErrRateLimited, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key"):
		return fmt.Errorf("anyllm: completion: %w: %w", provider.ErrAuthFailure, err)
	default:
		return fmt.Errorf("anyllm: completion: %w: %w", provider.ErrProviderUnavailable, err)
	}
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
