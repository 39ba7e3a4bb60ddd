package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/provider/vad"
	"github.com/MrWong99/polyglossa/pkg/transport"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	stt       map[string]func(ProviderEntry) (stt.Provider, error)
	translate map[string]func(ProviderEntry) (translate.Translator, error)
	tts       map[string]func(ProviderEntry) (tts.Provider, error)
	vad       map[string]func(ProviderEntry) (vad.Engine, error)
	transport map[string]func(TransportConfig) (transport.Connector, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:       make(map[string]func(ProviderEntry) (stt.Provider, error)),
		translate: make(map[string]func(ProviderEntry) (translate.Translator, error)),
		tts:       make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad:       make(map[string]func(ProviderEntry) (vad.Engine, error)),
		transport: make(map[string]func(TransportConfig) (transport.Connector, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTranslate registers a translator factory under name.
func (r *Registry) RegisterTranslate(name string, factory func(ProviderEntry) (translate.Translator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translate[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterTransport registers a media transport connector factory under name.
func (r *Registry) RegisterTransport(name string, factory func(TransportConfig) (transport.Connector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranslate instantiates a translator using the factory registered under entry.Name.
func (r *Registry) CreateTranslate(entry ProviderEntry) (translate.Translator, error) {
	r.mu.RLock()
	factory, ok := r.translate[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translate/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTransport instantiates a media transport connector using the factory
// registered under tc.Name.
func (r *Registry) CreateTransport(tc TransportConfig) (transport.Connector, error) {
	r.mu.RLock()
	factory, ok := r.transport[tc.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, tc.Name)
	}
	return factory(tc)
}
