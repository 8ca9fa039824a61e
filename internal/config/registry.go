package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/atlasvoice/voicert/pkg/audio"
	"github.com/atlasvoice/voicert/pkg/provider/keyword"
	"github.com/atlasvoice/voicert/pkg/provider/stt"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions. The entry
// point registers the backends it ships (portaudio capture, whisper STT,
// the keyword client) and the app resolves them by the names appearing in
// the config file. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	audio   map[string]func(AudioConfig) (audio.Platform, error)
	stt     map[string]func(WhisperConfig) (stt.Transcriber, error)
	keyword map[string]func(KeywordConfig) (*keyword.Client, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:   make(map[string]func(AudioConfig) (audio.Platform, error)),
		stt:     make(map[string]func(WhisperConfig) (stt.Transcriber, error)),
		keyword: make(map[string]func(KeywordConfig) (*keyword.Client, error)),
	}
}

// RegisterAudio registers a capture platform factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterSTT registers a transcriber factory under name.
func (r *Registry) RegisterSTT(name string, factory func(WhisperConfig) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterKeyword registers a keyword client factory under name.
func (r *Registry) RegisterKeyword(name string, factory func(KeywordConfig) (*keyword.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyword[name] = factory
}

// CreateAudio instantiates the capture platform registered under name.
// Returns [ErrBackendNotRegistered] if no factory has been registered.
func (r *Registry) CreateAudio(name string, cfg AudioConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.audio[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg)
}

// CreateSTT instantiates the transcriber registered under name.
func (r *Registry) CreateSTT(name string, cfg WhisperConfig) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg)
}

// CreateKeyword instantiates the keyword client registered under name.
func (r *Registry) CreateKeyword(name string, cfg KeywordConfig) (*keyword.Client, error) {
	r.mu.RLock()
	factory, ok := r.keyword[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: keyword/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg)
}
