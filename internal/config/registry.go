package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/llm"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    map[string]func(ProviderEntry) (llm.Provider, error)
	s2s    map[string]func(ProviderEntry) (s2s.Provider, error)
	input  map[string]func(ProviderEntry) (audio.InputDevice, error)
	output map[string]func(ProviderEntry) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    make(map[string]func(ProviderEntry) (llm.Provider, error)),
		s2s:    make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		input:  make(map[string]func(ProviderEntry) (audio.InputDevice, error)),
		output: make(map[string]func(ProviderEntry) (audio.OutputDevice, error)),
	}
}

// RegisterLLM registers a chat provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterS2S registers a speech-to-speech provider factory under name.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterInput registers a microphone factory under name.
func (r *Registry) RegisterInput(name string, factory func(ProviderEntry) (audio.InputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a speaker factory under name.
func (r *Registry) RegisterOutput(name string, factory func(ProviderEntry) (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateLLM instantiates a chat provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, "llm", entry)
}

// CreateS2S instantiates a speech-to-speech provider using the factory registered under entry.Name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	return create(r, r.s2s, "s2s", entry)
}

// CreateInput instantiates a microphone using the factory registered under entry.Name.
func (r *Registry) CreateInput(entry ProviderEntry) (audio.InputDevice, error) {
	return create(r, r.input, "input", entry)
}

// CreateOutput instantiates a speaker using the factory registered under entry.Name.
func (r *Registry) CreateOutput(entry ProviderEntry) (audio.OutputDevice, error) {
	return create(r, r.output, "output", entry)
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
