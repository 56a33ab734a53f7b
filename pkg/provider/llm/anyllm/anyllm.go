// Package anyllm serves the chat assistant through
// github.com/mozilla-ai/any-llm-go, which puts Gemini, Anthropic, Ollama,
// DeepSeek, Mistral, Groq, llama.cpp and OpenAI behind one client.
//
// The default chat backend of chati is Gemini:
//
//	p, err := anyllm.New(anyllm.Gemini, "gemini-2.5-flash", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/chati/pkg/provider/llm"
)

// Backend names accepted by [New].
const (
	Gemini    = "gemini"
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Ollama    = "ollama"
	DeepSeek  = "deepseek"
	Mistral   = "mistral"
	Groq      = "groq"
	LlamaCpp  = "llamacpp"
)

// ErrEmptyChoices is returned when the backend answers without any choice.
var ErrEmptyChoices = errors.New("anyllm: empty choices in response")

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap adapts a concrete any-llm-go constructor, keeping a failed
// construction from leaking a typed nil.
func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := fn(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var constructors = map[string]constructor{
	Gemini:    wrap(gemini.New),
	OpenAI:    wrap(anyllmoai.New),
	Anthropic: wrap(anthropic.New),
	Ollama:    wrap(ollama.New),
	DeepSeek:  wrap(deepseek.New),
	Mistral:   wrap(mistral.New),
	Groq:      wrap(groq.New),
	LlamaCpp:  wrap(llamacpp.New),
}

// Backends lists the accepted backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider implements llm.Provider on top of one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New connects model on the named backend. Without an API key option the
// backend reads its usual environment variable (GEMINI_API_KEY,
// ANTHROPIC_API_KEY, ...); local backends take a base URL instead.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	newBackend, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// Name returns the backend name, e.g. "gemini".
func (p *Provider) Name() string { return p.name }

// Model returns the configured model identifier.
func (p *Provider) Model() string { return p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyChoices
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// StreamCompletion implements llm.Provider. A backend error after the stream
// opened arrives as a final chunk with FinishReason "error".
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		emit := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if !emit(llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}) {
				return
			}
		}
		if err := <-errs; err != nil {
			emit(llm.Chunk{Text: err.Error(), FinishReason: "error"})
		}
	}()
	return out, nil
}

// CountTokens implements llm.Provider with the shared estimate; any-llm-go
// exposes no tokenizer.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// params converts a completion request. The system prompt travels as the
// leading system message.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

// modelLimits is matched top to bottom against the lower-cased model name, so
// more specific prefixes come first.
var modelLimits = []struct {
	prefix        string
	contextWindow int
	maxOutput     int
}{
	{"gemini-2.5-pro", 1_048_576, 65_536},
	{"gemini-2.5-flash", 1_048_576, 65_536},
	{"gemini-2.0-flash", 1_048_576, 8_192},
	{"gemini", 128_000, 8_192},
	{"gpt-4o", 128_000, 16_384},
	{"gpt-4", 8_192, 4_096},
	{"gpt-3.5-turbo", 16_385, 4_096},
	{"claude", 200_000, 8_192},
}

func modelCapabilities(model string) llm.ModelCapabilities {
	name := strings.TrimPrefix(strings.ToLower(model), "models/")
	caps := llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsStreaming: true}
	for _, l := range modelLimits {
		if strings.HasPrefix(name, l.prefix) {
			caps.ContextWindow, caps.MaxOutputTokens = l.contextWindow, l.maxOutput
			break
		}
	}
	return caps
}
