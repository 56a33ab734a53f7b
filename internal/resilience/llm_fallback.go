package resilience

import (
	"context"

	"github.com/MrWong99/chati/pkg/provider/llm"
)

// LLMFallback is the chat assistant's provider when more than one chat backend
// is configured. Calls go to the first backend whose breaker admits them;
// token accounting is kept conservative across all of them.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Healthy reports whether any backend would accept a call right now.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Complete returns the first successful completion.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion fails over on opening the stream only. Errors after the
// first chunk are not retried.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens reports the highest count among the backends, so a history
// trimmed against it fits whichever backend ends up answering.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	most := 0
	for _, p := range f.group.Members() {
		n, err := p.CountTokens(messages)
		if err != nil {
			return 0, err
		}
		most = max(most, n)
	}
	return most, nil
}

// Capabilities merges the backends' limits: the smallest known context
// window, the largest output reservation, and streaming only when every
// backend streams.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	members := f.group.Members()
	caps := members[0].Capabilities()
	for _, p := range members[1:] {
		c := p.Capabilities()
		if c.ContextWindow > 0 && (caps.ContextWindow == 0 || c.ContextWindow < caps.ContextWindow) {
			caps.ContextWindow = c.ContextWindow
		}
		caps.MaxOutputTokens = max(caps.MaxOutputTokens, c.MaxOutputTokens)
		caps.SupportsStreaming = caps.SupportsStreaming && c.SupportsStreaming
	}
	return caps
}
