// Package mock provides a scriptable [llm.Provider] for tests of the chat
// assistant and the failover wrappers.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chati/pkg/provider/llm"
)

// Provider answers from its fields and records every completion request.
// Configure it before the first call.
type Provider struct {
	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteFunc, when set, replaces CompleteResponse and CompleteErr. It
	// runs without the mock's lock held, so it may block on ctx.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// StreamChunks are emitted by StreamCompletion unless StreamErr is set.
	StreamChunks []llm.Chunk
	StreamErr    error

	// TokenCount overrides llm.EstimateTokens in CountTokens when non-zero.
	TokenCount     int
	CountTokensErr error

	ModelCapabilities llm.ModelCapabilities

	mu       sync.Mutex
	requests []llm.CompletionRequest
	streams  int
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	fn := p.CompleteFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return p.CompleteResponse, p.CompleteErr
}

// StreamCompletion implements llm.Provider. The channel is closed after the
// last chunk or when ctx ends.
func (p *Provider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streams++
	p.mu.Unlock()

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	ch := make(chan llm.Chunk, len(p.StreamChunks))
	go func() {
		defer close(ch)
		for _, c := range p.StreamChunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	switch {
	case p.CountTokensErr != nil:
		return 0, p.CountTokensErr
	case p.TokenCount != 0:
		return p.TokenCount, nil
	default:
		return llm.EstimateTokens(messages), nil
	}
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// CompleteCallCount reports how many times Complete ran.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// StreamCallCount reports how many times StreamCompletion ran.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams
}

// LastCompleteRequest returns the most recent Complete request.
func (p *Provider) LastCompleteRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.requests[len(p.requests)-1], true
}
