package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/chati/pkg/provider/llm"
	llmmock "github.com/MrWong99/chati/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if primary.CompleteCallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CompleteCallCount())
	}
	if secondary.CompleteCallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CompleteCallCount())
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(
		&llmmock.Provider{CompleteErr: errors.New("primary down")},
		&llmmock.Provider{CompleteErr: errors.New("secondary down")},
	)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if len(fb.Status()) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(fb.Status()))
	}
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamErr: errors.New("stream failed")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "chunk1"}, {Text: "chunk2", FinishReason: "stop"}},
	}
	fb := newLLMFallback(primary, secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Text != "chunk1" {
		t.Fatalf("chunk[0].Text = %q, want chunk1", chunks[0].Text)
	}
}

func TestLLMFallback_CountTokensTakesHighest(t *testing.T) {
	t.Parallel()
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "test"}}

	fb := newLLMFallback(&llmmock.Provider{TokenCount: 7}, &llmmock.Provider{TokenCount: 42})
	if n, err := fb.CountTokens(msgs); err != nil || n != 42 {
		t.Fatalf("CountTokens = %d, %v; want 42", n, err)
	}

	fb = newLLMFallback(&llmmock.Provider{TokenCount: 7}, &llmmock.Provider{CountTokensErr: errors.New("offline")})
	if _, err := fb.CountTokens(msgs); err == nil {
		t.Fatal("expected the secondary's counting error")
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		primary   llm.ModelCapabilities
		secondary llm.ModelCapabilities
		want      llm.ModelCapabilities
	}{
		{
			name:      "smallest window wins",
			primary:   llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8192, SupportsStreaming: true},
			secondary: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsStreaming: true},
			want:      llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsStreaming: true},
		},
		{
			name:      "unknown window ignored",
			primary:   llm.ModelCapabilities{ContextWindow: 0, SupportsStreaming: true},
			secondary: llm.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4096},
			want:      llm.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4096},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fb := newLLMFallback(
				&llmmock.Provider{ModelCapabilities: tt.primary},
				&llmmock.Provider{ModelCapabilities: tt.secondary},
			)
			if got := fb.Capabilities(); got != tt.want {
				t.Errorf("Capabilities() = %+v, want %+v", got, tt.want)
			}
		})
	}

	solo := llm.ModelCapabilities{ContextWindow: 1_048_576, SupportsStreaming: true}
	single := NewLLMFallback(&llmmock.Provider{ModelCapabilities: solo}, "primary", FallbackConfig{})
	if got := single.Capabilities(); got != solo {
		t.Errorf("single backend Capabilities() = %+v, want %+v", got, solo)
	}
	if !single.Healthy() {
		t.Fatal("fresh fallback should be healthy")
	}
}
