// Package llm is the text side of chati: the interface the chat assistant
// uses to get a reply for a conversation, independent of the vendor SDK.
//
// Implementations are safe for concurrent use and honour ctx cancellation.
package llm

import "context"

// Usage is the token accounting a backend reports for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one turn to complete. Messages must not be empty.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first, ending with the
	// user turn to answer.
	Messages []Message

	// SystemPrompt is sent ahead of Messages when set.
	SystemPrompt string

	// Temperature in [0, 2]; zero keeps the backend default.
	Temperature float64

	// MaxTokens caps the reply length; zero keeps the backend default.
	MaxTokens int
}

// Chunk is a fragment of a streamed reply. The last chunk carries a
// FinishReason ("stop", "length" or "error"); for "error", Text holds the
// error message.
type Chunk struct {
	Text         string
	FinishReason string
}

// CompletionResponse is a full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a chat completion backend.
type Provider interface {
	// StreamCompletion returns a channel of reply fragments that the
	// implementation closes at the end of the reply or when ctx ends. The
	// error return covers failures to open the stream only.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates what messages would cost in the context window.
	// It may overcount but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities describes the configured model.
	Capabilities() ModelCapabilities
}
