// Package chat implements the text side of the assistant: a history of user
// and model turns goes in, a single reply comes out.
//
// Reply never fails. Every problem (no history, a last turn without text, a
// provider error, an empty completion) is answered with a fixed, user-facing
// sentence so the messaging surface always has something to show.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/chati/pkg/provider/llm"
)

// AssistantName is the persona name used in the default prompt and greeting.
const AssistantName = "Chat-I"

// DefaultSystemPrompt frames the model as a messaging-app assistant.
const DefaultSystemPrompt = "You are Chat-I, a helpful, witty, and concise AI assistant integrated into a messaging app. Keep responses brief and conversational, like a WhatsApp message."

// Fixed replies.
const (
	ReplyEmptyHistory = "Hello!"
	ReplyNoText       = "I cannot process this message (no text)."
	ReplyFailed       = "Sorry, I couldn't process that."
	ReplyEmpty        = "I'm having trouble thinking right now."
)

// Outcome labels passed to a [Recorder].
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Recorder receives one observation per Reply call. Implemented by
// observe.Metrics.
type Recorder interface {
	RecordChatTurn(ctx context.Context, d time.Duration, outcome string)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Assistant.
type Option func(*Assistant)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(a *Assistant) { a.systemPrompt = p }
}

// WithTimeout bounds a single completion. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Assistant) { a.timeout = d }
}

// WithTemperature sets the sampling temperature. Zero keeps the provider
// default.
func WithTemperature(t float64) Option {
	return func(a *Assistant) { a.temperature = t }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Assistant) { a.rec = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) { a.log = l }
}

// ── Assistant ──────────────────────────────────────────────────────────────────

// Assistant answers chat histories with an [llm.Provider]. It holds no
// per-conversation state and is safe for concurrent use.
type Assistant struct {
	provider    llm.Provider
	timeout     time.Duration
	temperature float64
	rec         Recorder
	log         *slog.Logger

	mu           sync.RWMutex
	systemPrompt string
}

// New creates an Assistant backed by provider.
func New(provider llm.Provider, opts ...Option) *Assistant {
	a := &Assistant{
		provider:     provider,
		systemPrompt: DefaultSystemPrompt,
		timeout:      30 * time.Second,
		log:          slog.Default().With("component", "chat"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SystemPrompt returns the prompt used for the next reply.
func (a *Assistant) SystemPrompt() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.systemPrompt
}

// SetSystemPrompt replaces the prompt for subsequent replies. An empty prompt
// restores [DefaultSystemPrompt].
func (a *Assistant) SetSystemPrompt(p string) {
	if p == "" {
		p = DefaultSystemPrompt
	}
	a.mu.Lock()
	a.systemPrompt = p
	a.mu.Unlock()
}

// Greeting returns the model turn that opens a new conversation.
func (a *Assistant) Greeting() Turn {
	return ModelTurn("Hello! I'm " + AssistantName + ". Ask me anything!")
}

// Reply produces the model's answer to the last turn of history, using the
// earlier turns as context. It always returns a displayable string.
func (a *Assistant) Reply(ctx context.Context, history []Turn) string {
	start := time.Now()

	if len(history) == 0 {
		a.record(ctx, start, OutcomeRejected)
		return ReplyEmptyHistory
	}
	if history[len(history)-1].Text() == "" {
		a.record(ctx, start, OutcomeRejected)
		return ReplyNoText
	}

	prompt := a.SystemPrompt()
	msgs := a.fit(toMessages(history), prompt)

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: prompt,
		Temperature:  a.temperature,
		MaxTokens:    a.provider.Capabilities().MaxOutputTokens,
	})
	if err != nil {
		a.log.Error("chat: completion failed", "err", err, "turns", len(msgs))
		a.record(ctx, start, OutcomeError)
		return ReplyFailed
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		a.log.Warn("chat: empty completion", "turns", len(msgs))
		a.record(ctx, start, OutcomeEmpty)
		return ReplyEmpty
	}

	a.log.Debug("chat: reply",
		"turns", len(msgs),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start),
	)
	a.record(ctx, start, OutcomeOK)
	return resp.Content
}

// fit trims msgs to the part of the context window left after the system
// prompt and the completion budget, and makes sure the history opens with a
// user message.
func (a *Assistant) fit(msgs []llm.Message, prompt string) []llm.Message {
	caps := a.provider.Capabilities()
	budget := caps.ContextWindow - caps.MaxOutputTokens
	if budget > 0 && prompt != "" {
		budget -= llm.EstimateTokens([]llm.Message{{Role: llm.RoleSystem, Content: prompt}})
		if budget <= 0 {
			budget = 1
		}
	}

	trimmed, err := trimToBudget(msgs, budget, a.provider.CountTokens)
	if err != nil {
		a.log.Warn("chat: count tokens, sending full history", "err", err)
	}
	if dropped := len(msgs) - len(trimmed); dropped > 0 {
		a.log.Info("chat: history trimmed to fit context window", "dropped", dropped, "budget", budget)
	}

	for len(trimmed) > 1 && trimmed[0].Role == llm.RoleAssistant {
		trimmed = trimmed[1:]
	}
	return trimmed
}

func (a *Assistant) record(ctx context.Context, start time.Time, outcome string) {
	if a.rec != nil {
		a.rec.RecordChatTurn(ctx, time.Since(start), outcome)
	}
}

// ── Conversation ───────────────────────────────────────────────────────────────

// Conversation is a single chat thread: a growing history seeded with the
// assistant's greeting. It is safe for concurrent use, but Send calls are
// answered one at a time so that each reply sees the previous one.
type Conversation struct {
	assistant *Assistant

	mu    sync.Mutex
	turns []Turn
}

// NewConversation starts a thread that opens with [Assistant.Greeting].
func (a *Assistant) NewConversation() *Conversation {
	return &Conversation{assistant: a, turns: []Turn{a.Greeting()}}
}

// Send appends a user turn with text, asks the assistant for a reply,
// appends it as a model turn and returns it.
func (c *Conversation) Send(ctx context.Context, text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, UserTurn(text))
	reply := c.assistant.Reply(ctx, c.turns)
	c.turns = append(c.turns, ModelTurn(reply))
	return reply
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}
