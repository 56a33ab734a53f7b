// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API only accepts 24 kHz PCM16, so outbound microphone frames are
// resampled before they are appended to the input buffer. Each model response
// streams its audio as a series of response.audio.delta events; every delta
// becomes one s2s.Message.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/s2s"
	"github.com/MrWong99/chati/pkg/provider/s2s/internal/stream"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireSampleRate is the only PCM16 rate the Realtime API speaks.
	wireSampleRate = 24000

	defaultQueueSize = 64
	eventBuffer      = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithQueueSize sets the capacity of each session's outbound queue.
func WithQueueSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	queueSize int
	log       *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		queueSize: defaultQueueSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		OutputSampleRate:     wireSampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The session reports s2s.Opened once the service confirms the session.update.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sess := &session{
		conn:      conn,
		resampler: &audio.Resampler{TargetRate: wireSampleRate},
		log:       p.log.With("provider", "openai"),
	}
	sess.Stream = stream.New(p.queueSize, eventBuffer, func() {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	})

	if err := sess.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess.Start(sess.receiveLoop, sess.writeLoop)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string `json:"modalities,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// buildSessionUpdate maps the session config onto a session.update event.
// The Realtime API always returns text alongside audio, so the text modality
// is requested too.
func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	modality := cfg.Modality
	if modality == "" {
		modality = s2s.ModalityAudio
	}
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{strings.ToLower(string(modality)), "text"},
			Voice:             voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*stream.Stream

	conn      *websocket.Conn
	resampler *audio.Resampler // owned by writeLoop
	log       *slog.Logger

	// Owned by receiveLoop.
	inSeq  uint64
	opened bool
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains the outbound queue in order, resampling each frame to the
// wire rate.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.Outbox():
			if frame.SampleRate == 0 {
				frame.SampleRate = audio.CaptureSampleRate
			}
			frame = s.resampler.Convert(frame)
			if len(frame.Data) == 0 {
				continue
			}
			msg := appendAudioMessage{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(frame.Data),
			}
			if err := s.writeJSON(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.Finish(s2s.Failed{Err: fmt.Errorf("openai: send audio: %w", err)})
				return
			}
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It emits the terminal event when the connection ends.
func (s *session) receiveLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Finish(terminalEvent(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("dropping malformed server event", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent reports false once the session has ended.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		// Both arrive on a fresh connection; the first one opens the session.
		if s.opened {
			return true
		}
		s.opened = true
		return s.Emit(s2s.Opened{})

	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 || len(data)%2 != 0 {
			s.log.Debug("dropping undecodable audio delta", "bytes", len(data), "err", err)
			return true
		}
		frame := audio.EncodedFrame{
			Data:       data,
			Encoding:   audio.PCM16LE,
			SampleRate: wireSampleRate,
			Seq:        s.inSeq,
		}
		s.inSeq++
		return s.Emit(s2s.Message{Frame: frame})

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return true
		}
		return s.Emit(s2s.Transcript{Role: "model", Text: evt.Transcript})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.Emit(s2s.Transcript{Role: "user", Text: evt.Transcript})

	case "error":
		detail := evt.Error
		if detail == nil {
			detail = &serverErrorDetail{}
		}
		s.Finish(s2s.Failed{Err: detail})
		return false
	}
	return true
}

// terminalEvent classifies a read error: a close frame from the service is a
// remote close, anything else a failure.
func terminalEvent(err error) s2s.Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway {
			return s2s.Closed{Code: int(ce.Code), Reason: ce.Reason}
		}
		return s2s.Failed{Err: fmt.Errorf("openai: closed with status %d: %s", ce.Code, ce.Reason)}
	}
	return s2s.Failed{Err: fmt.Errorf("openai: read: %w", err)}
}
