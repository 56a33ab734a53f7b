// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is sent as base64-encoded PCM16 media chunks by a single
// writer goroutine, so chunks reach the service in submission order. The first
// audio part of every model turn is surfaced as an s2s.Message; text parts and
// transcriptions are surfaced as s2s.Transcript events.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/s2s"
	"github.com/MrWong99/chati/pkg/provider/s2s/internal/stream"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultVoice   = "Kore"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// outputSampleRate is the rate of the PCM16 audio Gemini Live returns.
	outputSampleRate = 24000

	defaultQueueSize = 64
	eventBuffer      = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	queueSize int
	log       *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		OutputSampleRate:     outputSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials Gemini Live and sends the setup message. The session reports
// s2s.Opened once the service answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inbound audio chunks routinely exceed the library's 32 KiB default.
	conn.SetReadLimit(16 << 20)

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	inputRate := cfg.InputSampleRate
	if inputRate == 0 {
		inputRate = audio.CaptureSampleRate
	}

	sess := &session{
		conn:      conn,
		inputRate: inputRate,
		log:       p.log.With("provider", "gemini"),
	}
	sess.Stream = stream.New(p.queueSize, eventBuffer, func() {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	})

	if err := sess.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sess.Start(sess.receiveLoop, sess.writeLoop, sess.keepaliveLoop)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return fmt.Sprintf("gemini: %s (%d)", msg, e.Code)
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup assembles the BidiGenerateContent setup message.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	modality := cfg.Modality
	if modality == "" {
		modality = s2s.ModalityAudio
	}
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(modality)},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*stream.Stream

	conn      *websocket.Conn
	inputRate int
	log       *slog.Logger

	// inSeq numbers inbound audio payloads. Owned by receiveLoop.
	inSeq uint64
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop is the only writer of audio chunks; it drains the outbound queue
// in order.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.Outbox():
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{
						MIMEType: audio.PCMMIMEType(s.inputRate),
						Data:     base64.StdEncoding.EncodeToString(frame.Data),
					}},
				},
			}
			if err := s.writeJSON(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.Finish(s2s.Failed{Err: fmt.Errorf("gemini: send audio: %w", err)})
				return
			}
		}
	}
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It emits the terminal event when the connection ends.
func (s *session) receiveLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if ctx.Err() != nil {
				return
			}
			s.Finish(terminalEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("dropping malformed server message", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage reports false once the session has ended.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.Finish(s2s.Failed{Err: msg.Error})
		return false
	}
	if msg.SetupComplete != nil {
		if !s.Emit(s2s.Opened{}) {
			return false
		}
	}
	if msg.ServerContent != nil {
		if !s.handleServerContent(msg.ServerContent) {
			return false
		}
	}
	if msg.GoAway != nil {
		s.log.Info("server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		audioSeen := false
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && !audioSeen {
				// Only the first audio part of a turn is played.
				audioSeen = true
				frame, ok := s.decodeInline(p.InlineData)
				if ok && !s.Emit(s2s.Message{Frame: frame}) {
					return false
				}
			}
			if p.Text != "" {
				if !s.Emit(s2s.Transcript{Role: "model", Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.Emit(s2s.Transcript{Role: "user", Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.Emit(s2s.Transcript{Role: "model", Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	return true
}

// decodeInline turns an inlineData part into an encoded frame. Payloads that
// are not PCM, not valid base64, empty or misaligned are dropped.
func (s *session) decodeInline(d *inlineData) (audio.EncodedFrame, bool) {
	rate, ok := audio.ParsePCMMIMEType(d.MIMEType, outputSampleRate)
	if !ok {
		s.log.Debug("dropping non-pcm inline data", "mime", d.MIMEType)
		return audio.EncodedFrame{}, false
	}
	data, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil || len(data) == 0 || len(data)%2 != 0 {
		s.log.Debug("dropping undecodable audio payload", "bytes", len(data), "err", err)
		return audio.EncodedFrame{}, false
	}
	frame := audio.EncodedFrame{
		Data:       data,
		Encoding:   audio.PCM16LE,
		SampleRate: rate,
		Seq:        s.inSeq,
	}
	s.inSeq++
	return frame, true
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && ctx.Err() == nil {
				s.log.Warn("keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// terminalEvent classifies a read error: a close frame from the service is a
// remote close, anything else a failure.
func terminalEvent(err error) s2s.Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway {
			return s2s.Closed{Code: int(ce.Code), Reason: ce.Reason}
		}
		return s2s.Failed{Err: fmt.Errorf("gemini: closed with status %d: %s", ce.Code, ce.Reason)}
	}
	return s2s.Failed{Err: fmt.Errorf("gemini: read: %w", err)}
}
