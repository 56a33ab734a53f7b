package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/s2s"
	"github.com/MrWong99/chati/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conn.SetReadLimit(1 << 20)
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession consumes session.update and confirms it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	handle, err := openai.New("test-key", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsHeadersAndModel(t *testing.T) {
	t.Parallel()

	type request struct {
		auth, beta, model string
	}
	got := make(chan request, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- request{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("my-key", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case r := <-got:
		if r.auth != "Bearer my-key" {
			t.Errorf("Authorization = %q", r.auth)
		}
		if r.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", r.beta)
		}
		if r.model != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", r.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Modalities        []string `json:"modalities"`
			Voice             string   `json:"voice"`
			Instructions      string   `json:"instructions"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
		} `json:"session"`
	}

	got := make(chan update, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var u update
		readJSON(t, conn, &u)
		got <- u
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{Voice: "verse", Instructions: "be brief"})

	u := <-got
	if u.Type != "session.update" {
		t.Errorf("type = %q, want session.update", u.Type)
	}
	if u.Session.Voice != "verse" || u.Session.Instructions != "be brief" {
		t.Errorf("session = %+v", u.Session)
	}
	if u.Session.InputAudioFormat != "pcm16" || u.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q, want pcm16", u.Session.InputAudioFormat, u.Session.OutputAudioFormat)
	}
	if len(u.Session.Modalities) == 0 || u.Session.Modalities[0] != "audio" {
		t.Errorf("modalities = %v, want audio first", u.Session.Modalities)
	}
}

func TestConnect_DefaultVoice(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var u struct {
			Session struct {
				Voice string `json:"voice"`
			} `json:"session"`
		}
		readJSON(t, conn, &u)
		got <- u.Session.Voice
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{})
	if v := <-got; v != "alloy" {
		t.Errorf("voice = %q, want alloy", v)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestSessionCreated_EmitsSingleOpened(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":       "response.audio_transcript.done",
			"transcript": "marker",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if ev := nextEvent(t, handle); ev != (s2s.Opened{}) {
		t.Fatalf("first event = %#v, want Opened", ev)
	}
	// session.updated must not produce a second Opened.
	if tr, ok := nextEvent(t, handle).(s2s.Transcript); !ok || tr.Text != "marker" {
		t.Fatalf("second event = %#v, want the marker transcript", tr)
	}
}

func TestAudioDelta_EmitsMessage(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "%%%"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{1})})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hi there",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	nextEvent(t, handle) // Opened

	msg, ok := nextEvent(t, handle).(s2s.Message)
	if !ok {
		t.Fatal("expected Message")
	}
	if string(msg.Frame.Data) != string(pcm) {
		t.Errorf("data = %v, want %v", msg.Frame.Data, pcm)
	}
	if msg.Frame.SampleRate != 24000 || msg.Frame.Seq != 0 {
		t.Errorf("frame = %+v, want 24 kHz seq 0", msg.Frame)
	}

	tr, ok := nextEvent(t, handle).(s2s.Transcript)
	if !ok || tr.Role != "user" || tr.Text != "hi there" {
		t.Errorf("transcript = %#v", tr)
	}
}

func TestErrorEvent_EmitsFailed(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "bad_audio", "message": "bad audio"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	var last s2s.Event
	for ev := range handle.Events() {
		last = ev
	}
	failed, ok := last.(s2s.Failed)
	if !ok {
		t.Fatalf("terminal event = %#v, want Failed", last)
	}
	if !strings.Contains(failed.Error(), "bad audio") {
		t.Errorf("error = %q", failed.Error())
	}
}

func TestServerClose_EmitsClosed(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusGoingAway, "maintenance")
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	var last s2s.Event
	for ev := range handle.Events() {
		last = ev
	}
	closed, ok := last.(s2s.Closed)
	if !ok {
		t.Fatalf("terminal event = %#v, want Closed", last)
	}
	if closed.Code != int(websocket.StatusGoingAway) || closed.Reason != "maintenance" {
		t.Errorf("Closed = %+v", closed)
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_ResamplesToWireRate(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 2)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for range 2 {
			var m appendMsg
			readJSON(t, conn, &m)
			got <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	// 160 samples at 16 kHz become 240 samples at 24 kHz.
	in16 := audio.EncodePCM16(audio.Frame{Samples: make([]float32, 160), SampleRate: 16000, Channels: 1})
	in24 := audio.EncodePCM16(audio.Frame{Samples: make([]float32, 240), SampleRate: 24000, Channels: 1})
	if err := handle.Send(in16); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := handle.Send(in24); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i := range 2 {
		select {
		case m := <-got:
			if m.Type != "input_audio_buffer.append" {
				t.Errorf("type = %q", m.Type)
			}
			raw, err := base64.StdEncoding.DecodeString(m.Audio)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(raw) != 480 {
				t.Errorf("chunk %d: %d bytes, want 480", i, len(raw))
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for audio")
		}
	}
}

func TestSend_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := handle.Send(audio.EncodedFrame{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("k").Capabilities()
	if caps.OutputSampleRate != 24000 {
		t.Errorf("OutputSampleRate = %d, want 24000", caps.OutputSampleRate)
	}
	if len(caps.Voices) != 8 {
		t.Errorf("len(Voices) = %d, want 8", len(caps.Voices))
	}
}
