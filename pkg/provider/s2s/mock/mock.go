// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to script the inbound event stream and inspect the frames the
// code under test sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(s2s.Opened{})
//	sess.Finish(s2s.Closed{Code: 1000})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if set, runs before anything else in Connect. A non-nil
	// error is returned as is. Tests use it to block or observe the call.
	ConnectFunc func(ctx context.Context, cfg s2s.SessionConfig) error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	fn := p.ConnectFunc
	p.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, cfg); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		if s, ok := p.Session.(*Session); ok {
			p.sessions = append(p.sessions, s)
		}
		return p.Session, nil
	}
	s := NewSession(64)
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls so far. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recent *Session handed out by Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle that follows the
// handle contract: events arrive in Emit order, at most one terminal event is
// delivered, and the channel is closed after Finish or Close.
type Session struct {
	// SendErr, if non-nil, is returned by Send while the session is open.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	events chan s2s.Event
	done   chan struct{}

	mu          sync.Mutex
	inflight    sync.WaitGroup
	terminating bool
	closeCount  int
	sent        []audio.EncodedFrame
	sentSignal  chan struct{}
	stopOnce    sync.Once
	closeOnce   sync.Once
}

// NewSession returns a Session whose event channel holds buffer events.
func NewSession(buffer int) *Session {
	return &Session{
		events:     make(chan s2s.Event, buffer),
		done:       make(chan struct{}),
		sentSignal: make(chan struct{}),
	}
}

// Send records a copy of frame.
func (s *Session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminating {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	frame.Data = append([]byte(nil), frame.Data...)
	s.sent = append(s.sent, frame)
	close(s.sentSignal)
	s.sentSignal = make(chan struct{})
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close ends the session without a terminal event. It may be called any
// number of times; every call is counted.
func (s *Session) Close() error {
	s.mu.Lock()
	s.terminating = true
	s.closeCount++
	s.mu.Unlock()
	s.shutdown()
	return s.CloseErr
}

// Emit delivers a non-terminal event. It blocks while the buffer is full and
// reports false if the session ended first.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	if s.terminating {
		s.mu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Finish delivers the terminal event ev, then closes the event channel. Only
// the first call on an open session has any effect.
func (s *Session) Finish(ev s2s.Event) bool {
	s.mu.Lock()
	if s.terminating {
		s.mu.Unlock()
		return false
	}
	s.terminating = true
	s.inflight.Add(1)
	s.mu.Unlock()

	delivered := false
	select {
	case s.events <- ev:
		delivered = true
	case <-s.done:
	}
	s.inflight.Done()
	s.shutdown()
	return delivered
}

// Sent returns a copy of every frame accepted by Send, in order.
func (s *Session) Sent() []audio.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedFrame(nil), s.sent...)
}

// WaitSent blocks until at least n frames were sent or timeout elapses, and
// reports whether the count was reached.
func (s *Session) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		count, signal := len(s.sent), s.sentSignal
		s.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-signal:
		case <-deadline:
			return false
		}
	}
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Done is closed once the session has ended, by Close or by Finish.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
	s.inflight.Wait()
	s.closeOnce.Do(func() { close(s.events) })
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
