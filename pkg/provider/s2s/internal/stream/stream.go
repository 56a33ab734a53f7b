// Package stream holds the session plumbing shared by the WebSocket-backed
// S2S providers: a bounded, ordered outbound queue, an inbound event channel
// that ends with at most one terminal event, and idempotent shutdown.
//
// A provider creates a Stream once its connection is up, starts its loops with
// [Stream.Start], and forwards the [s2s.SessionHandle] methods to the Stream.
package stream

import (
	"context"
	"sync"

	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// Stream is the shared half of a session handle. All methods are safe for
// concurrent use.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc

	outbox chan audio.EncodedFrame
	events chan s2s.Event
	done   chan struct{}
	wg     sync.WaitGroup

	// closeConn closes the underlying connection. Called once, after ctx is
	// cancelled.
	closeConn func()

	mu       sync.Mutex
	finished bool
	started  bool
	stopOnce sync.Once
}

// New creates a Stream with an outbound queue of queueSize frames and an
// inbound buffer of eventBuffer events. closeConn is called exactly once when
// the session shuts down, for any reason.
func New(queueSize, eventBuffer int, closeConn func()) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		ctx:       ctx,
		cancel:    cancel,
		outbox:    make(chan audio.EncodedFrame, queueSize),
		events:    make(chan s2s.Event, eventBuffer),
		done:      make(chan struct{}),
		closeConn: closeConn,
	}
}

// Context is cancelled when the session shuts down.
func (s *Stream) Context() context.Context { return s.ctx }

// Start runs each loop on its own goroutine. The event channel is closed once
// all loops have returned. Start must be called exactly once.
func (s *Stream) Start(loops ...func(ctx context.Context)) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(len(loops))
	for _, loop := range loops {
		go func() {
			defer s.wg.Done()
			loop(s.ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
	}()
}

// Send enqueues f without blocking. See [s2s.SessionHandle.Send].
func (s *Stream) Send(f audio.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s2s.ErrSessionClosed
	}
	select {
	case s.outbox <- f:
		return nil
	default:
		return s2s.ErrQueueFull
	}
}

// Outbox is drained by the provider's single writer loop; reading it from
// more than one goroutine would break wire ordering.
func (s *Stream) Outbox() <-chan audio.EncodedFrame { return s.outbox }

// Events implements [s2s.SessionHandle.Events].
func (s *Stream) Events() <-chan s2s.Event { return s.events }

// Emit delivers a non-terminal event. It gives up when the session shuts
// down and reports whether the event was delivered.
func (s *Stream) Emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish delivers the terminal event ev and shuts the session down. Only the
// first call, and only if Close has not been called, delivers anything.
func (s *Stream) Finish(ev s2s.Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
	s.shutdown()
}

// Close shuts the session down without a terminal event and waits for the
// loops to return. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.finished = true
	started := s.started
	s.mu.Unlock()

	s.shutdown()
	if started {
		<-s.done
	}
	return nil
}

// Finished reports whether the session has ended.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Stream) shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.closeConn != nil {
			s.closeConn()
		}
	})
}
