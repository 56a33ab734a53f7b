package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/audio/capture"
	"github.com/MrWong99/chati/pkg/audio/playback"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// Uplink outcomes passed to [Recorder.RecordUplink].
const (
	uplinkSent    = "sent"
	uplinkDropped = "dropped"
	uplinkError   = "error"
)

// session is the aggregate of everything one Connect acquires. It is never
// reused: a new Connect builds a new session.
type session struct {
	id   string
	ctrl *Controller
	log  *slog.Logger

	// ctx is cancelled by shutdown. It bounds every goroutine of the session.
	ctx    context.Context
	cancel context.CancelFunc

	capture *capture.Stage
	player  *playback.Scheduler

	// frames is the bounded uplink queue between the capture callback and
	// the sender goroutine. levels holds at most the latest RMS reading.
	frames chan audio.Frame
	levels chan float64
	drops  atomic.Uint64

	mu   sync.Mutex
	link s2s.SessionHandle
	down bool

	// wg tracks the sender and level goroutines. The event pump is not
	// tracked: it is the goroutine that calls shutdown on remote teardown.
	wg       sync.WaitGroup
	pumpDone chan struct{}

	once sync.Once
}

// attach hands the dialled transport to the session and starts its
// goroutines. It reports false if shutdown already ran; the caller then
// still owns link.
func (s *session) attach(link s2s.SessionHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false
	}
	s.link = link
	s.pumpDone = make(chan struct{})

	s.wg.Go(s.sendLoop)
	if s.ctrl.onLevel != nil {
		s.wg.Go(s.levelLoop)
	}
	go s.pump(link.Events())
	return true
}

// shutdown stops capture and closes the transport. It runs once; later
// calls wait for nothing and return immediately. Playback is left to the
// caller, because the policy differs between explicit and remote teardown.
func (s *session) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.down = true
		link := s.link
		s.mu.Unlock()

		s.cancel()
		if err := s.capture.Stop(); err != nil {
			s.log.Warn("voice: stop capture", "err", err)
		}
		s.wg.Wait()

		if link != nil {
			if err := link.Close(); err != nil {
				s.log.Warn("voice: close transport", "err", err)
			}
		}
	})
}

// onFrame is the capture consumer. It runs on the device's goroutine and
// never blocks.
func (s *session) onFrame(f audio.Frame) {
	level := audio.RMS(f.Samples)
	if rec := s.ctrl.rec; rec != nil {
		rec.RecordCaptureFrame(s.ctx, level)
	}

	if s.ctrl.onLevel != nil {
		// Latest wins: replace a reading the level goroutine has not taken.
		select {
		case <-s.levels:
		default:
		}
		select {
		case s.levels <- level:
		default:
		}
	}

	select {
	case s.frames <- f:
	default:
		s.record(uplinkDropped)
		if n := s.drops.Add(1); n == 1 || n%50 == 0 {
			s.log.Warn("voice: uplink queue full, dropping frame", "seq", f.Seq, "dropped", n)
		}
	}
}

// sendLoop encodes queued frames and hands them to the transport in capture
// order.
func (s *session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.frames:
			if s.ctx.Err() != nil {
				return
			}
			err := s.link.Send(audio.EncodePCM16(f))
			switch {
			case err == nil:
				s.record(uplinkSent)
			case errors.Is(err, s2s.ErrQueueFull):
				s.record(uplinkDropped)
				if n := s.drops.Add(1); n == 1 || n%50 == 0 {
					s.log.Warn("voice: transport queue full, dropping frame", "seq", f.Seq, "dropped", n)
				}
			case errors.Is(err, s2s.ErrSessionClosed):
				return
			default:
				s.record(uplinkError)
				s.log.Warn("voice: send frame", "seq", f.Seq, "err", err)
			}
		}
	}
}

func (s *session) levelLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case level := <-s.levels:
			s.ctrl.onLevel(level)
		}
	}
}

// pump consumes the transport's events until the stream ends.
func (s *session) pump(events <-chan s2s.Event) {
	defer close(s.pumpDone)
	c := s.ctrl

	for ev := range events {
		switch e := ev.(type) {
		case s2s.Opened:
			c.opened(s)

		case s2s.Message:
			s.play(e.Frame)

		case s2s.Transcript:
			if s.ctx.Err() != nil {
				continue
			}
			if c.onTranscript != nil {
				c.onTranscript(e)
			} else {
				s.log.Debug("voice: transcript", "role", e.Role, "text", e.Text)
			}

		case s2s.Closed:
			s.log.Info("voice: transport closed", "code", e.Code, "reason", e.Reason)
			c.terminate(s, StateClosed, nil)

		case s2s.Failed:
			c.terminate(s, StateError, e)
		}
	}

	// The stream also ends without a terminal event after a local Close. If
	// nothing local ended the session, the transport went away silently.
	if s.ctx.Err() == nil {
		c.terminate(s, StateClosed, nil)
	}
}

// play decodes one inbound payload and schedules it. Undecodable payloads
// are dropped; the session continues.
func (s *session) play(enc audio.EncodedFrame) {
	rec := s.ctrl.rec
	frame, err := audio.DecodePCM16(enc)
	if err != nil {
		if rec != nil {
			rec.RecordInbound(s.ctx, true)
		}
		s.log.Warn("voice: dropping malformed audio", "bytes", len(enc.Data), "err", err)
		return
	}
	if rec != nil {
		rec.RecordInbound(s.ctx, false)
	}
	if s.ctx.Err() != nil {
		return
	}

	item, err := s.player.Schedule(s.ctx, frame)
	switch {
	case err == nil:
		if item.Late {
			s.log.Debug("voice: playback caught up", "seq", item.Seq, "start", item.Start)
		}
	case errors.Is(err, playback.ErrClosed), errors.Is(err, playback.ErrDraining):
		// Teardown raced the frame.
	default:
		s.log.Warn("voice: schedule playback", "seq", frame.Seq, "err", err)
	}
}

func (s *session) record(outcome string) {
	if rec := s.ctrl.rec; rec != nil {
		rec.RecordUplink(s.ctx, outcome)
	}
}
