package s2s

import (
	"fmt"

	"github.com/MrWong99/chati/pkg/audio"
)

// Event is a value delivered on [SessionHandle.Events]. The concrete type is
// one of [Opened], [Message], [Transcript], [Closed] or [Failed]; the set is
// sealed so that a type switch over it is exhaustive.
type Event interface {
	isEvent()
}

// Opened signals that the remote end accepted the session setup and is ready
// to receive audio.
type Opened struct{}

// Message carries one inbound audio payload, the first audio part of a model
// turn.
type Message struct {
	Frame audio.EncodedFrame
}

// Transcript carries text produced alongside audio, such as a model turn's
// text part or the service's transcription of either side.
type Transcript struct {
	// Role is "user" or "model".
	Role string
	Text string
}

// Closed is the terminal event for a session ended by the remote end.
type Closed struct {
	// Code is the WebSocket close status, or -1 if the connection dropped
	// without a close frame.
	Code   int
	Reason string
}

// Failed is the terminal event for a session that ended with an error.
type Failed struct {
	Err error
}

func (Opened) isEvent()     {}
func (Message) isEvent()    {}
func (Transcript) isEvent() {}
func (Closed) isEvent()     {}
func (Failed) isEvent()     {}

// Terminal reports whether ev ends the event stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Closed, Failed:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (c Closed) String() string {
	return fmt.Sprintf("closed (%d): %s", c.Code, c.Reason)
}

// Error implements the error interface so a Failed event can be returned or
// wrapped directly.
func (f Failed) Error() string {
	if f.Err == nil {
		return "s2s: session failed"
	}
	return f.Err.Error()
}

// Unwrap returns the underlying cause.
func (f Failed) Unwrap() error { return f.Err }
