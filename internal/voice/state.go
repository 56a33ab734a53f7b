package voice

// State is the lifecycle position of a [Controller].
type State int32

const (
	// StateIdle is the state of a controller that has never connected.
	StateIdle State = iota

	// StateConnecting covers acquisition of the microphone and the transport
	// and lasts until the remote end reports it is ready.
	StateConnecting

	// StateConnected means audio flows in both directions.
	StateConnected

	// StateClosed is reached by Disconnect or when the remote end closes the
	// session.
	StateClosed

	// StateError is reached when acquisition fails or the transport reports
	// an error.
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a session is being established or is live.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Status is the connection status shown to the user.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Status maps the state to the status reported to the presentation layer.
func (s State) Status() Status {
	switch s {
	case StateConnecting:
		return StatusConnecting
	case StateConnected:
		return StatusConnected
	case StateClosed:
		return StatusDisconnected
	case StateError:
		return StatusError
	default:
		return StatusInitializing
	}
}

// StatusUpdate is delivered to the status handler on every transition.
type StatusUpdate struct {
	Status    Status
	State     State
	SessionID string

	// Err is the cause of a transition to [StateError], nil otherwise.
	Err error
}

// VisualScale maps an RMS level to the scale factor of a pulsing level
// indicator: 1 at silence, growing six times as fast as the level and capped
// at 2.5.
func VisualScale(level float64) float64 {
	return 1 + min(level*6, 1.5)
}
