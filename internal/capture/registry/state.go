package registry

import "fmt"

// CaptureState is where a session stands with respect to capture.
type CaptureState int

const (
	// CaptureNone: session known, no capture decided yet.
	CaptureNone CaptureState = iota
	// CapturePending: waiting for a leg to connect before capturing.
	CapturePending
	// CaptureStarting: a capture was requested and is being verified.
	CaptureStarting
	// CaptureCapturing: verified recording.
	CaptureCapturing
	// CaptureTrapped: a leg is held in an externally owned bridge.
	CaptureTrapped
	// CaptureHandedOff: the channel moved to its destination.
	CaptureHandedOff
	// CaptureFailed: capture could not be established.
	CaptureFailed
	// CaptureStopped: capture ended.
	CaptureStopped
)

var captureStateNames = map[CaptureState]string{
	CaptureNone:      "none",
	CapturePending:   "pending",
	CaptureStarting:  "starting",
	CaptureCapturing: "capturing",
	CaptureTrapped:   "trapped",
	CaptureHandedOff: "handed_off",
	CaptureFailed:    "failed",
	CaptureStopped:   "stopped",
}

func (s CaptureState) String() string {
	if name, ok := captureStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s CaptureState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransitions lists the allowed next states. A hand-off can happen
// before capture is attached, in which case capture is retried on the
// resulting leg; stopped sessions may start a fresh capture.
var validTransitions = map[CaptureState][]CaptureState{
	CaptureNone:      {CapturePending, CaptureStarting, CaptureTrapped, CaptureHandedOff, CaptureFailed, CaptureStopped},
	CapturePending:   {CaptureStarting, CaptureTrapped, CaptureHandedOff, CaptureFailed, CaptureStopped},
	CaptureStarting:  {CaptureCapturing, CaptureTrapped, CaptureFailed, CaptureStopped},
	CaptureCapturing: {CaptureHandedOff, CaptureFailed, CaptureStopped},
	CaptureTrapped:   {CaptureStarting, CapturePending, CaptureHandedOff, CaptureFailed, CaptureStopped},
	CaptureHandedOff: {CaptureStarting, CaptureCapturing, CaptureFailed, CaptureStopped},
	CaptureFailed:    {CaptureStarting, CaptureTrapped, CaptureHandedOff, CaptureStopped},
	CaptureStopped:   {CaptureStarting},
}

// CanTransitionTo reports whether next is allowed from s. Staying in
// the same state is always allowed.
func (s CaptureState) CanTransitionTo(next CaptureState) bool {
	if s == next {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HasCapture reports whether a capture handle is expected to be live.
func (s CaptureState) HasCapture() bool {
	return s == CaptureStarting || s == CaptureCapturing
}

// Role is a channel's part in its session.
type Role int

const (
	RolePrimary Role = iota
	RolePeer
	RoleTap
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RolePeer:
		return "peer"
	case RoleTap:
		return "tap"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Bridging is a channel's current bridge situation.
type Bridging int

const (
	BridgingNone Bridging = iota
	BridgingExternal
	BridgingOwned
)

func (b Bridging) String() string {
	switch b {
	case BridgingNone:
		return "none"
	case BridgingExternal:
		return "external"
	case BridgingOwned:
		return "owned"
	default:
		return fmt.Sprintf("Unknown(%d)", int(b))
	}
}

func (b Bridging) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}
