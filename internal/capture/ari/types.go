package ari

import (
	"fmt"
	"strings"
	"time"
)

// Channel states reported by the controller.
const (
	StateDown    = "Down"
	StateRing    = "Ring"
	StateRinging = "Ringing"
	StateUp      = "Up"
)

// Bridge classes. Dial() creates "basic" bridges the application does not own.
const (
	BridgeClassBasic  = "basic"
	BridgeClassStasis = "stasis"
)

// CallerID is a name/number pair.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Dialplan is the channel's current dialplan location.
type Dialplan struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int    `json:"priority"`
	AppName  string `json:"app_name,omitempty"`
	AppData  string `json:"app_data,omitempty"`
}

// Channel is a transport-layer call leg as reported by the controller.
type Channel struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Caller       CallerID `json:"caller"`
	Connected    CallerID `json:"connected"`
	Dialplan     Dialplan `json:"dialplan"`
	CreationTime string   `json:"creationtime,omitempty"`
	Language     string   `json:"language,omitempty"`
}

// IsUp reports whether the channel is answered.
func (c *Channel) IsUp() bool {
	return c != nil && c.State == StateUp
}

// IsTap reports whether the channel is a snoop channel created for capture.
func (c *Channel) IsTap() bool {
	return c != nil && strings.HasPrefix(c.Name, "Snoop/")
}

// Bridge is a mixing construct holding channels.
type Bridge struct {
	ID          string   `json:"id"`
	Technology  string   `json:"technology"`
	BridgeType  string   `json:"bridge_type"`
	BridgeClass string   `json:"bridge_class"`
	Creator     string   `json:"creator"`
	Name        string   `json:"name"`
	Channels    []string `json:"channels"`
}

// Contains reports whether channelID is a member of the bridge.
func (b *Bridge) Contains(channelID string) bool {
	if b == nil {
		return false
	}
	for _, id := range b.Channels {
		if id == channelID {
			return true
		}
	}
	return false
}

// RecordingState is the lifecycle state of a live recording.
type RecordingState string

const (
	RecordingQueued    RecordingState = "queued"
	RecordingActive    RecordingState = "recording"
	RecordingPaused    RecordingState = "paused"
	RecordingDone      RecordingState = "done"
	RecordingFailed    RecordingState = "failed"
	RecordingCancelled RecordingState = "canceled"
)

// IsTerminal reports whether no more audio will be produced.
func (s RecordingState) IsTerminal() bool {
	switch s {
	case RecordingDone, RecordingFailed, RecordingCancelled:
		return true
	}
	return false
}

// LiveRecording is the controller's view of an in-progress capture.
type LiveRecording struct {
	Name      string         `json:"name"`
	Format    string         `json:"format"`
	State     RecordingState `json:"state"`
	TargetURI string         `json:"target_uri"`
	Cause     string         `json:"cause,omitempty"`
	Duration  int            `json:"duration,omitempty"`
}

// TargetKind selects what a capture is attached to.
type TargetKind int

const (
	TargetChannel TargetKind = iota
	TargetBridge
)

func (k TargetKind) String() string {
	switch k {
	case TargetChannel:
		return "channel"
	case TargetBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Target identifies the channel or bridge a capture records.
type Target struct {
	Kind TargetKind
	ID   string
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.ID)
}

// ChannelTarget returns a capture target for a channel.
func ChannelTarget(id string) Target { return Target{Kind: TargetChannel, ID: id} }

// BridgeTarget returns a capture target for a bridge.
func BridgeTarget(id string) Target { return Target{Kind: TargetBridge, ID: id} }

// CaptureOptions are the record parameters sent with every capture start.
type CaptureOptions struct {
	Format      string
	IfExists    string
	TerminateOn string
	Beep        bool
}

// DefaultCaptureOptions returns open-ended wav recording that overwrites
// a stale file of the same name.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{Format: "wav", IfExists: "overwrite", TerminateOn: "#"}
}

// TapSpec describes the audio directions a tap mirrors.
type TapSpec struct {
	// Spy is the direction the tap hears: none, in, out, both.
	Spy string
	// Whisper is the direction the tapped channel hears from the tap.
	Whisper string
	App     string
	AppArgs string
}

// Destination describes a hand-off target inside the dialplan.
type Destination struct {
	// Room is used as the dialplan extension.
	Room string
	// Contexts are tried in order; the channel's own context is tried second.
	Contexts []string
}

// OriginateRequest describes a new outbound leg.
type OriginateRequest struct {
	Endpoint  string
	App       string
	AppArgs   string
	CallerID  string
	ChannelID string
	Timeout   time.Duration
}
