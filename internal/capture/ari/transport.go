package ari

import "context"

// Transport is the controller command API consumed by the orchestrator.
// All methods are bounded by the implementation's request timeout.
type Transport interface {
	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	GetBridge(ctx context.Context, bridgeID string) (*Bridge, error)
	ListBridges(ctx context.Context) ([]Bridge, error)
	// ChannelBridge returns the bridge holding channelID, or "" when it is in none.
	ChannelBridge(ctx context.Context, channelID string) (string, error)

	GetVariable(ctx context.Context, channelID, name string) (string, error)
	SetVariable(ctx context.Context, channelID, name, value string) error

	StartCapture(ctx context.Context, target Target, name string) error
	// StopCapture succeeds when the capture is already stopped or unknown.
	StopCapture(ctx context.Context, name string) error
	CaptureState(ctx context.Context, name string) (*LiveRecording, error)
	// CaptureSnapshot returns all audio captured so far.
	CaptureSnapshot(ctx context.Context, name string) ([]byte, error)

	CreateTap(ctx context.Context, channelID string, spec TapSpec) (string, error)
	// MoveToApplication hands a channel off to a dialplan destination.
	MoveToApplication(ctx context.Context, channelID string, dest Destination) error

	CreateBridge(ctx context.Context, kind string) (*Bridge, error)
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	RemoveFromBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error

	Originate(ctx context.Context, req OriginateRequest) (string, error)
	Hangup(ctx context.Context, channelID string) error
}

// EventHandler receives raw event frames from the feed.
type EventHandler func(raw []byte)

// EventSource delivers the controller's live event stream.
type EventSource interface {
	// Run blocks, delivering frames to handler until ctx is cancelled.
	Run(ctx context.Context, handler EventHandler) error
}
