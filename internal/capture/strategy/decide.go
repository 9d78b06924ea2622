package strategy

import "github.com/sebas/callcapture/internal/capture/ari"

// Kind is the capture strategy chosen for a channel.
type Kind int

const (
	// KindSkip: nothing to do (already capturing, or the channel is gone).
	KindSkip Kind = iota
	// KindDirect: record the channel itself.
	KindDirect
	// KindOwnedBridge: record the mixing bridge holding both legs.
	KindOwnedBridge
	// KindTap: mirror the channel through a snoop channel and record that.
	KindTap
	// KindDefer: the channel is trapped; create a pending capture ticket.
	KindDefer
)

var kindNames = map[Kind]string{
	KindSkip:        "skip",
	KindDirect:      "direct",
	KindOwnedBridge: "owned_bridge",
	KindTap:         "tap",
	KindDefer:       "defer",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Facts is everything Decide looks at. It is gathered by
// Selector.Inspect or assembled by the caller.
type Facts struct {
	SessionID string
	ChannelID string
	// Exists is false once the controller no longer knows the channel.
	Exists bool
	// InApplication means the channel is under this application's
	// control, so it can be recorded directly.
	InApplication bool
	// BridgeID is the bridge currently holding the channel, if any.
	BridgeID    string
	BridgeOwned bool
	// BothLegsBridged means the owned bridge holds primary and peer.
	BothLegsBridged bool
	// HasCapture means the session already holds a capture handle.
	HasCapture bool
	// TapNow allows tapping a channel that is still trapped in an
	// external bridge. The sweeper sets it.
	TapNow bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Kind   Kind
	Target ari.Target
	Reason string
}

// Decide picks exactly one strategy. Direct capture is never chosen for
// a channel in an externally owned bridge, and a tap only when direct
// and owned-bridge capture do not apply.
func Decide(f Facts) Decision {
	switch {
	case !f.Exists:
		return Decision{Kind: KindSkip, Reason: "channel gone"}
	case f.HasCapture:
		return Decision{Kind: KindSkip, Reason: "capture already active"}
	}

	if f.BridgeID != "" && f.BridgeOwned {
		if f.BothLegsBridged {
			return Decision{Kind: KindOwnedBridge, Target: ari.BridgeTarget(f.BridgeID), Reason: "both legs in owned bridge"}
		}
		if f.InApplication {
			return Decision{Kind: KindDirect, Target: ari.ChannelTarget(f.ChannelID), Reason: "owned bridge, peer not joined"}
		}
	}

	if f.BridgeID != "" && !f.BridgeOwned {
		if f.TapNow {
			return Decision{Kind: KindTap, Target: ari.ChannelTarget(f.ChannelID), Reason: "trapped in external bridge"}
		}
		return Decision{Kind: KindDefer, Reason: "trapped in external bridge"}
	}

	if f.InApplication {
		return Decision{Kind: KindDirect, Target: ari.ChannelTarget(f.ChannelID), Reason: "channel free"}
	}
	return Decision{Kind: KindTap, Target: ari.ChannelTarget(f.ChannelID), Reason: "channel outside application"}
}
