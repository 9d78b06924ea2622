package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sebas/callcapture/internal/capture/ari"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		facts  Facts
		want   Kind
		target ari.Target
	}{
		{
			name:  "gone",
			facts: Facts{ChannelID: "c1"},
			want:  KindSkip,
		},
		{
			name:  "already capturing",
			facts: Facts{ChannelID: "c1", Exists: true, InApplication: true, HasCapture: true},
			want:  KindSkip,
		},
		{
			name:   "free in application",
			facts:  Facts{ChannelID: "c1", Exists: true, InApplication: true},
			want:   KindDirect,
			target: ari.ChannelTarget("c1"),
		},
		{
			name:   "both legs in owned bridge",
			facts:  Facts{ChannelID: "c1", Exists: true, InApplication: true, BridgeID: "owned-1", BridgeOwned: true, BothLegsBridged: true},
			want:   KindOwnedBridge,
			target: ari.BridgeTarget("owned-1"),
		},
		{
			name:   "owned bridge waiting for peer",
			facts:  Facts{ChannelID: "c1", Exists: true, InApplication: true, BridgeID: "owned-1", BridgeOwned: true},
			want:   KindDirect,
			target: ari.ChannelTarget("c1"),
		},
		{
			name:  "trapped in external bridge",
			facts: Facts{ChannelID: "c2", Exists: true, InApplication: true, BridgeID: "B1"},
			want:  KindDefer,
		},
		{
			name:   "trapped and tap allowed",
			facts:  Facts{ChannelID: "c2", Exists: true, BridgeID: "B1", TapNow: true},
			want:   KindTap,
			target: ari.ChannelTarget("c2"),
		},
		{
			name:   "free outside application",
			facts:  Facts{ChannelID: "c2", Exists: true},
			want:   KindTap,
			target: ari.ChannelTarget("c2"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.facts)
			assert.Equal(t, tt.want, d.Kind, d.Reason)
			assert.Equal(t, tt.target, d.Target)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideNeverDirectInExternalBridge(t *testing.T) {
	for _, inApp := range []bool{true, false} {
		for _, tapNow := range []bool{true, false} {
			d := Decide(Facts{ChannelID: "c", Exists: true, InApplication: inApp, BridgeID: "B", TapNow: tapNow})
			assert.NotEqual(t, KindDirect, d.Kind)
			assert.NotEqual(t, KindOwnedBridge, d.Kind)
		}
	}
}

func TestHandleName(t *testing.T) {
	assert.Equal(t, "call_c1", HandleName(KindDirect, "s1", "c1"))
	assert.Equal(t, "call_tap-1", HandleName(KindTap, "s1", "tap-1"))
	assert.Equal(t, "recording_s1", HandleName(KindOwnedBridge, "s1", "c1"))
	assert.Equal(t, "tap", KindTap.String())
}
