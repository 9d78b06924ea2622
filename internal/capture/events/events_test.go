package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callcapture/internal/capture/ari"
)

func TestParseStasisStart(t *testing.T) {
	raw := []byte(`{
		"type": "StasisStart",
		"application": "audio-bridge",
		"timestamp": "2024-03-01T10:11:12.345+0000",
		"args": ["", "V3011012340000123456"],
		"channel": {"id": "1709287872.42", "name": "Local/8600051@default-00000012;2", "state": "Up",
			"dialplan": {"context": "default", "exten": "8600051", "priority": 1}}
	}`)

	ev, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, KindStasisStart, ev.Kind())

	start := ev.(StasisStart)
	assert.Equal(t, "audio-bridge", start.App())
	assert.Equal(t, "1709287872.42", start.Channel.ID)
	assert.Equal(t, "8600051", start.Channel.Dialplan.Exten)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 11, 12, 345_000_000, time.UTC), start.At().UTC())
	assert.Equal(t, "V3011012340000123456", CallIDFromArgs(start.Args, start.Channel))
	assert.Equal(t, "1709287872.42", Key(ev))
}

func TestParseBridgeEvents(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind Kind
		key  string
	}{
		{
			name: "entered",
			raw:  `{"type":"ChannelEnteredBridge","bridge":{"id":"b1","bridge_class":"basic","channels":["c2"]},"channel":{"id":"c2"}}`,
			kind: KindChannelEnteredBridge,
			key:  "c2",
		},
		{
			name: "joined alias",
			raw:  `{"type":"ChannelJoinedBridge","bridge":{"id":"b1"},"channel":{"id":"c2"}}`,
			kind: KindChannelEnteredBridge,
			key:  "c2",
		},
		{
			name: "left",
			raw:  `{"type":"ChannelLeftBridge","bridge":{"id":"b1"},"channel":{"id":"c2"}}`,
			kind: KindChannelLeftBridge,
			key:  "c2",
		},
		{
			name: "destroyed",
			raw:  `{"type":"BridgeDestroyed","bridge":{"id":"b1"}}`,
			kind: KindBridgeDestroyed,
			key:  "b1",
		},
		{
			name: "recording finished",
			raw:  `{"type":"RecordingFinished","recording":{"name":"call_c1","state":"done","target_uri":"channel:c1"}}`,
			kind: KindRecordingFinished,
			key:  "call_c1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind())
			assert.Equal(t, tt.key, Key(ev))
		})
	}
}

func TestParseUnknownIsNotAnError(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"ChannelDtmfReceived","digit":"5","channel":{"id":"c1"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ev.Kind())
	assert.Equal(t, "Unknown", ev.Kind().String())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte(`{"application":"x"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte(`{"type":"StasisStart"}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Parse([]byte(`{"type":"ChannelLeftBridge","channel":{"id":"c1"}}`))
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestCallIDFromArgs(t *testing.T) {
	ch := ari.Channel{ID: "1.1", Name: "SIP/galax-01"}

	assert.Equal(t, "second", CallIDFromArgs([]string{"first", "second"}, ch))
	assert.Equal(t, "first", CallIDFromArgs([]string{"first", " "}, ch))
	assert.Equal(t, "SIP/galax-01", CallIDFromArgs(nil, ch))
	assert.Equal(t, "1.1", CallIDFromArgs(nil, ari.Channel{ID: "1.1"}))
}

func TestRecordingTarget(t *testing.T) {
	target, ok := RecordingTarget(ari.LiveRecording{TargetURI: "bridge:b9"})
	require.True(t, ok)
	assert.Equal(t, ari.BridgeTarget("b9"), target)

	_, ok = RecordingTarget(ari.LiveRecording{TargetURI: "endpoint:x"})
	assert.False(t, ok)
}

func TestChannelPublisherDropsWhenFull(t *testing.T) {
	p := NewChannelPublisher(1)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, NewSessionActive("s1", "c1")))
	require.NoError(t, p.Publish(ctx, NewSessionEnded("s1", "c1")))
	p.PublishAsync(NewCaptureFailed("s1", "c1", "verify"))

	assert.Equal(t, int64(2), p.DroppedCount())
	n := <-p.Notifications()
	assert.Equal(t, SessionActive, n.Type)
	assert.NotEmpty(t, n.ID)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.NoError(t, p.Publish(ctx, NewSessionActive("s2", "c2")))
}

func TestMultiPublisherFansOut(t *testing.T) {
	a := NewChannelPublisher(4)
	b := NewChannelPublisher(4)
	m := NewMultiPublisher(a, NewNoopPublisher(), NewLoggingPublisher(nil), b)

	require.NoError(t, m.Publish(context.Background(), NewCaptureFailed("s1", "c1", "not recording")))
	require.NoError(t, m.Flush(context.Background()))

	na := <-a.Notifications()
	nb := <-b.Notifications()
	assert.Equal(t, na.ID, nb.ID)
	assert.Equal(t, "not recording", nb.Reason)
	require.NoError(t, m.Close())
}
