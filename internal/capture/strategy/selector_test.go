package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/ari/aritest"
	"github.com/sebas/callcapture/internal/capture/registry"
)

type fixture struct {
	fake *aritest.Fake
	reg  *registry.Registry
	sel  *Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := aritest.New()
	reg := registry.New()
	t.Cleanup(reg.Close)
	chain, err := NewChain(ChainConfig{RoomVariables: roomVars, MinDigits: 6}, f)
	require.NoError(t, err)
	cfg := Config{
		App:            "audio-bridge",
		VerifyDelay:    time.Millisecond,
		VerifyAttempts: 3,
		Dial: DialConfig{
			Enabled:         true,
			ConnectTimeout:  50 * time.Millisecond,
			ConnectInterval: time.Millisecond,
		},
	}
	return &fixture{fake: f, reg: reg, sel: New(f, reg, chain, cfg)}
}

func (fx *fixture) enter(t *testing.T, channelID string) string {
	t.Helper()
	fx.fake.AddChannel(ari.Channel{ID: channelID, Name: "SIP/galax-" + channelID, State: ari.StateUp})
	sid, _, err := fx.reg.UpsertChannelSeen(channelID, registry.ChannelMeta{})
	require.NoError(t, err)
	return sid
}

func TestDirectCaptureVerified(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C1")

	facts, err := fx.sel.Inspect(ctx, sid, "C1")
	require.NoError(t, err)
	d := Decide(facts)
	require.Equal(t, KindDirect, d.Kind)

	res, err := fx.sel.Capture(ctx, sid, d)
	require.NoError(t, err)
	assert.Equal(t, "call_C1", res.Handle)
	assert.Equal(t, 1, res.Attempts)

	s, _ := fx.reg.LookupBySessionOrChannel(sid)
	assert.Equal(t, registry.CaptureCapturing, s.State)
	assert.Equal(t, "call_C1", s.Handle)

	again, err := fx.sel.Inspect(ctx, sid, "C1")
	require.NoError(t, err)
	assert.Equal(t, KindSkip, Decide(again).Kind)
}

func TestCaptureRetriedOnceThenSucceeds(t *testing.T) {
	fx := newFixture(t)
	sid := fx.enter(t, "C1")
	fx.fake.FailStarts = 1

	res, err := fx.sel.Capture(context.Background(), sid, Decision{Kind: KindDirect, Target: ari.ChannelTarget("C1")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, fx.fake.Count(aritest.OpStartCapture))
	assert.Equal(t, 1, fx.fake.Count(aritest.OpStopCapture))
}

func TestCaptureFailureIsSurfaced(t *testing.T) {
	fx := newFixture(t)
	sid := fx.enter(t, "C1")
	fx.fake.FailStarts = 5

	_, err := fx.sel.Capture(context.Background(), sid, Decision{Kind: KindDirect, Target: ari.ChannelTarget("C1")})
	require.ErrorIs(t, err, ErrCaptureFailed)
	var cf *CaptureFailedError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, 2, cf.Attempts)
	assert.Equal(t, "not recording", cf.Reason)
	assert.Equal(t, 2, fx.fake.Count(aritest.OpStartCapture))

	s, _ := fx.reg.LookupBySessionOrChannel(sid)
	assert.Equal(t, registry.CaptureFailed, s.State)
	assert.Empty(t, s.Handle)
}

func TestCaptureQueuedThenRecording(t *testing.T) {
	fx := newFixture(t)
	sid := fx.enter(t, "C1")
	fx.fake.StartState = ari.RecordingQueued

	go func() {
		for {
			if _, ok := fx.fake.Recording("call_C1"); ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		time.Sleep(2 * time.Millisecond)
		fx.fake.SetRecordingState("call_C1", ari.RecordingActive)
	}()

	fx.sel.cfg.VerifyAttempts = 200
	res, err := fx.sel.Capture(context.Background(), sid, Decision{Kind: KindDirect, Target: ari.ChannelTarget("C1")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
}

func TestSkipAndDeferDoNothing(t *testing.T) {
	fx := newFixture(t)
	sid := fx.enter(t, "C1")
	for _, k := range []Kind{KindSkip, KindDefer} {
		_, err := fx.sel.Capture(context.Background(), sid, Decision{Kind: k})
		assert.ErrorIs(t, err, ErrNothingToDo)
	}
	assert.Zero(t, fx.fake.Count(aritest.OpStartCapture))
}

func TestTrappedChannelIsDeferredThenTapped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C2")
	fx.fake.AddBridge(ari.Bridge{ID: "B1", BridgeClass: ari.BridgeClassBasic, Channels: []string{"C2", "other"}})

	facts, err := fx.sel.Inspect(ctx, sid, "C2")
	require.NoError(t, err)
	assert.Equal(t, "B1", facts.BridgeID)
	assert.False(t, facts.BridgeOwned)
	assert.Equal(t, KindDefer, Decide(facts).Kind)

	facts.TapNow = true
	d := Decide(facts)
	require.Equal(t, KindTap, d.Kind)

	res, err := fx.sel.Capture(ctx, sid, d)
	require.NoError(t, err)
	require.NotEmpty(t, res.TapID)
	assert.Equal(t, "call_"+res.TapID, res.Handle)

	target, ok := fx.fake.TargetOf(res.Handle)
	require.True(t, ok)
	assert.Equal(t, ari.ChannelTarget(res.TapID), target)

	taps := fx.fake.Calls(aritest.OpCreateTap)
	require.Len(t, taps, 1)
	assert.Equal(t, []string{"C2", "both", "none"}, taps[0].Args)
	assert.Equal(t, "C2", fx.reg.KeyOf(res.TapID))
	assert.Zero(t, fx.fake.Count(aritest.OpHandOff))
}

func TestFailedTapIsHungUpAndDetached(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C2")
	fx.fake.AddBridge(ari.Bridge{ID: "B1", BridgeClass: ari.BridgeClassBasic, Channels: []string{"C2", "other"}})
	fx.fake.FailStarts = 2

	facts, err := fx.sel.Inspect(ctx, sid, "C2")
	require.NoError(t, err)
	facts.TapNow = true
	d := Decide(facts)
	require.Equal(t, KindTap, d.Kind)

	res, err := fx.sel.Capture(ctx, sid, d)
	var cf *CaptureFailedError
	require.ErrorAs(t, err, &cf)
	assert.Empty(t, res.TapID)

	hangups := fx.fake.Calls(aritest.OpHangup)
	require.Len(t, hangups, 1)
	assert.NotEqual(t, "C2", hangups[0].Args[0])
	assert.Equal(t, []string{"C2"}, fx.fake.ChannelIDs())

	s, ok := fx.reg.LookupBySessionOrChannel(sid)
	require.True(t, ok)
	assert.Empty(t, s.TapID)
	_, ok = fx.reg.LookupBySessionOrChannel(hangups[0].Args[0])
	assert.False(t, ok, "the discarded tap is no longer tracked")
}

func TestOwnedBridgeCapture(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C1")

	carrier, err := fx.sel.OriginateCarrier(ctx, sid, "917786523395", "")
	require.NoError(t, err)
	require.NoError(t, fx.sel.WaitConnected(ctx, carrier))

	bridgeID, err := fx.sel.BridgeLegs(ctx, sid, "C1", carrier)
	require.NoError(t, err)

	facts, err := fx.sel.Inspect(ctx, sid, "C1")
	require.NoError(t, err)
	d := Decide(facts)
	require.Equal(t, KindOwnedBridge, d.Kind)

	res, err := fx.sel.Capture(ctx, sid, d)
	require.NoError(t, err)
	assert.Equal(t, "recording_"+sid, res.Handle)
	assert.Equal(t, ari.BridgeTarget(bridgeID), res.Target)

	orig := fx.fake.Calls(aritest.OpOriginate)
	require.Len(t, orig, 1)
	assert.Equal(t, "SIP/17786523395@galax", orig[0].Args[0])
}

func TestOriginateCarrierOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C1")

	_, err := fx.sel.OriginateCarrier(ctx, sid, "5551234", "")
	require.NoError(t, err)
	_, err = fx.sel.OriginateCarrier(ctx, sid, "5551234", "")
	assert.ErrorIs(t, err, ErrLegInFlight)
	assert.Equal(t, 1, fx.fake.Count(aritest.OpOriginate))
}

func TestOriginateDisabled(t *testing.T) {
	fx := newFixture(t)
	fx.sel.cfg.Dial.Enabled = false
	sid := fx.enter(t, "C1")

	_, err := fx.sel.OriginateCarrier(context.Background(), sid, "5551234", "")
	assert.ErrorIs(t, err, ErrDialDisabled)
	assert.Zero(t, fx.fake.Count(aritest.OpOriginate))
}

func TestWaitConnectedTimesOut(t *testing.T) {
	fx := newFixture(t)
	fx.fake.AddChannel(ari.Channel{ID: "ring", State: ari.StateRinging})

	err := fx.sel.WaitConnected(context.Background(), "ring")
	assert.Error(t, err)

	fx.fake.RemoveChannel("ring")
	err = fx.sel.WaitConnected(context.Background(), "ring")
	assert.True(t, ari.IsIrrecoverable(err))
}

func TestCaptureThenHandOffOrdering(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C1")

	out, err := fx.sel.CaptureThenHandOff(ctx, sid, "C1", Room{Number: "8600051", Source: ExtractorVariable})
	require.NoError(t, err)
	require.NoError(t, out.CaptureErr)
	assert.False(t, out.Capture.StartedAt.After(out.HandedOffAt))

	starts := fx.fake.Calls(aritest.OpStartCapture)
	handoffs := fx.fake.Calls(aritest.OpHandOff)
	require.Len(t, starts, 1)
	require.Len(t, handoffs, 1)
	assert.Less(t, starts[0].Seq, handoffs[0].Seq)
	assert.Equal(t, []string{"C1", "8600051"}, handoffs[0].Args)

	s, _ := fx.reg.LookupBySessionOrChannel(sid)
	assert.Equal(t, "8600051", s.Room)
	assert.Equal(t, registry.CaptureCapturing, s.State)
}

func TestHandOffProceedsWhenCaptureFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C1")
	fx.fake.FailStarts = 2

	out, err := fx.sel.CaptureThenHandOff(ctx, sid, "C1", Room{Number: "8600051"})
	require.NoError(t, err)
	require.NoError(t, out.CaptureErr)
	assert.Equal(t, KindTap, out.Capture.Kind)
	assert.Equal(t, 1, fx.fake.Count(aritest.OpHandOff))
	assert.Equal(t, 1, fx.fake.Count(aritest.OpCreateTap))
}

func TestHandOffTapRetryFailureHangsUpTap(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C1")
	fx.fake.FailStarts = 4

	out, err := fx.sel.CaptureThenHandOff(ctx, sid, "C1", Room{Number: "8600051"})
	require.NoError(t, err)
	require.Error(t, out.CaptureErr)
	assert.Equal(t, 1, fx.fake.Count(aritest.OpHandOff))
	assert.Equal(t, 1, fx.fake.Count(aritest.OpCreateTap))
	assert.Equal(t, 1, fx.fake.Count(aritest.OpHangup))
	assert.Equal(t, []string{"C1"}, fx.fake.ChannelIDs())
}

func TestHandOffConflictIsSuccess(t *testing.T) {
	fx := newFixture(t)
	sid := fx.enter(t, "C1")
	fx.fake.HandOffErr = &ari.ConflictError{Op: "continue", Resource: "C1"}

	_, err := fx.sel.HandOff(context.Background(), sid, "C1", Room{Number: "8600051"})
	require.NoError(t, err)
	info, _ := fx.reg.Channel("C1")
	assert.False(t, info.InApp)
}

func TestHandOffRetriesTransientFailure(t *testing.T) {
	fx := newFixture(t)
	sid := fx.enter(t, "C1")
	fx.fake.HandOffErr = &ari.TransientTransportError{Op: "continue", Err: context.DeadlineExceeded}

	_, err := fx.sel.HandOff(context.Background(), sid, "C1", Room{Number: "8600051"})
	require.Error(t, err)
	assert.True(t, ari.IsTransient(err))
	assert.Equal(t, 3, fx.fake.Count(aritest.OpHandOff))
}

func TestHandOffDoesNotRetryMissingChannel(t *testing.T) {
	fx := newFixture(t)
	sid := fx.enter(t, "C1")
	fx.fake.HandOffErr = &ari.IrrecoverableChannelError{ChannelID: "C1"}

	_, err := fx.sel.HandOff(context.Background(), sid, "C1", Room{Number: "8600051"})
	require.Error(t, err)
	assert.Equal(t, 1, fx.fake.Count(aritest.OpHandOff))
}

func TestStopIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := fx.enter(t, "C1")
	_, err := fx.sel.Capture(ctx, sid, Decision{Kind: KindDirect, Target: ari.ChannelTarget("C1")})
	require.NoError(t, err)

	handle, err := fx.sel.Stop(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "call_C1", handle)

	handle, err = fx.sel.Stop(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, handle)
	assert.Equal(t, 1, fx.fake.Count(aritest.OpStopCapture))
}

func TestEndpointFor(t *testing.T) {
	assert.Equal(t, "SIP/17786523395@galax", EndpointFor("SIP/{number}@galax", "9", "917786523395"))
	assert.Equal(t, "SIP/5551234@galax", EndpointFor("SIP/{number}@galax", "9", "5551234"))
	assert.Equal(t, "SIP/9@galax", EndpointFor("SIP/{number}@galax", "9", "9"))

	sid, ok := CarrierSessionFromArgs([]string{CarrierArg, "s1"})
	assert.True(t, ok)
	assert.Equal(t, "s1", sid)
	_, ok = CarrierSessionFromArgs([]string{"V123"})
	assert.False(t, ok)
}
