package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/events"
	"github.com/sebas/callcapture/internal/capture/lifecycle"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/store"
	"github.com/sebas/callcapture/internal/capture/strategy"
)

// Channel variables consulted at entry.
const (
	varDialStatus = "DIALSTATUS"
	varBridgePeer = "BRIDGEPEER"
	dialAnswered  = "ANSWER"
)

func (o *Orchestrator) onStasisStart(ctx context.Context, e events.StasisStart) {
	ch := e.Channel

	if sessionID, ok := strategy.CarrierSessionFromArgs(e.Args); ok {
		o.onOriginatedEntered(ctx, sessionID, ch)
		return
	}
	if info, ok := o.reg.Channel(ch.ID); ok && info.Role == registry.RolePeer {
		o.reg.SetInApp(ch.ID, true)
		slog.Debug("[Orchestrator] Peer leg entered", "channel_id", ch.ID, "session_id", info.SessionID)
		return
	}
	if o.isCarrier(ch.Name) {
		o.onCarrierEntered(ctx, ch, e.Args)
		return
	}
	o.onChannelEntered(ctx, ch, e.Args)
}

// onOriginatedEntered handles the carrier leg this service placed. It
// was bound to its session before the originate request went out.
func (o *Orchestrator) onOriginatedEntered(ctx context.Context, sessionID string, ch ari.Channel) {
	_, unlock := o.reg.LockSession(sessionID)
	defer unlock()

	s, ok := o.reg.LookupBySessionOrChannel(sessionID)
	if !ok {
		slog.Warn("[Orchestrator] Originated leg for unknown session, hanging up",
			"session_id", sessionID,
			"channel_id", ch.ID,
		)
		if err := o.transport.Hangup(ctx, ch.ID); err != nil && !ari.IsIrrecoverable(err) {
			slog.Debug("[Orchestrator] Hangup failed", "channel_id", ch.ID, "error", err)
		}
		return
	}
	if s.PeerChannelID != ch.ID {
		if err := o.reg.BindPeer(s.ID, ch.ID); err != nil {
			slog.Warn("[Orchestrator] Originated leg not bound", "session_id", s.ID, "channel_id", ch.ID, "error", err)
			return
		}
	}
	o.reg.SetInApp(ch.ID, true)
	o.fire(ctx, ch.ID, lifecycle.EventEnter)

	// Without a room the originating handler bridges the legs itself.
	if s.Room == "" {
		return
	}
	o.attach(ctx, s.ID, ch.ID, strategy.Room{Number: s.Room, Source: "session"})
}

// onCarrierEntered handles a carrier leg the dialplan placed. It joins
// the newest Local origin still waiting for its carrier, or becomes a
// session of its own.
func (o *Orchestrator) onCarrierEntered(ctx context.Context, ch ari.Channel, args []string) {
	if _, tracked := o.reg.Channel(ch.ID); !tracked && o.pairWithOrigin(ctx, ch) {
		return
	}

	_, unlock := o.reg.LockSession(ch.ID)
	defer unlock()

	sessionID, ok := o.admit(ctx, ch, args, true)
	if !ok {
		return
	}
	room, err := o.resolveRoom(ctx, sessionID, &ch)
	if err != nil {
		room = strategy.Room{}
	}
	o.attach(ctx, sessionID, ch.ID, room)
}

func (o *Orchestrator) pairWithOrigin(ctx context.Context, ch ari.Channel) bool {
	origin, ok := o.unpairedOrigin()
	if !ok {
		return false
	}

	_, unlock := o.reg.LockSession(origin.ID)
	defer unlock()

	if err := o.reg.BindPeer(origin.ID, ch.ID); err != nil {
		slog.Debug("[Orchestrator] Carrier not paired", "session_id", origin.ID, "channel_id", ch.ID, "error", err)
		return false
	}
	current, ok := o.reg.LookupBySessionOrChannel(origin.ID)
	if !ok {
		return false
	}
	o.reg.SetInApp(ch.ID, true)
	o.fire(ctx, ch.ID, lifecycle.EventEnter)

	slog.Info("[Orchestrator] Carrier leg paired with origin",
		"session_id", origin.ID,
		"channel_id", ch.ID,
		"origin_channel_id", origin.ChannelID,
		"room", current.Room,
	)
	o.attach(ctx, origin.ID, ch.ID, strategy.Room{Number: current.Room, Source: "origin"})
	return true
}

func (o *Orchestrator) unpairedOrigin() (registry.Session, bool) {
	sessions := o.reg.List()
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		if s.Room != "" && s.PeerChannelID == "" && !s.LegInFlight && o.isLocal(s.ChannelName) {
			return s, true
		}
	}
	return registry.Session{}, false
}

func (o *Orchestrator) onChannelEntered(ctx context.Context, ch ari.Channel, args []string) {
	_, unlock := o.reg.LockSession(ch.ID)
	defer unlock()

	sessionID, ok := o.admit(ctx, ch, args, true)
	if !ok {
		return
	}

	if status, _ := o.transport.GetVariable(ctx, ch.ID, varDialStatus); status == dialAnswered {
		o.adoptDialedCarrier(ctx, sessionID, ch)
		return
	}

	room, err := o.resolveRoom(ctx, sessionID, &ch)
	haveRoom := err == nil
	if !haveRoom {
		room = strategy.Room{}
	}

	switch {
	case ch.Dialplan.Exten != "" && o.isLocal(ch.Name):
		// The dialplan behind a Local channel places the carrier itself.
		o.attach(ctx, sessionID, ch.ID, room)
	case ch.Dialplan.Exten != "":
		o.dialOut(ctx, sessionID, ch, room, haveRoom)
	default:
		o.attach(ctx, sessionID, ch.ID, room)
	}
}

// dialOut places the single carrier leg for a channel that entered with
// a number to reach. With a room the primary is captured and handed off
// first and the carrier follows it on entry; without one both legs are
// joined in an owned bridge and the bridge is captured.
func (o *Orchestrator) dialOut(ctx context.Context, sessionID string, ch ari.Channel, room strategy.Room, haveRoom bool) {
	if haveRoom {
		if err := o.transport.SetVariable(ctx, ch.ID, varDialStatus, dialAnswered); err != nil {
			slog.Debug("[Orchestrator] Dial status not set", "channel_id", ch.ID, "error", err)
		}
		o.attach(ctx, sessionID, ch.ID, room)
		_, _ = o.originate(ctx, sessionID, ch)
		return
	}

	peerID, err := o.originate(ctx, sessionID, ch)
	if err != nil {
		if errors.Is(err, strategy.ErrLegInFlight) {
			return
		}
		o.attach(ctx, sessionID, ch.ID, strategy.Room{})
		return
	}
	if err := o.reg.SetCaptureState(sessionID, registry.CapturePending); err != nil {
		slog.Debug("[Orchestrator] Pending state not set", "session_id", sessionID, "error", err)
	}

	if err := o.selector.WaitConnected(ctx, peerID); err != nil {
		slog.Warn("[Orchestrator] Carrier leg did not connect, capturing origin alone",
			"session_id", sessionID,
			"peer_channel_id", peerID,
			"error", err,
		)
		o.attach(ctx, sessionID, ch.ID, strategy.Room{})
		return
	}

	bridgeID, err := o.selector.BridgeLegs(ctx, sessionID, ch.ID, peerID)
	if err != nil {
		if bridgeID == "" || !errors.Is(err, strategy.ErrNotBridged) {
			slog.Error("[Orchestrator] Bridging legs failed", "session_id", sessionID, "error", err)
			o.attach(ctx, sessionID, ch.ID, strategy.Room{})
			return
		}
		slog.Warn("[Orchestrator] Bridge membership unconfirmed, capturing bridge anyway",
			"session_id", sessionID,
			"bridge_id", bridgeID,
		)
		o.capture(ctx, sessionID, ch.ID, strategy.Decision{
			Kind:   strategy.KindOwnedBridge,
			Target: ari.BridgeTarget(bridgeID),
			Reason: "membership unconfirmed",
		})
		return
	}
	o.attach(ctx, sessionID, ch.ID, strategy.Room{})
}

func (o *Orchestrator) originate(ctx context.Context, sessionID string, ch ari.Channel) (string, error) {
	peerID, err := o.selector.OriginateCarrier(ctx, sessionID, ch.Dialplan.Exten, ch.Caller.Number)
	switch {
	case err == nil:
		o.metrics.Originates.WithLabelValues("ok").Inc()
	case errors.Is(err, strategy.ErrLegInFlight):
		o.metrics.Originates.WithLabelValues("in_flight").Inc()
		slog.Info("[Orchestrator] Outbound leg already in flight", "session_id", sessionID)
	case errors.Is(err, strategy.ErrDialDisabled):
		slog.Debug("[Orchestrator] Dialing disabled", "session_id", sessionID)
	default:
		o.metrics.Originates.WithLabelValues("error").Inc()
		slog.Error("[Orchestrator] Originate failed",
			"session_id", sessionID,
			"number", ch.Dialplan.Exten,
			"error", err,
		)
	}
	return peerID, err
}

// adoptDialedCarrier binds the carrier the dialplan already connected.
// This path never originates.
func (o *Orchestrator) adoptDialedCarrier(ctx context.Context, sessionID string, ch ari.Channel) {
	carrier, found := o.findDialedCarrier(ctx, ch)

	room, err := o.resolveRoom(ctx, sessionID, &ch, carrier)
	if err != nil {
		room = strategy.Room{}
	}
	if !found {
		slog.Info("[Orchestrator] Dial answered but no carrier leg found", "session_id", sessionID, "channel_id", ch.ID)
		o.attach(ctx, sessionID, ch.ID, room)
		return
	}
	if err := o.reg.BindPeer(sessionID, carrier.ID); err != nil {
		slog.Warn("[Orchestrator] Dialed carrier not bound", "session_id", sessionID, "channel_id", carrier.ID, "error", err)
		o.attach(ctx, sessionID, ch.ID, room)
		return
	}
	slog.Info("[Orchestrator] Dialed carrier adopted",
		"session_id", sessionID,
		"channel_id", ch.ID,
		"peer_channel_id", carrier.ID,
	)
	o.attach(ctx, sessionID, carrier.ID, room)
}

// findDialedCarrier looks for the connected leg through the bridge the
// primary sits in, then the BRIDGEPEER variable, then any answered
// carrier outside a bridge.
func (o *Orchestrator) findDialedCarrier(ctx context.Context, primary ari.Channel) (*ari.Channel, bool) {
	if bridgeID, err := o.transport.ChannelBridge(ctx, primary.ID); err == nil && bridgeID != "" {
		if b, err := o.transport.GetBridge(ctx, bridgeID); err == nil {
			for _, id := range b.Channels {
				if id == primary.ID {
					continue
				}
				if c, err := o.transport.GetChannel(ctx, id); err == nil && !c.IsTap() {
					return c, true
				}
			}
		}
	}

	if peer, _ := o.transport.GetVariable(ctx, primary.ID, varBridgePeer); peer != "" {
		if c, err := o.transport.GetChannel(ctx, peer); err == nil {
			return c, true
		}
		if c, ok := o.channelByName(ctx, peer); ok {
			return c, true
		}
	}

	chans, err := o.transport.ListChannels(ctx)
	if err != nil {
		return nil, false
	}
	for i := range chans {
		c := &chans[i]
		if c.ID == primary.ID || !o.isCarrier(c.Name) || !c.IsUp() {
			continue
		}
		if _, tracked := o.reg.Channel(c.ID); tracked {
			continue
		}
		if b, err := o.transport.ChannelBridge(ctx, c.ID); err == nil && b == "" {
			return c, true
		}
	}
	return nil, false
}

func (o *Orchestrator) channelByName(ctx context.Context, name string) (*ari.Channel, bool) {
	chans, err := o.transport.ListChannels(ctx)
	if err != nil {
		return nil, false
	}
	for i := range chans {
		if chans[i].Name == name {
			return &chans[i], true
		}
	}
	return nil, false
}

// onChannelState records ringing for tracked primaries and starts
// capture early on a carrier leg that rings or answers outside any
// bridge.
func (o *Orchestrator) onChannelState(ctx context.Context, ch ari.Channel) {
	if info, ok := o.reg.Channel(ch.ID); ok {
		if info.Role == registry.RolePrimary && (ch.State == ari.StateRinging || ch.State == ari.StateRing) {
			o.status(ctx, info.SessionID, store.StatusRinging, 0)
		}
		return
	}
	if !o.isCarrier(ch.Name) || (ch.State != ari.StateRinging && ch.State != ari.StateUp) || o.reg.WasEnded(ch.ID) {
		return
	}
	if bridgeID, err := o.transport.ChannelBridge(ctx, ch.ID); err != nil || bridgeID != "" {
		return
	}

	_, unlock := o.reg.LockSession(ch.ID)
	defer unlock()

	if _, ok := o.reg.Channel(ch.ID); ok {
		return
	}
	sessionID, ok := o.admit(ctx, ch, nil, false)
	if !ok {
		return
	}
	slog.Info("[Orchestrator] Carrier leg active outside the application, capturing early",
		"session_id", sessionID,
		"channel_id", ch.ID,
		"state", ch.State,
	)
	o.attach(ctx, sessionID, ch.ID, strategy.Room{})
}

func (o *Orchestrator) onEnteredBridge(ctx context.Context, e events.ChannelEnteredBridge) {
	ch, br := e.Channel, e.Bridge
	info, tracked := o.reg.Channel(ch.ID)
	if !tracked && !o.isCarrier(ch.Name) {
		return
	}
	if tracked && info.Role == registry.RoleTap {
		return
	}

	_, unlock := o.reg.LockSession(ch.ID)
	defer unlock()

	s, known := o.reg.LookupBySessionOrChannel(ch.ID)
	if br.BridgeClass == ari.BridgeClassStasis || (known && s.OwnedBridgeID == br.ID) {
		o.reg.SetBridging(ch.ID, registry.BridgingOwned, br.ID)
		return
	}
	if known && s.State.HasCapture() {
		o.reg.SetBridging(ch.ID, registry.BridgingExternal, br.ID)
		return
	}

	sessionID := s.ID
	if !known {
		if o.reg.WasEnded(ch.ID) {
			return
		}
		var ok bool
		if sessionID, ok = o.admit(ctx, ch, nil, false); !ok {
			return
		}
	}
	o.trap(ctx, sessionID, ch.ID, br.ID, o.roomFromBridge(ctx, sessionID, ch, br))
}

func (o *Orchestrator) roomFromBridge(ctx context.Context, sessionID string, ch ari.Channel, br ari.Bridge) string {
	if s, ok := o.reg.LookupBySessionOrChannel(sessionID); ok && s.Room != "" {
		return s.Room
	}
	members := br.Channels
	if len(members) == 0 {
		if b, err := o.transport.GetBridge(ctx, br.ID); err == nil {
			members = b.Channels
		}
	}
	var related []*ari.Channel
	for _, id := range members {
		if id == ch.ID {
			continue
		}
		if c, err := o.transport.GetChannel(ctx, id); err == nil {
			related = append(related, c)
		}
	}
	room, err := o.selector.Chain().ResolveAny(ctx, &ch, related...)
	if err != nil {
		return ""
	}
	return room.Number
}

func (o *Orchestrator) onLeftBridge(ctx context.Context, e events.ChannelLeftBridge) {
	ch := e.Channel

	_, unlock := o.reg.LockSession(ch.ID)
	defer unlock()

	t, ok := o.reg.PeekTicket(ch.ID)
	if !ok {
		if info, tracked := o.reg.Channel(ch.ID); tracked && info.BridgeID == e.Bridge.ID {
			o.reg.SetBridging(ch.ID, registry.BridgingNone, "")
		}
		slog.Debug("[Orchestrator] Left bridge without pending capture", "channel_id", ch.ID, "bridge_id", e.Bridge.ID)
		return
	}
	if t.BridgeID != e.Bridge.ID {
		slog.Debug("[Orchestrator] Left a bridge other than the tracked one",
			"channel_id", ch.ID,
			"bridge_id", e.Bridge.ID,
			"tracked_bridge_id", t.BridgeID,
		)
		return
	}
	taken, ok := o.reg.TakeTicket(ch.ID)
	if !ok {
		return
	}
	o.freed(ctx, taken, "event")
}

func (o *Orchestrator) onBridgeDestroyed(ctx context.Context, e events.BridgeDestroyed) {
	bridgeID := e.Bridge.ID

	for _, t := range o.reg.TicketsForBridge(bridgeID) {
		func() {
			_, unlock := o.reg.LockSession(t.ChannelID)
			defer unlock()

			current, ok := o.reg.PeekTicket(t.ChannelID)
			if !ok || current.BridgeID != bridgeID {
				return
			}
			taken, ok := o.reg.TakeTicket(t.ChannelID)
			if !ok {
				return
			}
			o.freed(ctx, taken, "event")
		}()
	}

	for _, s := range o.reg.SessionsInBridge(bridgeID) {
		_, unlock := o.reg.LockSession(s.ID)
		for _, id := range []string{s.ChannelID, s.PeerChannelID} {
			if info, ok := o.reg.Channel(id); ok && info.BridgeID == bridgeID {
				o.reg.SetBridging(id, registry.BridgingNone, "")
			}
		}
		if s.OwnedBridgeID == bridgeID {
			_ = o.reg.SetOwnedBridge(s.ID, "")
		}
		unlock()
	}
}

func (o *Orchestrator) onRecordingEnded(ctx context.Context, rec ari.LiveRecording, failed bool) {
	s, ok := o.reg.SessionByHandle(rec.Name)
	if !ok {
		slog.Debug("[Orchestrator] Recording ended for no session", "recording", rec.Name)
		return
	}

	_, unlock := o.reg.LockSession(s.ID)
	current, ok := o.reg.SessionByHandle(rec.Name)
	if !ok || current.ID != s.ID {
		unlock()
		return
	}
	if failed {
		if _, err := o.reg.RecordCaptureFailed(s.ID); err != nil {
			slog.Debug("[Orchestrator] Capture failure not recorded", "session_id", s.ID, "error", err)
		}
		reason := rec.Cause
		if reason == "" {
			reason = "recording failed"
		}
		o.metrics.CaptureFailures.WithLabelValues("recording_failed").Inc()
		o.publisher.PublishAsync(events.NewCaptureFailed(s.ID, s.ChannelID, reason))
		slog.Warn("[Orchestrator] Recording failed", "session_id", s.ID, "recording", rec.Name, "cause", rec.Cause)
	} else {
		if _, err := o.reg.RecordCaptureStopped(s.ID); err != nil {
			slog.Debug("[Orchestrator] Capture stop not recorded", "session_id", s.ID, "error", err)
		}
		slog.Info("[Orchestrator] Recording finished", "session_id", s.ID, "recording", rec.Name)
	}
	unlock()

	if o.pumps != nil {
		o.pumps.Stop(s.ID)
	}
}

// onChannelGone handles StasisEnd and ChannelDestroyed. Leaving the
// application after a hand-off, or while a pending capture is
// outstanding, keeps the session; destruction of either leg ends it.
func (o *Orchestrator) onChannelGone(ctx context.Context, ch ari.Channel, destroyed bool) {
	if _, ok := o.reg.Channel(ch.ID); !ok {
		if destroyed {
			o.tracker.Forget(ch.ID)
		}
		return
	}

	_, unlock := o.reg.LockSession(ch.ID)
	defer unlock()

	info, ok := o.reg.Channel(ch.ID)
	if !ok || info.Role == registry.RoleTap {
		return
	}

	if !destroyed {
		o.reg.SetInApp(ch.ID, false)
		_, pending := o.reg.PeekTicket(ch.ID)
		if info.Role == registry.RolePeer || !info.InApp || pending {
			slog.Debug("[Orchestrator] Channel left the application, session kept",
				"channel_id", ch.ID,
				"session_id", info.SessionID,
				"role", info.Role.String(),
			)
			return
		}
	}
	o.endSession(ctx, info.SessionID, ch.ID)
}
