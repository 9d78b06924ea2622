package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/events"
	"github.com/sebas/callcapture/internal/capture/lifecycle"
	"github.com/sebas/callcapture/internal/capture/pump"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/store"
	"github.com/sebas/callcapture/internal/capture/strategy"
)

// admit returns the channel's session, creating and persisting it on
// first sight. ok is false for channels of ended sessions and for
// duplicate deliveries. The caller holds the channel's lock.
func (o *Orchestrator) admit(ctx context.Context, ch ari.Channel, args []string, inApp bool) (string, bool) {
	sessionID, created, err := o.reg.UpsertChannelSeen(ch.ID, registry.ChannelMeta{
		Name:   ch.Name,
		CallID: events.CallIDFromArgs(args, ch),
		Caller: ch.Caller.Number,
		Callee: ch.Dialplan.Exten,
	})
	if err != nil {
		if errors.Is(err, registry.ErrSessionEnded) {
			slog.Debug("[Orchestrator] Late event for ended channel", "channel_id", ch.ID)
		} else {
			slog.Warn("[Orchestrator] Channel not admitted", "channel_id", ch.ID, "error", err)
		}
		return "", false
	}
	o.reg.SetInApp(ch.ID, inApp)

	res := o.fire(ctx, ch.ID, lifecycle.EventEnter)
	if !created && !res.Changed {
		slog.Debug("[Orchestrator] Duplicate entry ignored", "channel_id", ch.ID, "session_id", sessionID)
		return sessionID, false
	}

	if created {
		o.metrics.SessionsActive.Inc()
		s, _ := o.reg.LookupBySessionOrChannel(sessionID)
		meta := store.SessionMeta{
			SessionID:    sessionID,
			CallID:       s.CallID,
			ChannelID:    ch.ID,
			CallerNumber: ch.Caller.Number,
			CalleeNumber: ch.Dialplan.Exten,
			StartTime:    s.CreatedAt,
		}
		if err := o.sink.RecordSessionStart(ctx, meta); err != nil {
			slog.Warn("[Orchestrator] Session start not recorded", "session_id", sessionID, "error", err)
		}
		o.status(ctx, sessionID, store.StatusInitiating, 0)
	}
	return sessionID, true
}

// resolveRoom returns the session's room, deriving and recording it
// from the channel and related legs when none is set yet.
func (o *Orchestrator) resolveRoom(ctx context.Context, sessionID string, ch *ari.Channel, related ...*ari.Channel) (strategy.Room, error) {
	if s, ok := o.reg.LookupBySessionOrChannel(sessionID); ok && s.Room != "" {
		return strategy.Room{Number: s.Room, Source: "session"}, nil
	}
	room, err := o.selector.Chain().ResolveAny(ctx, ch, related...)
	if err != nil {
		if strategy.IsAmbiguous(err) {
			slog.Debug("[Orchestrator] No destination derived", "session_id", sessionID, "error", err)
		} else {
			slog.Warn("[Orchestrator] Destination lookup failed", "session_id", sessionID, "error", err)
		}
		return strategy.Room{}, err
	}
	if err := o.reg.SetRoom(sessionID, room.Number); err != nil {
		return strategy.Room{}, err
	}
	return room, nil
}

// attach decides how channelID is captured and acts on it: a trapped
// channel gets a ticket, a channel with a room is captured and then
// handed off, anything else is captured in place.
func (o *Orchestrator) attach(ctx context.Context, sessionID, channelID string, room strategy.Room) {
	facts, err := o.selector.Inspect(ctx, sessionID, channelID)
	if err != nil {
		slog.Warn("[Orchestrator] Inspect failed", "session_id", sessionID, "channel_id", channelID, "error", err)
		return
	}
	d := strategy.Decide(facts)
	slog.Debug("[Orchestrator] Capture decided",
		"session_id", sessionID,
		"channel_id", channelID,
		"strategy", d.Kind.String(),
		"reason", d.Reason,
	)

	switch {
	case d.Kind == strategy.KindDefer:
		o.trap(ctx, sessionID, channelID, facts.BridgeID, room.Number)
	case room.Number != "":
		o.captureThenHandOff(ctx, sessionID, channelID, room)
	case d.Kind == strategy.KindSkip:
	default:
		o.capture(ctx, sessionID, channelID, d)
	}
}

func (o *Orchestrator) capture(ctx context.Context, sessionID, channelID string, d strategy.Decision) {
	res, err := o.selector.Capture(ctx, sessionID, d)
	if err != nil {
		if !errors.Is(err, strategy.ErrNothingToDo) {
			o.captureFailed(sessionID, channelID, err)
		}
		return
	}
	o.captured(ctx, sessionID, channelID, res)
}

func (o *Orchestrator) captureThenHandOff(ctx context.Context, sessionID, channelID string, room strategy.Room) {
	res, err := o.selector.CaptureThenHandOff(ctx, sessionID, channelID, room)
	switch {
	case res.CaptureErr != nil && !errors.Is(res.CaptureErr, strategy.ErrNothingToDo):
		o.captureFailed(sessionID, channelID, res.CaptureErr)
	case res.CaptureErr == nil && res.Capture.Handle != "":
		o.captured(ctx, sessionID, channelID, res.Capture)
	}
	if err != nil {
		o.metrics.HandOffs.WithLabelValues("error").Inc()
		slog.Error("[Orchestrator] Hand-off failed",
			"session_id", sessionID,
			"channel_id", channelID,
			"room", room.Number,
			"error", err,
		)
		return
	}
	o.metrics.HandOffs.WithLabelValues("ok").Inc()
	o.fire(ctx, channelID, lifecycle.EventHandOff)
}

// captured runs once a capture is verified: it starts the session's
// pump and announces the session.
func (o *Orchestrator) captured(ctx context.Context, sessionID, channelID string, res strategy.Result) {
	o.metrics.CapturesStarted.WithLabelValues(res.Kind.String()).Inc()
	o.fire(ctx, channelID, lifecycle.EventCapture)
	o.status(ctx, sessionID, store.StatusActive, 0)
	o.publisher.PublishAsync(events.NewSessionActive(sessionID, channelID))

	if o.pumps != nil {
		o.pumps.Start(pump.Spec{SessionID: sessionID, Handle: res.Handle, Source: sourceOf(res.Kind)})
	}
}

func sourceOf(k strategy.Kind) string {
	switch k {
	case strategy.KindOwnedBridge:
		return "bridge"
	case strategy.KindTap:
		return "tap"
	default:
		return "channel"
	}
}

func (o *Orchestrator) captureFailed(sessionID, channelID string, err error) {
	reason := "error"
	var cf *strategy.CaptureFailedError
	if errors.As(err, &cf) {
		reason = cf.Reason
	}
	o.metrics.CaptureFailures.WithLabelValues(reason).Inc()
	slog.Warn("[Orchestrator] Capture failed",
		"session_id", sessionID,
		"channel_id", channelID,
		"error", err,
	)
	o.publisher.PublishAsync(events.NewCaptureFailed(sessionID, channelID, err.Error()))
}

// trap records deferred capture for a channel held in a bridge this
// application does not own.
func (o *Orchestrator) trap(ctx context.Context, sessionID, channelID, bridgeID, room string) {
	o.reg.SetBridging(channelID, registry.BridgingExternal, bridgeID)
	if !o.reg.AddTicket(registry.Ticket{ChannelID: channelID, BridgeID: bridgeID, SessionID: sessionID, Room: room}) {
		return
	}
	o.metrics.TicketsCreated.Inc()
	if err := o.reg.SetCaptureState(sessionID, registry.CaptureTrapped); err != nil {
		slog.Debug("[Orchestrator] Trapped state not set", "session_id", sessionID, "error", err)
	}
	o.fire(ctx, channelID, lifecycle.EventTrap)
}

// freed runs after a ticket was taken, by the event path or the
// sweeper. The caller holds the session lock. The channel is back under
// dialplan control, so it is captured through a tap and handed off to
// its room when one is known.
func (o *Orchestrator) freed(ctx context.Context, t registry.Ticket, path string) {
	o.metrics.TicketsConsumed.WithLabelValues(path).Inc()
	o.fire(ctx, t.ChannelID, lifecycle.EventFree)
	o.reg.SetBridging(t.ChannelID, registry.BridgingNone, "")
	o.reg.SetInApp(t.ChannelID, false)

	slog.Info("[Orchestrator] Channel freed",
		"channel_id", t.ChannelID,
		"bridge_id", t.BridgeID,
		"session_id", t.SessionID,
		"path", path,
	)

	s, ok := o.reg.LookupBySessionOrChannel(t.SessionID)
	if !ok {
		return
	}
	room := t.Room
	if room == "" {
		room = s.Room
	}
	o.attach(ctx, s.ID, t.ChannelID, strategy.Room{Number: room, Source: "ticket"})
}

// endSession stops the session's pump and capture and releases it. The
// caller holds the session lock. gone is the channel whose departure
// ended the session, if any.
func (o *Orchestrator) endSession(ctx context.Context, sessionID, gone string) {
	s, ok := o.reg.LookupBySessionOrChannel(sessionID)
	if !ok {
		return
	}

	status := store.StatusCompleted
	switch s.State {
	case registry.CaptureFailed:
		status = store.StatusFailed
	case registry.CaptureHandedOff:
		status = store.StatusTransferred
	}

	if o.pumps != nil {
		o.pumps.Stop(s.ID)
	}
	if _, err := o.selector.Stop(ctx, s.ID); err != nil {
		slog.Debug("[Orchestrator] Capture stop failed", "session_id", s.ID, "error", err)
	}
	o.reg.Release(s.ID)

	if s.TapID != "" {
		o.hangup(ctx, s.TapID)
	}
	if s.OwnedBridgeID != "" {
		if err := o.transport.DestroyBridge(ctx, s.OwnedBridgeID); err != nil && !ari.IsNotFound(err) {
			slog.Debug("[Orchestrator] Bridge not destroyed", "bridge_id", s.OwnedBridgeID, "error", err)
		}
		if s.PeerChannelID != "" && s.PeerChannelID != gone {
			o.hangup(ctx, s.PeerChannelID)
		}
	}
	for _, id := range []string{s.ChannelID, s.PeerChannelID, s.TapID} {
		if id == "" {
			continue
		}
		o.fire(ctx, id, lifecycle.EventTerminate)
		o.tracker.Forget(id)
	}

	d := o.now().Sub(s.CreatedAt)
	o.status(ctx, s.ID, status, d)
	o.metrics.ObserveSession(d)
	o.publisher.PublishAsync(events.NewSessionEnded(s.ID, s.ChannelID))

	slog.Info("[Orchestrator] Session ended",
		"session_id", s.ID,
		"channel_id", s.ChannelID,
		"status", status.String(),
		"duration", d.Round(time.Millisecond).String(),
	)
}

func (o *Orchestrator) hangup(ctx context.Context, channelID string) {
	if err := o.transport.Hangup(ctx, channelID); err != nil && !ari.IsIrrecoverable(err) {
		slog.Debug("[Orchestrator] Hangup failed", "channel_id", channelID, "error", err)
	}
}

func (o *Orchestrator) status(ctx context.Context, sessionID string, st store.CallStatus, d time.Duration) {
	if err := o.sink.RecordSessionStatus(ctx, sessionID, st, d); err != nil {
		slog.Warn("[Orchestrator] Session status not recorded",
			"session_id", sessionID,
			"status", st.String(),
			"error", err,
		)
	}
}
