package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/retry"
)

var (
	// ErrLegInFlight means the session already has an outbound leg
	// being originated or bound.
	ErrLegInFlight = errors.New("outbound leg already in flight")

	// ErrDialDisabled is returned when origination is switched off.
	ErrDialDisabled = errors.New("dialing disabled")

	// ErrNotBridged means bridge membership could not be confirmed.
	ErrNotBridged = errors.New("legs not confirmed in bridge")
)

// CarrierArg is the first application argument of originated legs.
const CarrierArg = "carrier"

// DialConfig controls origination of the carrier leg.
type DialConfig struct {
	Enabled bool
	// Endpoint is a template containing {number}.
	Endpoint    string
	StripPrefix string
	Timeout     time.Duration
	// ConnectTimeout bounds waiting for the leg to answer.
	ConnectTimeout  time.Duration
	ConnectInterval time.Duration
}

// DefaultDialConfig returns the carrier trunk defaults.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		Enabled:         true,
		Endpoint:        "SIP/{number}@galax",
		StripPrefix:     "9",
		Timeout:         30 * time.Second,
		ConnectTimeout:  30 * time.Second,
		ConnectInterval: 500 * time.Millisecond,
	}
}

func (c DialConfig) withDefaults() DialConfig {
	def := DefaultDialConfig()
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = def.ConnectInterval
	}
	return c
}

// EndpointFor renders the dial string for number, dropping one leading
// strip prefix (an outside-line digit).
func EndpointFor(template, strip, number string) string {
	if strip != "" && len(number) > len(strip) {
		number = strings.TrimPrefix(number, strip)
	}
	return strings.ReplaceAll(template, "{number}", number)
}

// CarrierSessionFromArgs returns the session id an originated leg
// carries in its application arguments.
func CarrierSessionFromArgs(args []string) (string, bool) {
	if len(args) >= 2 && args[0] == CarrierArg && args[1] != "" {
		return args[1], true
	}
	return "", false
}

// OriginateCarrier places the session's single outbound leg. It returns
// ErrLegInFlight when one was already placed, so a duplicate event can
// never produce a second leg.
func (s *Selector) OriginateCarrier(ctx context.Context, sessionID, number, callerID string) (string, error) {
	if !s.cfg.Dial.Enabled {
		return "", ErrDialDisabled
	}
	if !s.reg.MarkLegInFlight(sessionID) {
		return "", fmt.Errorf("%w: session %s", ErrLegInFlight, sessionID)
	}

	id := uuid.New().String()
	req := ari.OriginateRequest{
		Endpoint:  EndpointFor(s.cfg.Dial.Endpoint, s.cfg.Dial.StripPrefix, number),
		App:       s.cfg.App,
		AppArgs:   CarrierArg + "," + sessionID,
		CallerID:  callerID,
		ChannelID: id,
		Timeout:   s.cfg.Dial.Timeout,
	}
	// Bound before the request so events for the new leg already
	// resolve to this session.
	if err := s.reg.BindPeer(sessionID, id); err != nil {
		s.reg.ClearLegInFlight(sessionID)
		return "", err
	}
	channelID, err := s.transport.Originate(ctx, req)
	if err != nil {
		s.reg.UnbindPeer(sessionID, id)
		s.reg.ClearLegInFlight(sessionID)
		return "", fmt.Errorf("originate %s: %w", req.Endpoint, err)
	}

	slog.Info("[Selector] Carrier leg originated",
		"session_id", sessionID,
		"channel_id", channelID,
		"endpoint", req.Endpoint,
	)
	return channelID, nil
}

// WaitConnected polls channelID until it is answered.
func (s *Selector) WaitConnected(ctx context.Context, channelID string) error {
	policy := retry.Policy{
		Interval:    s.cfg.Dial.ConnectInterval,
		MaxAttempts: retry.Attempts(s.cfg.Dial.ConnectTimeout, s.cfg.Dial.ConnectInterval),
		Terminal:    ari.IsIrrecoverable,
	}
	return retry.Poll(ctx, policy, func(ctx context.Context) (bool, error) {
		ch, err := s.transport.GetChannel(ctx, channelID)
		if err != nil {
			return false, err
		}
		return ch.IsUp(), nil
	})
}

// BridgeLegs creates a mixing bridge owned by the application, adds
// both legs and waits until the controller reports both as members.
func (s *Selector) BridgeLegs(ctx context.Context, sessionID, primaryID, peerID string) (string, error) {
	b, err := s.transport.CreateBridge(ctx, "mixing")
	if err != nil {
		return "", fmt.Errorf("create bridge: %w", err)
	}
	if err := s.reg.SetOwnedBridge(sessionID, b.ID); err != nil {
		return b.ID, err
	}
	for _, ch := range []string{primaryID, peerID} {
		if err := s.transport.AddToBridge(ctx, b.ID, ch); err != nil {
			return b.ID, fmt.Errorf("add %s to %s: %w", ch, b.ID, err)
		}
	}

	policy := retry.Policy{Interval: 200 * time.Millisecond, MaxAttempts: 10, Terminal: ari.IsNotFound}
	err = retry.Poll(ctx, policy, func(ctx context.Context) (bool, error) {
		got, err := s.transport.GetBridge(ctx, b.ID)
		if err != nil {
			return false, err
		}
		return got.Contains(primaryID) && got.Contains(peerID), nil
	})
	if err != nil {
		return b.ID, fmt.Errorf("%w: %s: %w", ErrNotBridged, b.ID, err)
	}

	s.reg.SetBridging(primaryID, registry.BridgingOwned, b.ID)
	s.reg.SetBridging(peerID, registry.BridgingOwned, b.ID)
	slog.Info("[Selector] Legs bridged",
		"session_id", sessionID,
		"bridge_id", b.ID,
		"channel_id", primaryID,
		"peer_channel_id", peerID,
	)
	return b.ID, nil
}
