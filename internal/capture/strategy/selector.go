// Package strategy decides how a channel's audio is captured and carries
// the decision out against the controller: direct channel capture,
// capture of an owned mixing bridge, or a tap on a channel held in a
// bridge the application does not own. It also derives hand-off
// destinations and performs the hand-off after capture is attached.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/retry"
)

var errNotRecording = errors.New("capture not recording")

// Config controls capture execution.
type Config struct {
	// App receives tap and originated channels.
	App string
	// HandoffContexts are tried in order by HandOff.
	HandoffContexts []string
	// VerifyDelay is waited before the first state check after a start.
	VerifyDelay time.Duration
	// VerifyAttempts bounds state checks while the capture is queued.
	VerifyAttempts int
	// StartAttempts is the number of capture starts per request.
	StartAttempts int

	Dial DialConfig
}

// DefaultConfig returns the settings used when fields are zero.
func DefaultConfig() Config {
	return Config{
		App:             "audio-bridge",
		HandoffContexts: []string{"default", "meetme"},
		VerifyDelay:     500 * time.Millisecond,
		VerifyAttempts:  4,
		StartAttempts:   2,
		Dial:            DefaultDialConfig(),
	}
}

// Result describes an established capture.
type Result struct {
	Kind      Kind
	Handle    string
	Target    ari.Target
	TapID     string
	Attempts  int
	StartedAt time.Time
}

// Selector executes capture decisions. All registry mutations for a
// session are expected to run under the caller's session lock.
type Selector struct {
	transport ari.Transport
	reg       *registry.Registry
	chain     *Chain
	cfg       Config
	now       func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock replaces time.Now for capture and hand-off timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// New creates a Selector.
func New(transport ari.Transport, reg *registry.Registry, chain *Chain, cfg Config, opts ...Option) *Selector {
	def := DefaultConfig()
	if cfg.App == "" {
		cfg.App = def.App
	}
	if len(cfg.HandoffContexts) == 0 {
		cfg.HandoffContexts = def.HandoffContexts
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = def.VerifyAttempts
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = def.StartAttempts
	}
	cfg.Dial = cfg.Dial.withDefaults()
	if chain == nil {
		chain = NewChainOf()
	}
	s := &Selector{transport: transport, reg: reg, chain: chain, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chain returns the destination extractor chain.
func (s *Selector) Chain() *Chain { return s.chain }

// HandleName is the capture name for a strategy: channel and tap
// captures are named after the recorded channel, bridge captures after
// the session.
func HandleName(kind Kind, sessionID, channelID string) string {
	if kind == KindOwnedBridge {
		return "recording_" + sessionID
	}
	return "call_" + channelID
}

// Inspect gathers the facts Decide needs for channelID.
func (s *Selector) Inspect(ctx context.Context, sessionID, channelID string) (Facts, error) {
	f := Facts{SessionID: sessionID, ChannelID: channelID}

	if _, err := s.transport.GetChannel(ctx, channelID); err != nil {
		if ari.IsIrrecoverable(err) {
			return f, nil
		}
		return f, fmt.Errorf("inspect %s: %w", channelID, err)
	}
	f.Exists = true

	sess, ok := s.reg.LookupBySessionOrChannel(sessionID)
	if ok {
		f.HasCapture = sess.Handle != ""
	}
	if info, ok := s.reg.Channel(channelID); ok {
		f.InApplication = info.InApp
	}

	bridgeID, err := s.transport.ChannelBridge(ctx, channelID)
	if err != nil {
		return f, fmt.Errorf("inspect %s bridge: %w", channelID, err)
	}
	if bridgeID == "" {
		return f, nil
	}
	f.BridgeID = bridgeID

	b, err := s.transport.GetBridge(ctx, bridgeID)
	if err != nil {
		if ari.IsNotFound(err) {
			f.BridgeID = ""
			return f, nil
		}
		return f, fmt.Errorf("inspect bridge %s: %w", bridgeID, err)
	}
	f.BridgeOwned = (ok && sess.OwnedBridgeID == bridgeID) || b.BridgeClass == ari.BridgeClassStasis
	if f.BridgeOwned && ok && sess.PeerChannelID != "" {
		f.BothLegsBridged = b.Contains(sess.ChannelID) && b.Contains(sess.PeerChannelID)
	}
	return f, nil
}

// Capture executes d for the session. Skip and Defer return
// ErrNothingToDo. The capture is verified through its state; an
// unverified start is stopped and retried once before a
// CaptureFailedError is returned.
func (s *Selector) Capture(ctx context.Context, sessionID string, d Decision) (Result, error) {
	res := Result{Kind: d.Kind, Target: d.Target}

	switch d.Kind {
	case KindDirect, KindOwnedBridge:
	case KindTap:
		tapID, err := s.transport.CreateTap(ctx, d.Target.ID, ari.TapSpec{Spy: "both", Whisper: "none", App: s.cfg.App, AppArgs: "tap"})
		if err != nil {
			return res, fmt.Errorf("tap %s: %w", d.Target.ID, err)
		}
		if err := s.reg.AttachTap(sessionID, tapID); err != nil {
			s.discardTap(ctx, sessionID, tapID)
			return res, err
		}
		slog.Info("[Selector] Tap created",
			"session_id", sessionID,
			"channel_id", d.Target.ID,
			"tap_id", tapID,
		)
		res.TapID = tapID
		res.Target = ari.ChannelTarget(tapID)
	default:
		return res, ErrNothingToDo
	}

	res.Handle = HandleName(d.Kind, sessionID, res.Target.ID)
	started, attempts, err := s.startVerified(ctx, sessionID, res.Target, res.Handle)
	res.StartedAt = started
	res.Attempts = attempts
	if err != nil {
		if res.TapID != "" {
			s.discardTap(ctx, sessionID, res.TapID)
			res.TapID = ""
		}
		return res, err
	}

	slog.Info("[Selector] Capture verified",
		"session_id", sessionID,
		"strategy", d.Kind.String(),
		"target", res.Target.String(),
		"recording", res.Handle,
		"attempts", attempts,
	)
	return res, nil
}

func (s *Selector) startVerified(ctx context.Context, sessionID string, target ari.Target, name string) (time.Time, int, error) {
	var (
		last    error
		started time.Time
		attempt int
	)
	for attempt = 1; attempt <= s.cfg.StartAttempts; attempt++ {
		if err := s.reg.RecordCaptureStarted(sessionID, name); err != nil {
			return started, attempt, err
		}
		started = s.now()
		err := s.transport.StartCapture(ctx, target, name)
		if err == nil {
			err = s.verify(ctx, name)
			if err == nil {
				if err := s.reg.SetCaptureState(sessionID, registry.CaptureCapturing); err != nil {
					return started, attempt, err
				}
				return started, attempt, nil
			}
		}
		last = err

		slog.Warn("[Selector] Capture not verified",
			"session_id", sessionID,
			"recording", name,
			"attempt", attempt,
			"error", err,
		)
		if stopErr := s.transport.StopCapture(ctx, name); stopErr != nil {
			slog.Debug("[Selector] Stop after failed start", "recording", name, "error", stopErr)
		}
		if _, ferr := s.reg.RecordCaptureFailed(sessionID); ferr != nil {
			return started, attempt, ferr
		}
		if ari.IsIrrecoverable(err) || ari.IsNotFound(err) || ctx.Err() != nil {
			break
		}
	}
	if attempt > s.cfg.StartAttempts {
		attempt = s.cfg.StartAttempts
	}
	reason := "not recording"
	if last != nil && !errors.Is(last, errNotRecording) {
		reason = "start rejected"
	}
	return started, attempt, &CaptureFailedError{SessionID: sessionID, Handle: name, Attempts: attempt, Reason: reason, Err: last}
}

func (s *Selector) verify(ctx context.Context, name string) error {
	if err := sleep(ctx, s.cfg.VerifyDelay); err != nil {
		return err
	}
	policy := retry.Policy{
		Interval:    s.cfg.VerifyDelay,
		MaxAttempts: s.cfg.VerifyAttempts,
	}
	return retry.Poll(ctx, policy, func(ctx context.Context) (bool, error) {
		rec, err := s.transport.CaptureState(ctx, name)
		if err != nil {
			if ari.IsRetryable(err) {
				return false, err
			}
			return true, err
		}
		switch {
		case rec.State == ari.RecordingActive || rec.State == ari.RecordingPaused:
			return true, nil
		case rec.State.IsTerminal():
			return true, fmt.Errorf("%w: %s", errNotRecording, rec.State)
		}
		return false, fmt.Errorf("%w: %s", errNotRecording, rec.State)
	})
}

// Stop ends the session's capture. Stopping a session with no capture
// succeeds.
func (s *Selector) Stop(ctx context.Context, sessionID string) (string, error) {
	handle, err := s.reg.RecordCaptureStopped(sessionID)
	if err != nil || handle == "" {
		return handle, err
	}
	if err := s.transport.StopCapture(ctx, handle); err != nil {
		return handle, fmt.Errorf("stop %s: %w", handle, err)
	}
	slog.Info("[Selector] Capture stopped", "session_id", sessionID, "recording", handle)
	return handle, nil
}

var handOffPolicy = retry.Policy{
	Interval:    100 * time.Millisecond,
	MaxAttempts: 3,
	Multiplier:  2,
	Terminal:    func(err error) bool { return !ari.IsTransient(err) },
}

// HandOff moves channelID into room. A conflict means the channel
// already continued and counts as success.
func (s *Selector) HandOff(ctx context.Context, sessionID, channelID string, room Room) (time.Time, error) {
	dest := ari.Destination{Room: room.Number, Contexts: s.cfg.HandoffContexts}
	at := s.now()
	err := retry.Do(ctx, handOffPolicy, func(ctx context.Context) error {
		if err := s.transport.MoveToApplication(ctx, channelID, dest); err != nil && !ari.IsConflict(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return at, fmt.Errorf("hand off %s to %s: %w", channelID, room.Number, err)
	}
	s.reg.SetInApp(channelID, false)
	if err := s.reg.SetRoom(sessionID, room.Number); err != nil {
		return at, err
	}
	if sess, ok := s.reg.LookupBySessionOrChannel(sessionID); ok && !sess.State.HasCapture() {
		_ = s.reg.SetCaptureState(sessionID, registry.CaptureHandedOff)
	}
	slog.Info("[Selector] Channel handed off",
		"session_id", sessionID,
		"channel_id", channelID,
		"room", room.Number,
		"source", room.Source,
	)
	return at, nil
}

// HandOffResult reports a capture-then-hand-off sequence.
type HandOffResult struct {
	Capture     Result
	CaptureErr  error
	HandedOffAt time.Time
}

// CaptureThenHandOff attaches capture to channelID and only then hands
// it off. If capture cannot be attached the hand-off still happens and
// capture is retried on the resulting leg through a tap.
func (s *Selector) CaptureThenHandOff(ctx context.Context, sessionID, channelID string, room Room) (HandOffResult, error) {
	var out HandOffResult

	facts, err := s.Inspect(ctx, sessionID, channelID)
	if err != nil {
		return out, err
	}
	d := Decide(facts)
	if d.Kind == KindDefer {
		// Capture cannot precede the hand-off of a trapped leg.
		d = Decision{Kind: KindSkip, Reason: d.Reason}
	}
	if d.Kind != KindSkip {
		out.Capture, out.CaptureErr = s.Capture(ctx, sessionID, d)
	}

	out.HandedOffAt, err = s.HandOff(ctx, sessionID, channelID, room)
	if err != nil {
		return out, err
	}

	if out.CaptureErr != nil || (d.Kind == KindSkip && !facts.HasCapture && facts.Exists) {
		retryFacts, ierr := s.Inspect(ctx, sessionID, channelID)
		if ierr != nil {
			return out, ierr
		}
		retryFacts.TapNow = true
		if rd := Decide(retryFacts); rd.Kind == KindTap {
			out.Capture, out.CaptureErr = s.Capture(ctx, sessionID, rd)
		}
	}
	return out, nil
}

// discardTap hangs up a tap whose capture never started and forgets it,
// so a later attempt creates a fresh one.
func (s *Selector) discardTap(ctx context.Context, sessionID, tapID string) {
	s.reg.DetachTap(sessionID, tapID)
	if err := s.transport.Hangup(ctx, tapID); err != nil && !ari.IsIrrecoverable(err) {
		slog.Warn("[Selector] Failed to hang up tap", "session_id", sessionID, "tap_id", tapID, "error", err)
		return
	}
	slog.Info("[Selector] Tap discarded", "session_id", sessionID, "tap_id", tapID)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
