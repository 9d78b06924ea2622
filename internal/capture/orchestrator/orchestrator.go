// Package orchestrator routes controller events to session registry
// mutations and capture strategy actions. Events for the same key run
// in arrival order; different keys run concurrently and serialize on
// the registry's per-session lock.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/events"
	"github.com/sebas/callcapture/internal/capture/lifecycle"
	"github.com/sebas/callcapture/internal/capture/metrics"
	"github.com/sebas/callcapture/internal/capture/pump"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/store"
	"github.com/sebas/callcapture/internal/capture/strategy"
	"github.com/sebas/callcapture/internal/capture/sweeper"
)

// Config wires the orchestrator to its collaborators.
type Config struct {
	Transport ari.Transport
	Registry  *registry.Registry
	Selector  *strategy.Selector
	Pumps     *pump.Supervisor
	Sink      store.Sink
	Publisher events.Publisher
	Metrics   *metrics.Metrics

	// App is the application whose events are handled.
	App string
	// CarrierPattern marks outbound carrier legs by channel name.
	CarrierPattern string
	// LocalPrefix marks dialplan-local origin legs by channel name.
	LocalPrefix string
}

// Orchestrator is the event dispatch state machine.
type Orchestrator struct {
	transport ari.Transport
	reg       *registry.Registry
	selector  *strategy.Selector
	pumps     *pump.Supervisor
	sink      store.Sink
	publisher events.Publisher
	metrics   *metrics.Metrics
	tracker   *lifecycle.Tracker

	app            string
	carrierPattern string
	localPrefix    string
	now            func() time.Time

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	pending []events.Event
}

// New creates an orchestrator. Nil sink, publisher and metrics are
// replaced with no-op implementations.
func New(cfg Config) *Orchestrator {
	if cfg.App == "" {
		cfg.App = "audio-bridge"
	}
	if cfg.CarrierPattern == "" {
		cfg.CarrierPattern = "SIP/galax"
	}
	if cfg.LocalPrefix == "" {
		cfg.LocalPrefix = "Local/"
	}
	if cfg.Sink == nil {
		cfg.Sink = store.NewLoggingSink(nil)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	root, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		transport:      cfg.Transport,
		reg:            cfg.Registry,
		selector:       cfg.Selector,
		pumps:          cfg.Pumps,
		sink:           cfg.Sink,
		publisher:      cfg.Publisher,
		metrics:        cfg.Metrics,
		tracker:        lifecycle.NewTracker(nil),
		app:            cfg.App,
		carrierPattern: cfg.CarrierPattern,
		localPrefix:    cfg.LocalPrefix,
		now:            time.Now,
		root:           root,
		cancel:         cancel,
		lanes:          make(map[string]*lane),
	}
}

// Lifecycle exposes the per-channel state tracker.
func (o *Orchestrator) Lifecycle() *lifecycle.Tracker { return o.tracker }

// HandleEvent parses a raw frame and queues it on its key's lane. It is
// the feed's ari.EventHandler and never blocks on controller I/O.
func (o *Orchestrator) HandleEvent(raw []byte) {
	ev, err := events.Parse(raw)
	if err != nil {
		slog.Warn("[Orchestrator] Dropping unparseable event", "error", err)
		return
	}
	o.enqueue(ev)
}

func (o *Orchestrator) enqueue(ev events.Event) {
	key := events.Key(ev)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if l, ok := o.lanes[key]; ok {
		l.pending = append(l.pending, ev)
		o.mu.Unlock()
		return
	}
	l := &lane{pending: []events.Event{ev}}
	o.lanes[key] = l
	o.wg.Add(1)
	o.mu.Unlock()

	go o.drain(key, l)
}

func (o *Orchestrator) drain(key string, l *lane) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(l.pending) == 0 {
			delete(o.lanes, key)
			o.mu.Unlock()
			return
		}
		ev := l.pending[0]
		l.pending = l.pending[1:]
		o.mu.Unlock()

		if r := panics.Try(func() { o.Dispatch(o.root, ev) }); r != nil {
			slog.Error("[Orchestrator] Handler panicked",
				"kind", ev.Kind().String(),
				"key", key,
				"error", r.AsError(),
			)
		}
	}
}

// Wait blocks until every queued event has been handled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops accepting events, cancels in-flight handlers and waits
// for them to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// Dispatch runs the handler for one event synchronously.
func (o *Orchestrator) Dispatch(ctx context.Context, ev events.Event) {
	if app := ev.App(); app != "" && app != o.app {
		return
	}
	if ch, ok := events.ChannelOf(ev); ok && ch.IsTap() {
		return
	}
	o.metrics.EventsTotal.WithLabelValues(ev.Kind().String()).Inc()

	switch e := ev.(type) {
	case events.StasisStart:
		o.onStasisStart(ctx, e)
	case events.StasisEnd:
		o.onChannelGone(ctx, e.Channel, false)
	case events.ChannelDestroyed:
		o.onChannelGone(ctx, e.Channel, true)
	case events.ChannelCreated:
		o.onChannelState(ctx, e.Channel)
	case events.ChannelStateChange:
		o.onChannelState(ctx, e.Channel)
	case events.ChannelEnteredBridge:
		o.onEnteredBridge(ctx, e)
	case events.ChannelLeftBridge:
		o.onLeftBridge(ctx, e)
	case events.BridgeDestroyed:
		o.onBridgeDestroyed(ctx, e)
	case events.RecordingFinished:
		o.onRecordingEnded(ctx, e.Recording, false)
	case events.RecordingFailed:
		o.onRecordingEnded(ctx, e.Recording, true)
	case events.BridgeCreated:
		slog.Debug("[Orchestrator] Bridge created", "bridge_id", e.Bridge.ID, "class", e.Bridge.BridgeClass)
	case events.RecordingStarted:
		slog.Debug("[Orchestrator] Recording started", "recording", e.Recording.Name)
	}
}

// SweeperHooks returns the transitions the sweeper shares with the
// event path.
func (o *Orchestrator) SweeperHooks() sweeper.Hooks {
	return sweeper.Hooks{
		Freed: func(ctx context.Context, t registry.Ticket) {
			o.freed(ctx, t, "sweep")
		},
		Captured:      o.sweptCapture,
		CaptureFailed: o.sweptCaptureFailed,
		Dropped: func(t registry.Ticket, outcome sweeper.Outcome) {
			o.metrics.TicketsConsumed.WithLabelValues(outcome.String()).Inc()
			if outcome == sweeper.OutcomeExpired {
				o.publisher.PublishAsync(events.NewCaptureFailed(t.SessionID, t.ChannelID, "pending capture expired"))
			}
		},
		Swept: func(outcome sweeper.Outcome) {
			o.metrics.SweepOutcomes.WithLabelValues(outcome.String()).Inc()
		},
	}
}

func (o *Orchestrator) sweptCaptureFailed(_ context.Context, t registry.Ticket, err error) {
	o.captureFailed(t.SessionID, t.ChannelID, err)
}

func (o *Orchestrator) sweptCapture(ctx context.Context, sessionID string, res strategy.Result) {
	channelID := ""
	for _, t := range o.reg.Tickets() {
		if t.SessionID == sessionID && t.TapID == res.TapID {
			channelID = t.ChannelID
			break
		}
	}
	if channelID == "" {
		if s, ok := o.reg.LookupBySessionOrChannel(sessionID); ok {
			channelID = s.ChannelID
		}
	}
	o.captured(ctx, sessionID, channelID, res)
}

// ReleaseAll stops every outstanding capture and releases its session.
// It runs at shutdown after the pumps have exited.
func (o *Orchestrator) ReleaseAll(ctx context.Context) int {
	sessions := o.reg.List()
	for _, s := range sessions {
		_, unlock := o.reg.LockSession(s.ID)
		o.endSession(ctx, s.ID, "")
		unlock()
	}
	return len(sessions)
}

func (o *Orchestrator) isCarrier(name string) bool {
	return o.carrierPattern != "" && strings.Contains(name, o.carrierPattern)
}

func (o *Orchestrator) isLocal(name string) bool {
	return strings.HasPrefix(name, o.localPrefix)
}

func (o *Orchestrator) fire(ctx context.Context, channelID, event string) lifecycle.Result {
	res, err := o.tracker.Fire(ctx, channelID, event)
	if err != nil {
		slog.Debug("[Orchestrator] Lifecycle event ignored",
			"channel_id", channelID,
			"event", event,
			"error", err,
		)
	}
	return res
}
