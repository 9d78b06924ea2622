package ari

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChannelLister is the part of the controller a Poller reads.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]Channel, error)
}

// PollerConfig configures the polling event source.
type PollerConfig struct {
	// App is the application name stamped on synthetic events and used
	// to recognize channels parked in it.
	App string
	// Interval is the wait between channel listings.
	Interval time.Duration
}

// Poller is an EventSource for controllers without a reachable event
// websocket. It lists channels on an interval and turns the difference
// between consecutive listings into the events the feed would have
// delivered. A channel parked in the application yields StasisStart
// and, once it leaves, StasisEnd. Other new channels yield
// ChannelCreated; vanished ones yield ChannelDestroyed.
//
// A Poller keeps per-listing state; PollOnce must not run concurrently
// with itself or with Run.
type Poller struct {
	cfg    PollerConfig
	lister ChannelLister
	now    func() time.Time

	known map[string]polledChannel

	connected  atomic.Bool
	polls      atomic.Int64
	pollErrors atomic.Int64
	frames     atomic.Int64
}

type polledChannel struct {
	ch    Channel
	inApp bool
}

var _ EventSource = (*Poller)(nil)

// NewPoller creates a poller. A zero interval defaults to 2s.
func NewPoller(lister ChannelLister, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Poller{cfg: cfg, lister: lister, now: time.Now, known: make(map[string]polledChannel)}
}

// Connected reports whether the last listing succeeded.
func (p *Poller) Connected() bool {
	return p.connected.Load()
}

// Polls returns the number of listings attempted.
func (p *Poller) Polls() int64 {
	return p.polls.Load()
}

// PollErrors returns the number of failed listings.
func (p *Poller) PollErrors() int64 {
	return p.pollErrors.Load()
}

// Frames returns the number of synthetic events delivered.
func (p *Poller) Frames() int64 {
	return p.frames.Load()
}

// Run polls until ctx is cancelled. Listing failures are logged and
// retried on the next tick; they never end Run.
func (p *Poller) Run(ctx context.Context, handler EventHandler) error {
	slog.Info("[Poller] Started", "interval", p.cfg.Interval, "app", p.cfg.App)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx, handler)
		select {
		case <-ctx.Done():
			p.connected.Store(false)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce lists channels once and delivers the resulting events. It
// returns the number of events delivered.
func (p *Poller) PollOnce(ctx context.Context, handler EventHandler) int {
	p.polls.Add(1)
	channels, err := p.lister.ListChannels(ctx)
	if err != nil {
		p.pollErrors.Add(1)
		p.connected.Store(false)
		if ctx.Err() == nil {
			slog.Warn("[Poller] Channel listing failed", "error", err)
		}
		return 0
	}
	if !p.connected.Swap(true) {
		slog.Info("[Poller] Channel listing available", "channels", len(channels))
	}

	delivered := 0
	emit := func(kind string, ch Channel, args []string) {
		raw, err := p.frame(kind, ch, args)
		if err != nil {
			slog.Warn("[Poller] Failed to encode event", "type", kind, "channel_id", ch.ID, "error", err)
			return
		}
		delivered++
		p.frames.Add(1)
		handler(raw)
	}

	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch.ID == "" {
			continue
		}
		seen[ch.ID] = true
		args, inApp := p.stasisArgs(ch)
		prev, known := p.known[ch.ID]
		p.known[ch.ID] = polledChannel{ch: ch, inApp: inApp}

		switch {
		case inApp && (!known || !prev.inApp):
			emit("StasisStart", ch, args)
		case !inApp && known && prev.inApp:
			emit("StasisEnd", ch, nil)
		case !known:
			emit("ChannelCreated", ch, nil)
		case prev.ch.State != ch.State:
			emit("ChannelStateChange", ch, nil)
		}
	}

	for id, prev := range p.known {
		if seen[id] {
			continue
		}
		delete(p.known, id)
		emit("ChannelDestroyed", prev.ch, nil)
	}

	if delivered > 0 {
		slog.Debug("[Poller] Poll complete", "channels", len(channels), "events", delivered)
	}
	return delivered
}

// stasisArgs reports whether ch is parked in this application and the
// arguments it was sent there with.
func (p *Poller) stasisArgs(ch Channel) ([]string, bool) {
	if !strings.EqualFold(ch.Dialplan.AppName, "Stasis") {
		return nil, false
	}
	parts := strings.Split(ch.Dialplan.AppData, ",")
	if p.cfg.App != "" && strings.TrimSpace(parts[0]) != p.cfg.App {
		return nil, false
	}
	var args []string
	for _, a := range parts[1:] {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return args, true
}

type polledFrame struct {
	Type        string   `json:"type"`
	Application string   `json:"application"`
	Timestamp   string   `json:"timestamp"`
	Channel     Channel  `json:"channel"`
	Args        []string `json:"args,omitempty"`
}

func (p *Poller) frame(kind string, ch Channel, args []string) ([]byte, error) {
	return json.Marshal(polledFrame{
		Type:        kind,
		Application: p.cfg.App,
		Timestamp:   p.now().Format("2006-01-02T15:04:05.000-0700"),
		Channel:     ch,
		Args:        args,
	})
}
