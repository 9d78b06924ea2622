// Package sweeper reconciles pending capture tickets against the
// controller's actual channel and bridge state, covering leave and
// destroy events the feed failed to deliver.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/strategy"
)

// Outcome is what a sweep did with one ticket.
type Outcome int

const (
	// OutcomeKept: the channel is still trapped and nothing changed.
	OutcomeKept Outcome = iota
	// OutcomeDiscarded: the channel is gone; the ticket was dropped.
	OutcomeDiscarded
	// OutcomeFreed: the bridge is gone or the channel left it.
	OutcomeFreed
	// OutcomeTapped: a tap capture was attached to the trapped channel.
	OutcomeTapped
	// OutcomeExpired: the ticket outlived its TTL.
	OutcomeExpired
	// OutcomeRaced: another path consumed the ticket first.
	OutcomeRaced
	// OutcomeError: a transport error; retried next sweep.
	OutcomeError
	// OutcomeTapFailed: a tap was created but its capture never started.
	OutcomeTapFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeKept:      "kept",
	OutcomeDiscarded: "discarded",
	OutcomeFreed:     "freed",
	OutcomeTapped:    "tapped",
	OutcomeExpired:   "expired",
	OutcomeRaced:     "raced",
	OutcomeError:     "error",
	OutcomeTapFailed: "tap_failed",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return "unknown"
}

// Hooks are the orchestrator transitions the sweeper shares with the
// event path. Nil hooks are skipped.
type Hooks struct {
	// Freed runs the channel-freed transition for a consumed ticket.
	// It is called with the session lock held.
	Freed func(ctx context.Context, t registry.Ticket)
	// Captured is told about a tap capture started by the sweeper.
	Captured func(ctx context.Context, sessionID string, res strategy.Result)
	// CaptureFailed is told about a tap capture that failed to start.
	CaptureFailed func(ctx context.Context, t registry.Ticket, err error)
	// Dropped is told about tickets discarded or expired.
	Dropped func(t registry.Ticket, outcome Outcome)
	// Swept observes every per-ticket outcome.
	Swept func(outcome Outcome)
}

// Config controls the sweep cadence.
type Config struct {
	Interval    time.Duration
	Concurrency int
	TicketTTL   time.Duration
	// MaxTapAttempts bounds tap captures per ticket. Once reached the
	// ticket is left alone until it is freed or expires.
	MaxTapAttempts int
}

// Stats counts outcomes since start.
type Stats struct {
	Sweeps    int64            `json:"sweeps"`
	Outcomes  map[string]int64 `json:"outcomes"`
	LastSweep time.Time        `json:"last_sweep"`
}

// Sweeper periodically resolves outstanding tickets.
type Sweeper struct {
	transport ari.Transport
	reg       *registry.Registry
	selector  *strategy.Selector
	hooks     Hooks
	cfg       Config
	now       func() time.Time

	sweeps   atomic.Int64
	mu       sync.Mutex
	outcomes map[Outcome]int64
	last     time.Time

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New creates a sweeper. Zero config fields take defaults: a 2s
// interval, 8 concurrent tickets, a 10m ticket TTL and 3 tap attempts.
func New(transport ari.Transport, reg *registry.Registry, selector *strategy.Selector, hooks Hooks, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 10 * time.Minute
	}
	if cfg.MaxTapAttempts <= 0 {
		cfg.MaxTapAttempts = 3
	}
	return &Sweeper{
		transport: transport,
		reg:       reg,
		selector:  selector,
		hooks:     hooks,
		cfg:       cfg,
		now:       time.Now,
		outcomes:  make(map[Outcome]int64),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop in the background until Stop or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

// Stop ends the loop and waits for an in-progress sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("[Sweeper] Started", "interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			slog.Info("[Sweeper] Stopped")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-s.stopCh:
					cancel()
				case <-sweepCtx.Done():
				}
			}()
			s.SweepOnce(sweepCtx)
			cancel()
		}
	}
}

// SweepOnce processes a snapshot of outstanding tickets, at most
// Concurrency at a time, and returns the outcome per channel.
func (s *Sweeper) SweepOnce(ctx context.Context) map[string]Outcome {
	tickets := s.reg.Tickets()
	s.sweeps.Add(1)

	results := make(map[string]Outcome, len(tickets))
	if len(tickets) == 0 {
		s.markSwept()
		return results
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	g, gCtx := errgroup.WithContext(ctx)
	var resMu sync.Mutex

	for _, t := range tickets {
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			outcome := s.sweepTicket(gCtx, t)
			resMu.Lock()
			results[t.ChannelID] = outcome
			resMu.Unlock()
			s.count(outcome)
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("[Sweeper] Sweep interrupted", "error", err)
	}
	s.markSwept()

	if n := len(results); n > 0 {
		slog.Debug("[Sweeper] Sweep complete", "tickets", len(tickets), "processed", n)
	}
	return results
}

func (s *Sweeper) sweepTicket(ctx context.Context, t registry.Ticket) Outcome {
	_, unlock := s.reg.LockSession(t.ChannelID)
	defer unlock()

	// The event path may have consumed it while we waited for the lock.
	current, ok := s.reg.PeekTicket(t.ChannelID)
	if !ok {
		return OutcomeRaced
	}

	if _, err := s.transport.GetChannel(ctx, t.ChannelID); err != nil {
		if !ari.IsIrrecoverable(err) {
			slog.Debug("[Sweeper] Channel lookup failed", "channel_id", t.ChannelID, "error", err)
			return OutcomeError
		}
		return s.drop(current, OutcomeDiscarded)
	}

	b, err := s.transport.GetBridge(ctx, current.BridgeID)
	switch {
	case err != nil && !ari.IsNotFound(err):
		slog.Debug("[Sweeper] Bridge lookup failed", "bridge_id", current.BridgeID, "error", err)
		return OutcomeError
	case err != nil || !b.Contains(t.ChannelID):
		taken, ok := s.reg.TakeTicket(t.ChannelID)
		if !ok {
			return OutcomeRaced
		}
		slog.Info("[Sweeper] Channel freed without event",
			"channel_id", t.ChannelID,
			"bridge_id", current.BridgeID,
			"bridge_exists", err == nil,
		)
		if s.hooks.Freed != nil {
			s.hooks.Freed(ctx, taken)
		}
		return OutcomeFreed
	}

	if current.Age(s.now()) > s.cfg.TicketTTL {
		return s.drop(current, OutcomeExpired)
	}

	if current.TapID != "" || s.selector == nil || current.TapFailures >= s.cfg.MaxTapAttempts {
		return OutcomeKept
	}
	return s.tap(ctx, current)
}

func (s *Sweeper) tap(ctx context.Context, t registry.Ticket) Outcome {
	facts, err := s.selector.Inspect(ctx, t.SessionID, t.ChannelID)
	if err != nil {
		return OutcomeError
	}
	facts.TapNow = true
	d := strategy.Decide(facts)
	if d.Kind != strategy.KindTap {
		return OutcomeKept
	}

	res, err := s.selector.Capture(ctx, t.SessionID, d)
	if err != nil {
		failures := s.reg.NoteTapFailure(t.ChannelID)
		slog.Warn("[Sweeper] Tap capture failed",
			"channel_id", t.ChannelID,
			"session_id", t.SessionID,
			"failures", failures,
			"max_attempts", s.cfg.MaxTapAttempts,
			"error", err,
		)
		t.TapFailures = failures
		if s.hooks.CaptureFailed != nil {
			s.hooks.CaptureFailed(ctx, t, err)
		}
		return OutcomeTapFailed
	}
	s.reg.MarkTapped(t.ChannelID, res.TapID)
	slog.Info("[Sweeper] Trapped channel tapped",
		"channel_id", t.ChannelID,
		"bridge_id", t.BridgeID,
		"tap_id", res.TapID,
		"recording", res.Handle,
	)
	if s.hooks.Captured != nil {
		s.hooks.Captured(ctx, t.SessionID, res)
	}
	return OutcomeTapped
}

func (s *Sweeper) drop(t registry.Ticket, outcome Outcome) Outcome {
	taken, ok := s.reg.TakeTicket(t.ChannelID)
	if !ok {
		return OutcomeRaced
	}
	if outcome == OutcomeExpired {
		err := &strategy.AmbiguousCorrelationError{ChannelID: t.ChannelID, Tried: []string{"bridge " + t.BridgeID}}
		slog.Warn("[Sweeper] Ticket expired", "channel_id", t.ChannelID, "age", taken.Age(s.now()).String(), "error", err)
	} else {
		slog.Info("[Sweeper] Ticket discarded, channel gone", "channel_id", t.ChannelID, "bridge_id", t.BridgeID)
	}
	if s.hooks.Dropped != nil {
		s.hooks.Dropped(taken, outcome)
	}
	return outcome
}

func (s *Sweeper) count(o Outcome) {
	s.mu.Lock()
	s.outcomes[o]++
	s.mu.Unlock()
	if s.hooks.Swept != nil {
		s.hooks.Swept(o)
	}
}

func (s *Sweeper) markSwept() {
	s.mu.Lock()
	s.last = s.now()
	s.mu.Unlock()
}

// Stats returns counters since start.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Sweeps: s.sweeps.Load(), Outcomes: make(map[string]int64, len(s.outcomes)), LastSweep: s.last}
	for o, n := range s.outcomes {
		st.Outcomes[o.String()] = n
	}
	return st
}
