package pump

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/sebas/callcapture/internal/capture/media"
	"github.com/sebas/callcapture/internal/capture/store"
)

// Hooks observe pump activity. Nil hooks are skipped.
type Hooks struct {
	Started func(spec Spec)
	Chunk   func(chunk store.Chunk)
	Exited  func(res Result)
}

type running struct {
	spec   Spec
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs at most one pump per session. Pumps outlive the
// caller's context; they end on their own, on Stop, or on StopAll.
type Supervisor struct {
	cfg     Config
	src     Source
	handles HandleIndex
	sink    store.Sink
	pubs    []ChunkPublisher
	proc    *media.Processor
	hooks   Hooks

	root   context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	pumps   map[string]*running
	stopped bool
}

// NewSupervisor creates a supervisor. Every chunk goes to sink and then
// to each publisher in order.
func NewSupervisor(cfg Config, src Source, handles HandleIndex, sink store.Sink, hooks Hooks, pubs ...ChunkPublisher) *Supervisor {
	cfg = cfg.withDefaults()
	root, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		src:     src,
		handles: handles,
		sink:    sink,
		pubs:    pubs,
		proc:    media.NewProcessor(cfg.Format, cfg.ChunkSize),
		hooks:   hooks,
		root:    root,
		cancel:  cancel,
		pumps:   make(map[string]*running),
	}
}

// Start launches a pump for spec. A pump already following the same
// handle is left alone and Start returns false; one following an older
// handle is cancelled and replaced.
func (s *Supervisor) Start(spec Spec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if cur, ok := s.pumps[spec.SessionID]; ok {
		if cur.spec.Handle == spec.Handle {
			return false
		}
		slog.Info("[Pump] Replacing pump for new capture",
			"session_id", spec.SessionID,
			"old_recording", cur.spec.Handle,
			"recording", spec.Handle,
		)
		cur.cancel()
	}

	ctx, cancel := context.WithCancel(s.root)
	r := &running{spec: spec, cancel: cancel, done: make(chan struct{})}
	s.pumps[spec.SessionID] = r

	p := newPump(s.cfg, spec, s.src, s.handles, s.sink, s.pubs, s.proc)
	p.onChunk = s.hooks.Chunk
	if s.hooks.Started != nil {
		s.hooks.Started(spec)
	}

	s.wg.Go(func() {
		defer close(r.done)
		defer cancel()
		res := p.Run(ctx)

		s.mu.Lock()
		if s.pumps[spec.SessionID] == r {
			delete(s.pumps, spec.SessionID)
		}
		s.mu.Unlock()

		if s.hooks.Exited != nil {
			s.hooks.Exited(res)
		}
	})
	return true
}

// Stop cancels the session's pump and waits for it to exit. It is a
// no-op when no pump is running.
func (s *Supervisor) Stop(sessionID string) {
	s.mu.Lock()
	r, ok := s.pumps[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// Running reports whether a pump is active for the session.
func (s *Supervisor) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pumps[sessionID]
	return ok
}

// Active lists sessions with a running pump.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pumps))
	for id := range s.pumps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopAll signals every pump to exit at its next poll boundary and
// waits for all of them. No pump starts afterwards.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.stopped = true
	n := len(s.pumps)
	s.mu.Unlock()

	s.cancel()
	if r := s.wg.WaitAndRecover(); r != nil {
		slog.Error("[Pump] Pump panicked", "error", r.AsError())
	}
	slog.Info("[Pump] All pumps stopped", "count", n)
}
