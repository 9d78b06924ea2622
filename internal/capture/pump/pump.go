// Package pump streams captured audio out of the controller while a
// capture is live. One Pump runs per session; the Supervisor starts,
// tracks and stops them.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/media"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/retry"
	"github.com/sebas/callcapture/internal/capture/store"
)

// Source is the part of the controller a pump reads from.
type Source interface {
	CaptureState(ctx context.Context, name string) (*ari.LiveRecording, error)
	CaptureSnapshot(ctx context.Context, name string) ([]byte, error)
}

// HandleIndex resolves a capture handle to the session holding it.
type HandleIndex interface {
	SessionByHandle(handle string) (registry.Session, bool)
}

// ChunkPublisher receives every processed chunk, e.g. the websocket
// hub or the RTP fan-out.
type ChunkPublisher interface {
	PublishChunk(ctx context.Context, chunk store.Chunk) error
}

var (
	_ Source      = (ari.Transport)(nil)
	_ HandleIndex = (*registry.Registry)(nil)
)

// StopReason is why a pump ended.
type StopReason int

const (
	// ReasonHandleCleared: the session no longer holds the capture handle.
	ReasonHandleCleared StopReason = iota
	// ReasonIdle: too many consecutive polls returned no new audio.
	ReasonIdle
	// ReasonTerminal: the controller reported the capture finished or failed.
	ReasonTerminal
	// ReasonCancelled: the pump was stopped.
	ReasonCancelled
)

var reasonNames = map[StopReason]string{
	ReasonHandleCleared: "handle_cleared",
	ReasonIdle:          "idle",
	ReasonTerminal:      "terminal",
	ReasonCancelled:     "cancelled",
}

func (r StopReason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "unknown"
}

// Config controls polling cadence and chunk shape.
type Config struct {
	PollInterval    time.Duration
	MaxEmpty        int
	ReadyTimeout    time.Duration
	ReadyInterval   time.Duration
	StateCheckEvery int

	Format     string
	SampleRate int
	Channels   int
	ChunkSize  int
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    100 * time.Millisecond,
		MaxEmpty:        20,
		ReadyTimeout:    5 * time.Second,
		ReadyInterval:   500 * time.Millisecond,
		StateCheckEvery: 10,
		Format:          "wav",
		SampleRate:      8000,
		Channels:        1,
		ChunkSize:       4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxEmpty <= 0 {
		c.MaxEmpty = d.MaxEmpty
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = d.ReadyInterval
	}
	if c.StateCheckEvery <= 0 {
		c.StateCheckEvery = d.StateCheckEvery
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	return c
}

// Spec identifies the capture a pump follows.
type Spec struct {
	SessionID string
	Handle    string
	// Source labels chunks: channel, bridge or tap.
	Source string
}

// Result summarizes a finished pump.
type Result struct {
	SessionID string
	Handle    string
	StreamID  string
	Chunks    int
	Bytes     int64
	Rejected  int
	Reason    StopReason
	Duration  time.Duration
}

var errTerminal = errors.New("capture reached terminal state")

// Pump forwards one capture's audio as indexed chunks.
type Pump struct {
	cfg     Config
	spec    Spec
	src     Source
	handles HandleIndex
	sink    store.Sink
	pubs    []ChunkPublisher
	proc    *media.Processor
	now     func() time.Time

	streamID string
	index    int
	offset   int
	bytes    int64
	rejected int
	onChunk  func(store.Chunk)
}

func newPump(cfg Config, spec Spec, src Source, handles HandleIndex, sink store.Sink, pubs []ChunkPublisher, proc *media.Processor) *Pump {
	return &Pump{
		cfg:      cfg,
		spec:     spec,
		src:      src,
		handles:  handles,
		sink:     sink,
		pubs:     pubs,
		proc:     proc,
		now:      time.Now,
		streamID: uuid.NewString(),
	}
}

// Run pumps until the capture ends, then returns a summary. Errors are
// local to the session and only logged.
func (p *Pump) Run(ctx context.Context) Result {
	started := p.now()
	res := Result{Reason: p.run(ctx)}
	res.SessionID = p.spec.SessionID
	res.Handle = p.spec.Handle
	res.StreamID = p.streamID
	res.Chunks = p.index
	res.Bytes = p.bytes
	res.Rejected = p.rejected
	res.Duration = p.now().Sub(started)
	p.proc.Forget(p.streamID)

	slog.Info("[Pump] Stopped",
		"session_id", res.SessionID,
		"recording", res.Handle,
		"reason", res.Reason.String(),
		"chunks", res.Chunks,
		"bytes", res.Bytes,
	)
	return res
}

func (p *Pump) run(ctx context.Context) StopReason {
	if err := p.waitReady(ctx); err != nil {
		switch {
		case ctx.Err() != nil:
			return ReasonCancelled
		case errors.Is(err, errTerminal):
			return ReasonTerminal
		}
		// Snapshot polling below still bounds how long we wait.
		slog.Warn("[Pump] Capture not ready, polling anyway",
			"session_id", p.spec.SessionID,
			"recording", p.spec.Handle,
			"error", err,
		)
	}

	p.recordStreamMeta(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	empty := 0
	sinceCheck := 0
	for {
		if ctx.Err() != nil {
			return ReasonCancelled
		}
		if !p.holdsHandle() {
			return ReasonHandleCleared
		}

		n := p.poll(ctx)
		if n == 0 {
			empty++
			if empty >= p.cfg.MaxEmpty {
				return ReasonIdle
			}
		} else {
			empty = 0
			sinceCheck += n
			if sinceCheck >= p.cfg.StateCheckEvery {
				sinceCheck = 0
				if p.terminal(ctx) {
					p.poll(ctx)
					return ReasonTerminal
				}
			}
		}

		select {
		case <-ctx.Done():
			return ReasonCancelled
		case <-ticker.C:
		}
	}
}

func (p *Pump) holdsHandle() bool {
	s, ok := p.handles.SessionByHandle(p.spec.Handle)
	return ok && s.ID == p.spec.SessionID
}

// readyPolicy doubles the wait from ReadyInterval up to four times it.
// The attempt count is an upper bound; ReadyTimeout ends the wait.
func (c Config) readyPolicy() retry.Policy {
	return retry.Policy{
		Interval:    c.ReadyInterval,
		MaxAttempts: retry.Attempts(c.ReadyTimeout, c.ReadyInterval),
		Multiplier:  2,
		MaxInterval: 4 * c.ReadyInterval,
	}
}

func (p *Pump) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()
	policy := p.cfg.readyPolicy()
	policy.Terminal = func(err error) bool {
		return errors.Is(err, errTerminal)
	}
	return retry.Poll(ctx, policy, func(ctx context.Context) (bool, error) {
		rec, err := p.src.CaptureState(ctx, p.spec.Handle)
		if err != nil {
			return false, err
		}
		switch {
		case rec.State.IsTerminal():
			return true, fmt.Errorf("%w: %s", errTerminal, rec.State)
		case rec.State == ari.RecordingQueued:
			return false, nil
		}
		return true, nil
	})
}

// terminal re-checks the capture state. Lookup errors count as live.
func (p *Pump) terminal(ctx context.Context) bool {
	rec, err := p.src.CaptureState(ctx, p.spec.Handle)
	if err != nil {
		return false
	}
	return rec.State.IsTerminal()
}

// poll reads one snapshot and publishes the new audio in it. It
// returns the number of chunks published.
func (p *Pump) poll(ctx context.Context) int {
	snapshot, err := p.src.CaptureSnapshot(ctx, p.spec.Handle)
	if err != nil {
		if !ari.IsNotReady(err) {
			slog.Debug("[Pump] Snapshot failed",
				"session_id", p.spec.SessionID,
				"recording", p.spec.Handle,
				"error", err,
			)
		}
		return 0
	}
	if len(snapshot) == 0 {
		return 0
	}

	delta, offset := p.proc.Delta(p.streamID, snapshot, p.offset)
	p.offset = offset

	published := 0
	for _, piece := range media.Split(delta, p.cfg.ChunkSize) {
		pcm, err := p.proc.Process(piece)
		if err != nil {
			p.rejected++
			slog.Warn("[Pump] Chunk rejected",
				"session_id", p.spec.SessionID,
				"size", len(piece),
				"error", err,
			)
			continue
		}
		p.publish(ctx, pcm)
		published++
	}
	return published
}

func (p *Pump) publish(ctx context.Context, data []byte) {
	chunk := store.Chunk{
		SessionID: p.spec.SessionID,
		StreamID:  p.streamID,
		Index:     p.index,
		Source:    p.spec.Source,
		Data:      data,
		Time:      p.now(),
	}
	p.index++
	p.bytes += int64(len(data))

	if err := p.sink.RecordChunk(ctx, chunk); err != nil {
		slog.Warn("[Pump] Chunk not persisted",
			"session_id", chunk.SessionID,
			"index", chunk.Index,
			"error", err,
		)
	}
	for _, pub := range p.pubs {
		if err := pub.PublishChunk(ctx, chunk); err != nil {
			slog.Debug("[Pump] Chunk publish failed",
				"session_id", chunk.SessionID,
				"index", chunk.Index,
				"error", err,
			)
		}
	}
	if p.onChunk != nil {
		p.onChunk(chunk)
	}
}

func (p *Pump) recordStreamMeta(ctx context.Context) {
	meta := store.StreamMeta{
		StreamID:   p.streamID,
		SessionID:  p.spec.SessionID,
		Recording:  p.spec.Handle,
		Format:     p.cfg.Format,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		StartTime:  p.now(),
	}
	if err := p.sink.RecordStreamMeta(ctx, meta); err != nil {
		slog.Warn("[Pump] Stream metadata not persisted",
			"session_id", meta.SessionID,
			"stream_id", meta.StreamID,
			"error", err,
		)
	}
	slog.Info("[Pump] Streaming",
		"session_id", meta.SessionID,
		"recording", meta.Recording,
		"stream_id", meta.StreamID,
	)
}
