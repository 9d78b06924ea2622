package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrCallNotFound is returned by history lookups for unknown sessions.
var ErrCallNotFound = errors.New("call not found")

// CallStatus is the persisted status of a session.
type CallStatus int

const (
	StatusInitiating CallStatus = iota
	StatusRinging
	StatusActive
	StatusCompleted
	StatusFailed
	StatusTransferred
)

var statusNames = [...]string{"initiating", "ringing", "active", "completed", "failed", "transferred"}

func (s CallStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("CallStatus(%d)", int(s))
	}
	return statusNames[s]
}

// IsFinal reports whether the call has ended.
func (s CallStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTransferred
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (CallStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return CallStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown call status %q", s)
}

// SessionMeta is written when a session is first seen.
type SessionMeta struct {
	SessionID    string
	CallID       string
	ChannelID    string
	CallerNumber string
	CalleeNumber string
	StartTime    time.Time
}

// StreamMeta describes one captured audio stream of a session.
type StreamMeta struct {
	StreamID   string
	SessionID  string
	Recording  string
	Format     string
	SampleRate int
	Channels   int
	StartTime  time.Time
}

// Chunk is one forwarded slice of captured audio.
type Chunk struct {
	SessionID string
	StreamID  string
	Index     int
	Source    string
	Data      []byte
	Time      time.Time
}

// CallRecord is the persisted view of a session.
type CallRecord struct {
	SessionID    string        `json:"session_id"`
	CallID       string        `json:"call_id"`
	ChannelID    string        `json:"channel_id"`
	CallerNumber string        `json:"caller_number,omitempty"`
	CalleeNumber string        `json:"callee_number,omitempty"`
	Status       string        `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitempty"`
	Duration     time.Duration `json:"duration"`
	Chunks       int           `json:"chunks"`
}

// Sink receives persistence records. Implementations must be safe for
// concurrent use; every pump writes chunks from its own goroutine.
type Sink interface {
	RecordSessionStart(ctx context.Context, meta SessionMeta) error
	// RecordSessionStatus updates status; duration is zero when unknown.
	RecordSessionStatus(ctx context.Context, sessionID string, status CallStatus, duration time.Duration) error
	RecordStreamMeta(ctx context.Context, meta StreamMeta) error
	RecordChunk(ctx context.Context, chunk Chunk) error
	Close() error
}

// History is implemented by sinks that can answer lookups about
// sessions that have ended.
type History interface {
	Call(ctx context.Context, sessionID string) (CallRecord, error)
}

var (
	_ Sink    = (*LoggingSink)(nil)
	_ Sink    = (*MultiSink)(nil)
	_ Sink    = (*MemorySink)(nil)
	_ History = (*MemorySink)(nil)
)

// LoggingSink writes records to the log. Used when no database is set.
type LoggingSink struct {
	logger *slog.Logger
}

func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) RecordSessionStart(_ context.Context, meta SessionMeta) error {
	s.logger.Info("[Sink] Session started",
		"session_id", meta.SessionID,
		"call_id", meta.CallID,
		"channel_id", meta.ChannelID,
	)
	return nil
}

func (s *LoggingSink) RecordSessionStatus(_ context.Context, sessionID string, status CallStatus, duration time.Duration) error {
	s.logger.Info("[Sink] Session status",
		"session_id", sessionID,
		"status", status.String(),
		"duration", duration,
	)
	return nil
}

func (s *LoggingSink) RecordStreamMeta(_ context.Context, meta StreamMeta) error {
	s.logger.Info("[Sink] Stream started",
		"session_id", meta.SessionID,
		"stream_id", meta.StreamID,
		"recording", meta.Recording,
	)
	return nil
}

func (s *LoggingSink) RecordChunk(_ context.Context, chunk Chunk) error {
	s.logger.Debug("[Sink] Chunk",
		"session_id", chunk.SessionID,
		"stream_id", chunk.StreamID,
		"chunk_index", chunk.Index,
		"size", len(chunk.Data),
	)
	return nil
}

func (s *LoggingSink) Close() error { return nil }

// MultiSink writes to every sink and returns the last error.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) each(op string, fn func(Sink) error) error {
	var lastErr error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			lastErr = err
			slog.Warn("[Sink] One sink failed", "op", op, "error", err)
		}
	}
	return lastErr
}

func (m *MultiSink) RecordSessionStart(ctx context.Context, meta SessionMeta) error {
	return m.each("session_start", func(s Sink) error { return s.RecordSessionStart(ctx, meta) })
}

func (m *MultiSink) RecordSessionStatus(ctx context.Context, id string, status CallStatus, d time.Duration) error {
	return m.each("session_status", func(s Sink) error { return s.RecordSessionStatus(ctx, id, status, d) })
}

func (m *MultiSink) RecordStreamMeta(ctx context.Context, meta StreamMeta) error {
	return m.each("stream_meta", func(s Sink) error { return s.RecordStreamMeta(ctx, meta) })
}

func (m *MultiSink) RecordChunk(ctx context.Context, chunk Chunk) error {
	return m.each("chunk", func(s Sink) error { return s.RecordChunk(ctx, chunk) })
}

func (m *MultiSink) Close() error {
	return m.each("close", func(s Sink) error { return s.Close() })
}

// Call answers from the first sink that keeps history.
func (m *MultiSink) Call(ctx context.Context, sessionID string) (CallRecord, error) {
	for _, s := range m.sinks {
		if h, ok := s.(History); ok {
			return h.Call(ctx, sessionID)
		}
	}
	return CallRecord{}, ErrCallNotFound
}

// MemorySink keeps every record in memory.
type MemorySink struct {
	mu       sync.Mutex
	calls    map[string]*CallRecord
	streams  []StreamMeta
	chunks   []Chunk
	statuses map[string][]CallStatus
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		calls:    make(map[string]*CallRecord),
		statuses: make(map[string][]CallStatus),
	}
}

func (m *MemorySink) RecordSessionStart(_ context.Context, meta SessionMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[meta.SessionID]; ok {
		return nil
	}
	m.calls[meta.SessionID] = &CallRecord{
		SessionID:    meta.SessionID,
		CallID:       meta.CallID,
		ChannelID:    meta.ChannelID,
		CallerNumber: meta.CallerNumber,
		CalleeNumber: meta.CalleeNumber,
		Status:       StatusInitiating.String(),
		StartTime:    meta.StartTime,
	}
	return nil
}

func (m *MemorySink) RecordSessionStatus(_ context.Context, id string, status CallStatus, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = append(m.statuses[id], status)
	if rec, ok := m.calls[id]; ok {
		rec.Status = status.String()
		if d > 0 {
			rec.Duration = d
		}
		if status.IsFinal() {
			rec.EndTime = time.Now()
		}
	}
	return nil
}

func (m *MemorySink) RecordStreamMeta(_ context.Context, meta StreamMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, meta)
	return nil
}

func (m *MemorySink) RecordChunk(_ context.Context, chunk Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk.Data = append([]byte(nil), chunk.Data...)
	m.chunks = append(m.chunks, chunk)
	if rec, ok := m.calls[chunk.SessionID]; ok {
		rec.Chunks++
	}
	return nil
}

func (m *MemorySink) Close() error { return nil }

func (m *MemorySink) Call(_ context.Context, sessionID string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[sessionID]
	if !ok {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrCallNotFound, sessionID)
	}
	return *rec, nil
}

// Chunks returns the recorded chunks of a session in arrival order.
func (m *MemorySink) Chunks(sessionID string) []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Chunk
	for _, c := range m.chunks {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// Streams returns the recorded stream metadata of a session.
func (m *MemorySink) Streams(sessionID string) []StreamMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StreamMeta
	for _, s := range m.streams {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out
}

// Statuses returns the status history of a session.
func (m *MemorySink) Statuses(sessionID string) []CallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallStatus(nil), m.statuses[sessionID]...)
}

// Sessions returns the ids of all recorded sessions, sorted.
func (m *MemorySink) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
