package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NotificationType identifies an upward session notification.
type NotificationType string

const (
	SessionActive NotificationType = "session.active"
	SessionEnded  NotificationType = "session.ended"
	CaptureFailed NotificationType = "session.capture_failed"
)

// Notification tells dashboard-side consumers about a session change.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id"`
	ChannelID string           `json:"channel_id,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Time      time.Time        `json:"time"`
}

func newNotification(t NotificationType, sessionID, channelID, reason string) Notification {
	return Notification{
		ID:        uuid.New().String(),
		Type:      t,
		SessionID: sessionID,
		ChannelID: channelID,
		Reason:    reason,
		Time:      time.Now(),
	}
}

// NewSessionActive builds an onSessionActive notification.
func NewSessionActive(sessionID, channelID string) Notification {
	return newNotification(SessionActive, sessionID, channelID, "")
}

// NewSessionEnded builds an onSessionEnded notification.
func NewSessionEnded(sessionID, channelID string) Notification {
	return newNotification(SessionEnded, sessionID, channelID, "")
}

// NewCaptureFailed builds an onCaptureFailed notification.
func NewCaptureFailed(sessionID, channelID, reason string) Notification {
	return newNotification(CaptureFailed, sessionID, channelID, reason)
}

// Publisher delivers notifications to upward consumers.
type Publisher interface {
	// Publish sends a notification. Errors are transport failures only.
	Publish(ctx context.Context, n Notification) error

	// PublishAsync sends without waiting. Some loss is acceptable.
	PublishAsync(n Notification)

	// Flush waits for pending async notifications.
	Flush(ctx context.Context) error

	Close() error
}

var (
	_ Publisher = (*NoopPublisher)(nil)
	_ Publisher = (*LoggingPublisher)(nil)
	_ Publisher = (*ChannelPublisher)(nil)
	_ Publisher = (*MultiPublisher)(nil)
)

// NoopPublisher discards everything.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (p *NoopPublisher) Publish(context.Context, Notification) error { return nil }
func (p *NoopPublisher) PublishAsync(Notification)                   {}
func (p *NoopPublisher) Flush(context.Context) error                 { return nil }
func (p *NoopPublisher) Close() error                                { return nil }

// LoggingPublisher logs notifications.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs at info level.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, n Notification) error {
	p.log(n)
	return nil
}

func (p *LoggingPublisher) PublishAsync(n Notification) { p.log(n) }

func (p *LoggingPublisher) log(n Notification) {
	attrs := []any{"type", n.Type, "session_id", n.SessionID}
	if n.ChannelID != "" {
		attrs = append(attrs, "channel_id", n.ChannelID)
	}
	if n.Reason != "" {
		attrs = append(attrs, "reason", n.Reason)
	}
	p.logger.Info("[Notify] Session notification", attrs...)
}

func (p *LoggingPublisher) Flush(context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                { return nil }

// ChannelPublisher publishes to a buffered channel and drops when full.
type ChannelPublisher struct {
	mu        sync.RWMutex
	ch        chan Notification
	closed    bool
	dropCount atomic.Int64
}

// NewChannelPublisher creates a publisher with the given buffer.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Notification, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, n Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	select {
	case p.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.drop(n)
		return nil
	}
}

func (p *ChannelPublisher) PublishAsync(n Notification) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- n:
	default:
		p.drop(n)
	}
}

// drop is called with the read lock held.
func (p *ChannelPublisher) drop(n Notification) {
	dropped := p.dropCount.Add(1)
	slog.Warn("[Notify] Notification dropped: buffer full",
		"type", n.Type,
		"session_id", n.SessionID,
		"dropped", dropped,
	)
}

func (p *ChannelPublisher) Flush(context.Context) error { return nil }

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Notifications returns the channel to consume from.
func (p *ChannelPublisher) Notifications() <-chan Notification {
	return p.ch
}

// DroppedCount returns how many notifications were dropped.
func (p *ChannelPublisher) DroppedCount() int64 {
	return p.dropCount.Load()
}

// MultiPublisher fans out to several publishers.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, n Notification) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, n); err != nil {
			lastErr = err
			slog.Warn("[Notify] One publisher failed", "error", err, "type", n.Type)
		}
	}
	return lastErr
}

func (p *MultiPublisher) PublishAsync(n Notification) {
	for _, pub := range p.publishers {
		pub.PublishAsync(n)
	}
}

func (p *MultiPublisher) Flush(ctx context.Context) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Flush(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *MultiPublisher) Close() error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
