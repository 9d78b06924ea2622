package ari

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FeedConfig configures the live event feed.
type FeedConfig struct {
	URL      string
	Username string
	Password string
	// ReconnectBase is multiplied by the attempt number for the next delay.
	ReconnectBase time.Duration
	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
}

// Feed consumes the controller's websocket event stream and survives
// connection loss by reconnecting with a growing delay.
type Feed struct {
	cfg        FeedConfig
	dialer     *websocket.Dialer
	connected  atomic.Bool
	reconnects atomic.Int64
	frames     atomic.Int64
}

var _ EventSource = (*Feed)(nil)

// NewFeed creates a feed. Normalizes http(s) URLs to ws(s).
func NewFeed(cfg FeedConfig) *Feed {
	cfg.URL = websocketURL(cfg.URL)
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 10 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return &Feed{cfg: cfg, dialer: dialer}
}

// websocketURL maps http/https/bare host URLs to ws/wss.
func websocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	default:
		return "ws://" + raw
	}
}

// Connected reports whether a websocket session is currently open.
func (f *Feed) Connected() bool {
	return f.connected.Load()
}

// Reconnects returns how many times the feed has reconnected.
func (f *Feed) Reconnects() int64 {
	return f.reconnects.Load()
}

// Frames returns the number of frames delivered.
func (f *Feed) Frames() int64 {
	return f.frames.Load()
}

// Run connects and delivers frames until ctx is cancelled. Connection
// failures never end Run; they schedule a reconnect.
func (f *Feed) Run(ctx context.Context, handler EventHandler) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delivered, err := f.session(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			attempt = 0
		}
		attempt++
		f.reconnects.Add(1)

		delay := BackoffDelay(f.cfg.ReconnectBase, f.cfg.ReconnectMax, attempt)
		slog.Warn("[Feed] Event feed disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// BackoffDelay returns min(base*attempt, ceiling).
func BackoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// session runs one websocket connection and returns the number of
// frames it delivered.
func (f *Feed) session(ctx context.Context, handler EventHandler) (int64, error) {
	header := http.Header{}
	if f.cfg.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(f.cfg.Username + ":" + f.cfg.Password))
		header.Set("Authorization", "Basic "+token)
	}

	conn, resp, err := f.dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return 0, fmt.Errorf("dial %s: status %d: %w", f.cfg.URL, resp.StatusCode, err)
		}
		return 0, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}

	f.connected.Store(true)
	defer f.connected.Store(false)
	slog.Info("[Feed] Connected to event feed", "url", f.cfg.URL)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	var delivered int64
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return delivered, ErrFeedClosed
			}
			if errors.Is(err, context.Canceled) {
				return delivered, err
			}
			return delivered, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		delivered++
		f.frames.Add(1)
		handler(data)
	}
}
