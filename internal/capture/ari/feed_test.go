package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base, ceiling := 10*time.Second, 60*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{3, 30 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(base, ceiling, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://pbx:8088/ari/events", websocketURL("http://pbx:8088/ari/events"))
	assert.Equal(t, "wss://pbx/ari/events", websocketURL("https://pbx/ari/events"))
	assert.Equal(t, "ws://pbx/ari/events", websocketURL("ws://pbx/ari/events"))
	assert.Equal(t, "ws://pbx:8088/ari/events", websocketURL("pbx:8088/ari/events"))
}

func TestFeedDeliversAndReconnects(t *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "asterisk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"StasisStart","seq":`+strconv.Itoa(int(n))+`}`))
		// Drop the connection to force a reconnect.
		_ = conn.Close()
	}))
	defer srv.Close()

	feed := NewFeed(FeedConfig{
		URL:           strings.Replace(srv.URL, "http://", "ws://", 1),
		Username:      "asterisk",
		Password:      "secret",
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var frames []string
	done := make(chan error, 1)
	go func() {
		done <- feed.Run(ctx, func(raw []byte) {
			mu.Lock()
			frames = append(frames, string(raw))
			n := len(frames)
			mu.Unlock()
			if n == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("feed did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 3)
	assert.GreaterOrEqual(t, connections.Load(), int32(3))
	assert.GreaterOrEqual(t, feed.Reconnects(), int64(2))
	assert.Equal(t, int64(3), feed.Frames())
	assert.False(t, feed.Connected())
}

func TestFeedStopsWhileDisconnected(t *testing.T) {
	feed := NewFeed(FeedConfig{
		URL:           "ws://127.0.0.1:1/ari/events",
		ReconnectBase: time.Hour,
		ReconnectMax:  time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := feed.Run(ctx, func([]byte) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
