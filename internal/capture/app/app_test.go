package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callcapture/internal/capture/api"
	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/ari/aritest"
	"github.com/sebas/callcapture/internal/capture/config"
	"github.com/sebas/callcapture/internal/capture/registry"
)

// scriptedSource delivers frames pushed by the test until cancelled.
type scriptedSource struct {
	frames chan []byte
}

func (s *scriptedSource) Run(ctx context.Context, handler ari.EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-s.frames:
			handler(raw)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "capture.db")
	cfg.GRPC.Addr = ""
	cfg.Capture.DialEnabled = false
	cfg.Capture.VerifyDelay = time.Millisecond
	cfg.Pump.PollInterval = time.Millisecond
	cfg.Pump.ReadyTimeout = 20 * time.Millisecond
	cfg.Pump.ReadyInterval = time.Millisecond
	cfg.Sweeper.Interval = 10 * time.Millisecond
	return cfg
}

func frame(t *testing.T, kind string, ch ari.Channel) []byte {
	raw, err := json.Marshal(map[string]any{
		"type":        kind,
		"application": "audio-bridge",
		"timestamp":   time.Now().Format("2006-01-02T15:04:05.000-0700"),
		"channel":     ch,
	})
	require.NoError(t, err)
	return raw
}

func TestCaptureOrchestratorEndToEnd(t *testing.T) {
	fake := aritest.New()
	src := &scriptedSource{frames: make(chan []byte, 8)}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c, err := New(testConfig(t), WithTransport(fake), WithEventSource(src), WithAPIListener(ln))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	ch := ari.Channel{ID: "C1", Name: "PJSIP/100-C1", State: ari.StateUp, Dialplan: ari.Dialplan{Context: "from-internal"}}
	fake.AddChannel(ch)
	src.frames <- frame(t, "StasisStart", ch)

	var sessionID string
	require.Eventually(t, func() bool {
		s, ok := c.Registry().LookupBySessionOrChannel("C1")
		sessionID = s.ID
		return ok && s.State == registry.CaptureCapturing
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fake.Count(aritest.OpStartCapture))

	base := "http://" + ln.Addr().String()
	var live []map[string]any
	getJSON(t, base+"/api/v1/sessions", &live)
	require.Len(t, live, 1)
	assert.Equal(t, sessionID, live[0]["id"])

	fake.RemoveChannel("C1")
	src.frames <- frame(t, "ChannelDestroyed", ch)
	require.Eventually(t, func() bool {
		_, ok := c.Registry().LookupBySessionOrChannel(sessionID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	var past struct {
		Live bool `json:"live"`
		Call struct {
			Status string `json:"status"`
		} `json:"call"`
	}
	require.Eventually(t, func() bool {
		return fetchJSON(base+"/api/v1/sessions/"+sessionID, &past) == nil && past.Call.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, past.Live)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestPollingModeDrivesCapture(t *testing.T) {
	fake := aritest.New()
	cfg := testConfig(t)
	cfg.Store.Path = ""
	cfg.Feed.Mode = config.FeedPolling
	cfg.Feed.PollInterval = 5 * time.Millisecond

	c, err := New(cfg, WithTransport(fake))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.IsType(t, &ari.Poller{}, c.source)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Start(ctx) }()

	fake.AddChannel(ari.Channel{
		ID:       "C1",
		Name:     "PJSIP/100-C1",
		State:    ari.StateUp,
		Dialplan: ari.Dialplan{Context: "from-internal", AppName: "Stasis", AppData: "audio-bridge"},
	})

	var sessionID string
	require.Eventually(t, func() bool {
		s, ok := c.Registry().LookupBySessionOrChannel("C1")
		sessionID = s.ID
		return ok && s.State == registry.CaptureCapturing
	}, 2*time.Second, 5*time.Millisecond)

	fake.RemoveChannel("C1")
	require.Eventually(t, func() bool {
		_, ok := c.Registry().LookupBySessionOrChannel(sessionID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseReleasesLiveSessions(t *testing.T) {
	fake := aritest.New()
	cfg := testConfig(t)
	cfg.Store.Path = ""
	c, err := New(cfg, WithTransport(fake), WithEventSource(&scriptedSource{frames: make(chan []byte)}))
	require.NoError(t, err)

	_, _, err = c.Registry().UpsertChannelSeen("C7", registry.ChannelMeta{Name: "PJSIP/100-C7"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, ok := c.Registry().LookupBySessionOrChannel("C7")
	assert.False(t, ok)
}

func TestFanoutExposesSDP(t *testing.T) {
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	cfg := testConfig(t)
	cfg.RTP.Fanout = sink.LocalAddr().String()
	cfg.RTP.Advertise = "127.0.0.1"
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c, err := New(cfg, WithTransport(aritest.New()), WithEventSource(&scriptedSource{frames: make(chan []byte)}), WithAPIListener(ln))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Start(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(fmt.Sprintf("http://%s/api/v1/stream/sdp", ln.Addr()))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/sdp", resp.Header.Get("Content-Type"))
}

func TestIngestEndpointWired(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.IngestToken = "s3cret"
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c, err := New(cfg, WithTransport(aritest.New()), WithEventSource(&scriptedSource{frames: make(chan []byte)}), WithAPIListener(ln))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Start(ctx) }()

	url := fmt.Sprintf("http://%s/api/stream/audio/ext-1", ln.Addr())
	var resp *http.Response
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader("pcm-bytes!"))
		req.Header.Set(api.IngestTokenHeader, "s3cret")
		resp, err = http.DefaultClient.Do(req)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsUnknownExtractor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Extractors = []string{"astrology"}
	_, err := New(cfg, WithTransport(aritest.New()), WithEventSource(&scriptedSource{}))
	assert.Error(t, err)
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	require.NoError(t, fetchJSON(url, v))
}

func fetchJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
