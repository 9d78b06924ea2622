package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callcapture/internal/capture/broadcast"
	"github.com/sebas/callcapture/internal/capture/media"
	"github.com/sebas/callcapture/internal/capture/metrics"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/store"
	"github.com/sebas/callcapture/internal/capture/sweeper"
)

type fakePumps struct{ active map[string]bool }

func (p fakePumps) Active() []string {
	out := make([]string, 0, len(p.active))
	for id := range p.active {
		out = append(out, id)
	}
	return out
}

func (p fakePumps) Running(id string) bool { return p.active[id] }

type fakeSweeper struct{ stats sweeper.Stats }

func (f fakeSweeper) Stats() sweeper.Stats { return f.stats }

type fixture struct {
	reg  *registry.Registry
	sink *store.MemorySink
	hub  *broadcast.Hub
	srv  *Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	sink := store.NewMemorySink()
	hub := broadcast.NewHub(0)
	t.Cleanup(func() { _ = hub.Close() })

	srv := NewServer(Config{
		AuthToken: token,
		Sessions:  reg,
		History:   sink,
		Sweeper:   fakeSweeper{stats: sweeper.Stats{Sweeps: 3, Outcomes: map[string]int64{"freed": 1}}},
		Pumps:     fakePumps{active: map[string]bool{}},
		Stream:    hub,
		Metrics:   metrics.New().Handler(),
		SDP:       func() ([]byte, error) { return []byte("v=0\r\n"), nil },
	})
	return &fixture{reg: reg, sink: sink, hub: hub, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	rec := f.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestSessionsListAndLookup(t *testing.T) {
	f := newFixture(t, "")
	sid, created, err := f.reg.UpsertChannelSeen("C1", registry.ChannelMeta{Name: "PJSIP/100-0001"})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.reg.SetRoom(sid, "8600051"))

	rec := f.get(t, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, sid, list[0]["id"])
	assert.Equal(t, "8600051", list[0]["room"])
	assert.Equal(t, "none", list[0]["capture_state"])
	assert.Equal(t, true, list[0]["live"])

	// Channel ids resolve to their session.
	rec = f.get(t, "/api/v1/sessions/C1")
	require.Equal(t, http.StatusOK, rec.Code)
	var one map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, sid, one["id"])
}

func TestSessionLookupFallsBackToHistory(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.sink.RecordSessionStart(ctx, store.SessionMeta{SessionID: "old", CallID: "call-1", ChannelID: "C9", StartTime: time.Now()}))
	require.NoError(t, f.sink.RecordSessionStatus(ctx, "old", store.StatusCompleted, 3*time.Second))

	rec := f.get(t, "/api/v1/sessions/old")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Live bool             `json:"live"`
		Call store.CallRecord `json:"call"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Live)
	assert.Equal(t, "completed", body.Call.Status)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/sessions/missing").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/sessions/").Code)
}

func TestTickets(t *testing.T) {
	f := newFixture(t, "")
	sid, _, err := f.reg.UpsertChannelSeen("C2", registry.ChannelMeta{})
	require.NoError(t, err)
	require.True(t, f.reg.AddTicket(registry.Ticket{ChannelID: "C2", BridgeID: "B1", SessionID: sid}))

	rec := f.get(t, "/api/v1/tickets")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "C2", list[0]["channel_id"])
	assert.Equal(t, "B1", list[0]["bridge_id"])
}

func TestStats(t *testing.T) {
	f := newFixture(t, "")
	rec := f.get(t, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "registry")
	assert.Contains(t, body, "stream")
	sw, ok := body["sweeper"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, sw["sweeps"])
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t, "")
	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "callcapture_sessions_active")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStreamEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/v1/stream/sdp").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/v1/stream/sdp", "Authorization", "Bearer wrong").Code)

	rec := f.get(t, "/api/v1/stream/sdp", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/sdp", rec.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusOK, f.get(t, "/api/v1/stream/sdp?token=s3cret").Code)

	// Session endpoints stay open.
	assert.Equal(t, http.StatusOK, f.get(t, "/api/v1/sessions").Code)
}

func TestSDPWithoutFanout(t *testing.T) {
	srv := NewServer(Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream/sdp", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamWebsocketSubscribes(t *testing.T) {
	f := newFixture(t, "s3cret")
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream?session=abc&token=s3cret"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/stream", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := NewServer(Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

type chunkRecorder struct{ chunks []store.Chunk }

func (c *chunkRecorder) PublishChunk(_ context.Context, chunk store.Chunk) error {
	c.chunks = append(c.chunks, chunk)
	return nil
}

func newIngestFixture(t *testing.T, token string) (*fixture, *chunkRecorder) {
	t.Helper()
	f := newFixture(t, "")
	pub := &chunkRecorder{}
	ing := NewIngester(media.NewProcessor("wav", 64), f.sink, pub)
	t.Cleanup(ing.Close)
	f.srv = NewServer(Config{Sessions: f.reg, IngestToken: token, Ingester: ing})
	return f, pub
}

func (f *fixture) ingest(t *testing.T, callID, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/stream/audio/"+callID, bytes.NewReader(body))
	if token != "" {
		req.Header.Set(IngestTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIngestRecordsAndPublishesChunks(t *testing.T) {
	f, pub := newIngestFixture(t, "s3cret")
	sid, _, err := f.reg.UpsertChannelSeen("C1", registry.ChannelMeta{})
	require.NoError(t, err)

	rec := f.ingest(t, "C1", "s3cret", make([]byte, 32))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "received", resp["status"])
	assert.Equal(t, sid, resp["session_id"])
	assert.Equal(t, float64(32), resp["size"])
	assert.Equal(t, float64(0), resp["chunk_index"])

	rec = f.ingest(t, "C1", "s3cret", make([]byte, 16))
	require.Equal(t, http.StatusOK, rec.Code)

	chunks := f.sink.Chunks(sid)
	require.Len(t, chunks, 2)
	assert.Equal(t, []int{0, 1}, []int{chunks[0].Index, chunks[1].Index})
	assert.Equal(t, IngestSource, chunks[0].Source)
	require.Len(t, pub.chunks, 2)
	assert.Equal(t, sid, pub.chunks[1].SessionID)
	assert.Len(t, pub.chunks[1].Data, 16)
}

func TestIngestUnknownCallUsesIDAsGiven(t *testing.T) {
	f, _ := newIngestFixture(t, "s3cret")

	rec := f.ingest(t, "external-42", "s3cret", []byte{1, 2})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.sink.Chunks("external-42"), 1)
}

func TestIngestRequiresToken(t *testing.T) {
	f, pub := newIngestFixture(t, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, f.ingest(t, "C1", "", []byte{1}).Code)
	assert.Equal(t, http.StatusUnauthorized, f.ingest(t, "C1", "s3cre", []byte{1}).Code)
	assert.Empty(t, pub.chunks)
}

func TestIngestRejectsBadBodies(t *testing.T) {
	f, pub := newIngestFixture(t, "s3cret")

	assert.Equal(t, http.StatusBadRequest, f.ingest(t, "C1", "s3cret", nil).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.ingest(t, "C1", "s3cret", make([]byte, 129)).Code)
	assert.Equal(t, http.StatusBadRequest, f.ingest(t, "", "s3cret", []byte{1}).Code)
	assert.Empty(t, pub.chunks)

	rec := f.get(t, "/api/stream/audio/C1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIngestDisabledWithoutToken(t *testing.T) {
	f, _ := newIngestFixture(t, "")
	assert.Equal(t, http.StatusNotFound, f.ingest(t, "C1", "anything", []byte{1}).Code)
}
