package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/store"
	"github.com/sebas/callcapture/internal/capture/sweeper"
)

// SessionProvider exposes live session state.
// Implemented by registry.Registry.
type SessionProvider interface {
	List() []registry.Session
	LookupBySessionOrChannel(id string) (registry.Session, bool)
	Tickets() []registry.Ticket
	Stats() registry.Stats
}

// SweepProvider reports reconciliation progress.
// Implemented by sweeper.Sweeper.
type SweepProvider interface {
	Stats() sweeper.Stats
}

// PumpProvider reports running media stream pumps.
// Implemented by pump.Supervisor.
type PumpProvider interface {
	Active() []string
	Running(sessionID string) bool
}

// StreamProvider serves chunk subscribers.
// Implemented by broadcast.Hub.
type StreamProvider interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Clients() int
	Sent() int64
	Dropped() int64
}

// Config wires the server to its providers. Nil providers disable the
// endpoints that need them.
type Config struct {
	Addr string
	// AuthToken, when set, is required as a bearer token on the stream
	// endpoints.
	AuthToken string

	Sessions SessionProvider
	History  store.History
	Sweeper  SweepProvider
	Pumps    PumpProvider
	Stream   StreamProvider
	Metrics  http.Handler
	// SDP describes the RTP fan-out, if one is configured.
	SDP func() ([]byte, error)

	// IngestToken enables the audio ingest endpoint and must be sent in
	// its X-Ingest-Token header. Empty disables ingest.
	IngestToken string
	Ingester    *Ingester
}

// Server provides the HTTP API of the capture orchestrator.
type Server struct {
	cfg        Config
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, startTime: time.Now()}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Sessions and pending captures
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/v1/tickets", s.handleTickets)

	// Streams
	mux.HandleFunc("/api/v1/stream/sdp", s.requireToken(s.handleSDP))
	mux.HandleFunc("/ws/stream", s.requireToken(s.handleStream))
	mux.HandleFunc(ingestPath, s.handleIngest)

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run listens until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("[API] Shutdown incomplete", "error", err)
			return s.httpServer.Close()
		}
		return nil
	}
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	}
	if s.cfg.Sessions != nil {
		response["sessions"] = s.cfg.Sessions.Stats().Sessions
	}
	s.writeJSON(w, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"uptime": int64(time.Since(s.startTime).Seconds()),
	}
	if s.cfg.Sessions != nil {
		response["registry"] = s.cfg.Sessions.Stats()
	}
	if s.cfg.Sweeper != nil {
		response["sweeper"] = s.cfg.Sweeper.Stats()
	}
	if s.cfg.Pumps != nil {
		response["pumps_active"] = len(s.cfg.Pumps.Active())
	}
	if s.cfg.Stream != nil {
		response["stream"] = map[string]interface{}{
			"clients": s.cfg.Stream.Clients(),
			"sent":    s.cfg.Stream.Sent(),
			"dropped": s.cfg.Stream.Dropped(),
		}
	}
	s.writeJSON(w, response)
}

// --- Sessions ---

type sessionResponse struct {
	registry.Session
	Live       bool `json:"live"`
	PumpActive bool `json:"pump_active"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Sessions == nil {
		s.writeJSON(w, []interface{}{})
		return
	}

	sessions := s.cfg.Sessions.List()
	response := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		response = append(response, s.sessionView(sess))
	}
	s.writeJSON(w, response)
}

// handleSessionByID resolves a session or channel id against live
// state, then against persisted history.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if path == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}
	id, err := url.PathUnescape(path)
	if err != nil {
		http.Error(w, "Invalid session ID encoding", http.StatusBadRequest)
		return
	}

	if s.cfg.Sessions != nil {
		if sess, ok := s.cfg.Sessions.LookupBySessionOrChannel(id); ok {
			s.writeJSON(w, s.sessionView(sess))
			return
		}
	}

	if s.cfg.History != nil {
		rec, err := s.cfg.History.Call(r.Context(), id)
		switch {
		case err == nil:
			s.writeJSON(w, map[string]interface{}{
				"live": false,
				"call": rec,
			})
			return
		case !errors.Is(err, store.ErrCallNotFound):
			slog.Error("[API] History lookup failed", "session_id", id, "error", err)
			http.Error(w, "History unavailable", http.StatusInternalServerError)
			return
		}
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

func (s *Server) sessionView(sess registry.Session) sessionResponse {
	resp := sessionResponse{Session: sess, Live: true}
	if s.cfg.Pumps != nil {
		resp.PumpActive = s.cfg.Pumps.Running(sess.ID)
	}
	return resp
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Sessions == nil {
		s.writeJSON(w, []interface{}{})
		return
	}

	tickets := s.cfg.Sessions.Tickets()
	now := time.Now()
	response := make([]map[string]interface{}, 0, len(tickets))
	for _, t := range tickets {
		response = append(response, map[string]interface{}{
			"channel_id":  t.ChannelID,
			"bridge_id":   t.BridgeID,
			"session_id":  t.SessionID,
			"room":        t.Room,
			"tap_id":      t.TapID,
			"created_at":  t.CreatedAt.Format(time.RFC3339),
			"age_seconds": int(t.Age(now).Seconds()),
		})
	}
	s.writeJSON(w, response)
}

// --- Streams ---

func (s *Server) handleSDP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.SDP == nil {
		http.Error(w, "RTP fan-out not configured", http.StatusNotFound)
		return
	}
	body, err := s.cfg.SDP()
	if err != nil {
		slog.Error("[API] Failed to build SDP", "error", err)
		http.Error(w, "SDP unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	_, _ = w.Write(body)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stream == nil {
		http.Error(w, "Streaming not configured", http.StatusServiceUnavailable)
		return
	}
	s.cfg.Stream.ServeWS(w, r)
}

// requireToken rejects requests without the configured bearer token.
// Browsers cannot set headers on websocket upgrades, so the token is
// also accepted as the "token" query parameter.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthToken == "" {
		return next
	}
	want := []byte(s.cfg.AuthToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="callcapture"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
