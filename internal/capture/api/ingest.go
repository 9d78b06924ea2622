package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sebas/callcapture/internal/capture/media"
	"github.com/sebas/callcapture/internal/capture/store"
)

const (
	// IngestTokenHeader carries the ingest token.
	IngestTokenHeader = "X-Ingest-Token"
	// IngestSource labels chunks pushed over HTTP.
	IngestSource = "ingest"

	ingestPath     = "/api/stream/audio/"
	ingestIndexTTL = 10 * time.Minute
	// maxIngestBytes bounds the body before the processor's chunk limit.
	maxIngestBytes = 1 << 20
)

// ChunkPublisher receives every ingested chunk.
// Implemented by broadcast.Hub and media.RTPFanout.
type ChunkPublisher interface {
	PublishChunk(ctx context.Context, chunk store.Chunk) error
}

// Ingester turns audio pushed by an external media source into chunks:
// normalized by the processor, recorded in the sink and handed to the
// publishers. Chunk indexes count per call from 0 and reset after the
// call has been idle for ten minutes.
type Ingester struct {
	proc *media.Processor
	sink store.Sink
	pubs []ChunkPublisher

	mu      sync.Mutex
	indexes *store.TTLStore[string, int]
}

// NewIngester creates an ingester. sink may be nil.
func NewIngester(proc *media.Processor, sink store.Sink, pubs ...ChunkPublisher) *Ingester {
	return &Ingester{
		proc:    proc,
		sink:    sink,
		pubs:    pubs,
		indexes: store.NewTTLStore[string, int](time.Minute),
	}
}

// Ingest processes one pushed chunk for sessionID.
func (i *Ingester) Ingest(ctx context.Context, sessionID string, data []byte) (store.Chunk, error) {
	pcm, err := i.proc.Process(data)
	if err != nil {
		return store.Chunk{}, err
	}

	chunk := store.Chunk{
		SessionID: sessionID,
		StreamID:  IngestSource + "-" + sessionID,
		Index:     i.nextIndex(sessionID),
		Source:    IngestSource,
		Data:      pcm,
		Time:      time.Now(),
	}
	if i.sink != nil {
		if err := i.sink.RecordChunk(ctx, chunk); err != nil {
			return chunk, fmt.Errorf("record chunk: %w", err)
		}
	}
	for _, p := range i.pubs {
		if err := p.PublishChunk(ctx, chunk); err != nil {
			slog.Warn("[API] Failed to publish ingested chunk", "session_id", sessionID, "index", chunk.Index, "error", err)
		}
	}
	return chunk, nil
}

func (i *Ingester) nextIndex(sessionID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n, _ := i.indexes.Get(sessionID)
	i.indexes.Set(sessionID, n+1, ingestIndexTTL)
	return n
}

// Close stops the index cleanup.
func (i *Ingester) Close() {
	i.indexes.Close()
}

// handleIngest accepts POST /api/stream/audio/{call_id} with the raw
// audio as the body. The call id may name a live session or one of its
// channels; otherwise it is used as the session id as given.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.IngestToken == "" || s.cfg.Ingester == nil {
		http.Error(w, "Audio ingest not configured", http.StatusNotFound)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(IngestTokenHeader)), []byte(s.cfg.IngestToken)) != 1 {
		slog.Warn("[API] Rejected unauthorized audio ingest", "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	callID, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, ingestPath))
	if err != nil || callID == "" || strings.Contains(callID, "/") {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}
	sessionID := callID
	if s.cfg.Sessions != nil {
		if sess, ok := s.cfg.Sessions.LookupBySessionOrChannel(callID); ok {
			sessionID = sess.ID
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	chunk, err := s.cfg.Ingester.Ingest(r.Context(), sessionID, body)
	switch {
	case errors.Is(err, media.ErrEmptyChunk):
		http.Error(w, "Empty audio chunk", http.StatusBadRequest)
		return
	case errors.Is(err, media.ErrChunkTooLarge):
		http.Error(w, "Audio chunk too large", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		slog.Error("[API] Audio ingest failed", "call_id", callID, "error", err)
		http.Error(w, "Ingest failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"status":      "received",
		"call_id":     callID,
		"session_id":  sessionID,
		"size":        len(body),
		"chunk_index": chunk.Index,
	})
}
