package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"

	"github.com/sebas/callcapture/internal/capture/store"
)

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// RTPStreamWriter packetizes encoded audio for one destination. Unlike
// a live call leg it is not clock paced: chunks arrive in bursts from
// the pump and the receiver reorders by timestamp.
type RTPStreamWriter struct {
	conn   net.PacketConn
	remote net.Addr
	codec  Codec

	mu        sync.Mutex
	ssrc      uint32
	seq       uint16
	timestamp uint32
	marker    bool
	closed    bool
	packets   uint64
}

// NewRTPStreamWriter creates a writer sending to remote over conn.
func NewRTPStreamWriter(conn net.PacketConn, remote net.Addr, codec Codec) *RTPStreamWriter {
	return &RTPStreamWriter{
		conn:      conn,
		remote:    remote,
		codec:     codec,
		ssrc:      randomUint32(),
		seq:       uint16(randomUint32()),
		timestamp: randomUint32(),
		marker:    true,
	}
}

// WriteFrames splits payload into codec frames and sends one packet per
// frame. The first packet of a stream carries the marker bit.
func (w *RTPStreamWriter) WriteFrames(payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, net.ErrClosed
	}

	sent := 0
	for _, frame := range Split(payload, w.codec.BytesPerFrame()) {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         w.marker,
				PayloadType:    w.codec.PayloadType,
				SequenceNumber: w.seq,
				Timestamp:      w.timestamp,
				SSRC:           w.ssrc,
			},
			Payload: frame,
		}
		data, err := pkt.Marshal()
		if err != nil {
			return sent, err
		}
		if _, err := w.conn.WriteTo(data, w.remote); err != nil {
			return sent, err
		}
		w.marker = false
		w.seq++
		w.timestamp += uint32(len(frame) / max(w.codec.Channels, 1))
		w.packets++
		sent++
	}
	return sent, nil
}

// SSRC returns the stream's synchronization source.
func (w *RTPStreamWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// Packets returns the number of packets sent.
func (w *RTPStreamWriter) Packets() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Close marks the writer closed. The connection is owned by the caller.
func (w *RTPStreamWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// RTPFanout mirrors captured chunks as RTP to fixed destinations, one
// stream per session and destination.
type RTPFanout struct {
	conn    net.PacketConn
	dests   []net.Addr
	codec   Codec
	ownConn bool

	mu      sync.Mutex
	writers map[string][]*RTPStreamWriter
}

// NewRTPFanout resolves dests (host:port) and opens a UDP socket when
// conn is nil.
func NewRTPFanout(conn net.PacketConn, dests []string, codec Codec) (*RTPFanout, error) {
	f := &RTPFanout{codec: codec, writers: make(map[string][]*RTPStreamWriter)}
	for _, d := range dests {
		addr, err := net.ResolveUDPAddr("udp", d)
		if err != nil {
			return nil, fmt.Errorf("resolve fan-out destination %s: %w", d, err)
		}
		f.dests = append(f.dests, addr)
	}
	if conn == nil {
		c, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, fmt.Errorf("open fan-out socket: %w", err)
		}
		conn = c
		f.ownConn = true
	}
	f.conn = conn
	return f, nil
}

// Codec returns the payload format sent.
func (f *RTPFanout) Codec() Codec { return f.codec }

// LocalAddr returns the sending socket address.
func (f *RTPFanout) LocalAddr() net.Addr { return f.conn.LocalAddr() }

// PublishChunk encodes a linear PCM chunk and sends it to every destination.
func (f *RTPFanout) PublishChunk(_ context.Context, chunk store.Chunk) error {
	if len(f.dests) == 0 || len(chunk.Data) == 0 {
		return nil
	}
	payload := f.codec.Encode(chunk.Data)

	var errs []error
	for _, w := range f.streams(chunk.SessionID) {
		if _, err := w.WriteFrames(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *RTPFanout) streams(sessionID string) []*RTPStreamWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.writers[sessionID]
	if !ok {
		ws = make([]*RTPStreamWriter, len(f.dests))
		for i, d := range f.dests {
			ws[i] = NewRTPStreamWriter(f.conn, d, f.codec)
		}
		f.writers[sessionID] = ws
		slog.Debug("[Media] RTP fan-out streams opened", "session_id", sessionID, "destinations", len(ws))
	}
	return ws
}

// EndSession closes the session's streams.
func (f *RTPFanout) EndSession(sessionID string) {
	f.mu.Lock()
	ws := f.writers[sessionID]
	delete(f.writers, sessionID)
	f.mu.Unlock()
	for _, w := range ws {
		_ = w.Close()
	}
}

// Close ends all streams and closes a socket the fan-out opened.
func (f *RTPFanout) Close() error {
	f.mu.Lock()
	all := f.writers
	f.writers = make(map[string][]*RTPStreamWriter)
	f.mu.Unlock()
	for _, ws := range all {
		for _, w := range ws {
			_ = w.Close()
		}
	}
	if f.ownConn {
		return f.conn.Close()
	}
	return nil
}
