package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrEmptyChunk    = errors.New("empty audio chunk")
	ErrChunkTooLarge = errors.New("audio chunk too large")
)

// Processor normalizes captured audio to 16-bit linear PCM and
// validates chunk sizes. It keeps per-stream state for the WAV header,
// which only appears in the first bytes of a capture.
type Processor struct {
	encoding  Encoding
	chunkSize int

	mu      sync.Mutex
	headers map[string]WAVInfo
}

// NewProcessor creates a processor for captures in format. chunkSize
// bounds accepted chunks at twice its value.
func NewProcessor(format string, chunkSize int) *Processor {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &Processor{
		encoding:  EncodingForFormat(format),
		chunkSize: chunkSize,
		headers:   make(map[string]WAVInfo),
	}
}

// ChunkSize returns the nominal chunk size.
func (p *Processor) ChunkSize() int { return p.chunkSize }

// Process validates one chunk and returns it as linear PCM.
func (p *Processor) Process(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyChunk
	}
	if len(data) > 2*p.chunkSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrChunkTooLarge, len(data), 2*p.chunkSize)
	}
	switch p.encoding {
	case EncodingULAW:
		return CodecPCMU.Decode(data), nil
	case EncodingALAW:
		return CodecPCMA.Decode(data), nil
	}
	return data, nil
}

// Delta returns the part of snapshot not yet seen for stream, given the
// previous offset. The WAV header is stripped on the first read. When
// the snapshot shrank (the capture restarted) reading starts over.
// The new offset is returned for the next call.
func (p *Processor) Delta(stream string, snapshot []byte, offset int) ([]byte, int) {
	if len(snapshot) < offset {
		slog.Debug("[Media] Capture restarted, resetting offset",
			"stream_id", stream,
			"offset", offset,
			"size", len(snapshot),
		)
		offset = 0
		p.mu.Lock()
		delete(p.headers, stream)
		p.mu.Unlock()
	}
	if offset == 0 && IsWAV(snapshot) {
		info, err := ParseWAVHeader(snapshot)
		if err != nil {
			// Header still being written.
			return nil, 0
		}
		p.mu.Lock()
		p.headers[stream] = info
		p.mu.Unlock()
		offset = info.DataOffset
	}
	if offset >= len(snapshot) {
		return nil, offset
	}
	return snapshot[offset:], len(snapshot)
}

// Header returns the WAV format seen for stream, if any.
func (p *Processor) Header(stream string) (WAVInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.headers[stream]
	return info, ok
}

// Forget drops per-stream state.
func (p *Processor) Forget(stream string) {
	p.mu.Lock()
	delete(p.headers, stream)
	p.mu.Unlock()
}

// Split cuts data into pieces of at most size bytes.
func Split(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		out = append(out, data[start:end])
	}
	return out
}
