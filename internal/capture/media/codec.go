// Package media turns captured recording bytes into chunks: WAV header
// handling, G.711 conversion, chunk validation, and RTP fan-out of the
// captured audio with its SDP description.
package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/zaf/g711"
)

// Codec is an RTP audio payload format.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
	Channels    int
}

var (
	// CodecPCMU is G.711 µ-law.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}
	// CodecPCMA is G.711 A-law.
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}
)

// CodecByName looks up a codec by name or payload type number.
func CodecByName(name string) (Codec, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "PCMU", "0", "ULAW":
		return CodecPCMU, nil
	case "PCMA", "8", "ALAW":
		return CodecPCMA, nil
	}
	return Codec{}, fmt.Errorf("codec not supported: %s", name)
}

// SamplesPerFrame is 160 for 8 kHz at 20 ms.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame is the encoded payload size; G.711 is one byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement is the RTP clock advance per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// Encode converts 16-bit little-endian PCM to the codec's payload.
func (c Codec) Encode(pcm []byte) []byte {
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// Decode converts the codec's payload to 16-bit little-endian PCM.
func (c Codec) Decode(payload []byte) []byte {
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// Encoding is the sample format of captured audio.
type Encoding string

const (
	EncodingSLIN Encoding = "slin"
	EncodingULAW Encoding = "ulaw"
	EncodingALAW Encoding = "alaw"
)

// EncodingForFormat maps a capture file format to its sample encoding.
// wav and sln captures are 16-bit linear.
func EncodingForFormat(format string) Encoding {
	switch strings.ToLower(format) {
	case "ulaw", "pcmu", "mulaw":
		return EncodingULAW
	case "alaw", "pcma":
		return EncodingALAW
	}
	return EncodingSLIN
}
