package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"

	"github.com/sebas/callcapture/internal/capture/store"
)

func wavHeader(rate uint32, channels, bits uint16) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, channels)
	_ = binary.Write(&b, binary.LittleEndian, rate)
	_ = binary.Write(&b, binary.LittleEndian, rate*uint32(channels)*uint32(bits)/8)
	_ = binary.Write(&b, binary.LittleEndian, channels*bits/8)
	_ = binary.Write(&b, binary.LittleEndian, bits)
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	return b.Bytes()
}

func TestParseWAVHeader(t *testing.T) {
	hdr := wavHeader(8000, 1, 16)
	info, err := ParseWAVHeader(append(hdr, make([]byte, 100)...))
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), info.SampleRate)
	assert.Equal(t, uint16(1), info.NumChannels)
	assert.Equal(t, uint16(16), info.BitsPerSample)
	assert.Equal(t, 44, info.DataOffset)
	assert.Equal(t, 16000, info.BytesPerSecond())

	_, err = ParseWAVHeader([]byte("not audio at all"))
	assert.ErrorIs(t, err, ErrNotWAV)

	_, err = ParseWAVHeader(hdr[:30])
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestParseWAVHeaderSkipsExtraChunks(t *testing.T) {
	hdr := wavHeader(16000, 1, 16)
	// Insert a LIST chunk between fmt and data.
	var b bytes.Buffer
	b.Write(hdr[:36])
	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(4))
	b.WriteString("INFO")
	b.Write(hdr[36:])

	info, err := ParseWAVHeader(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 56, info.DataOffset)
}

func TestStripHeader(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	data, info, err := StripHeader(append(wavHeader(8000, 1, 16), payload...))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, uint32(8000), info.SampleRate)

	raw := []byte{9, 9, 9}
	data, _, err = StripHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, data)
}

func TestPCMDuration(t *testing.T) {
	assert.Equal(t, time.Second, PCMDuration(16000, 8000, 1, 16))
	assert.Equal(t, time.Duration(0), PCMDuration(100, 0, 1, 16))
}

func TestProcessorDelta(t *testing.T) {
	p := NewProcessor("wav", 4096)
	hdr := wavHeader(8000, 1, 16)

	// Header only partially written.
	delta, off := p.Delta("s1", hdr[:20], 0)
	assert.Nil(t, delta)
	assert.Zero(t, off)

	snap := append(append([]byte{}, hdr...), bytes.Repeat([]byte{1}, 200)...)
	delta, off = p.Delta("s1", snap, 0)
	assert.Len(t, delta, 200)
	assert.Equal(t, len(snap), off)
	_, ok := p.Header("s1")
	assert.True(t, ok)

	// Nothing new.
	delta, off = p.Delta("s1", snap, off)
	assert.Nil(t, delta)
	assert.Equal(t, len(snap), off)

	grown := append(append([]byte{}, snap...), bytes.Repeat([]byte{2}, 50)...)
	delta, off = p.Delta("s1", grown, off)
	assert.Equal(t, bytes.Repeat([]byte{2}, 50), delta)
	assert.Equal(t, len(grown), off)

	// The capture restarted and the file shrank.
	restarted := append(append([]byte{}, hdr...), bytes.Repeat([]byte{3}, 10)...)
	delta, off = p.Delta("s1", restarted, off)
	assert.Equal(t, bytes.Repeat([]byte{3}, 10), delta)
	assert.Equal(t, len(restarted), off)

	p.Forget("s1")
	_, ok = p.Header("s1")
	assert.False(t, ok)
}

func TestProcessorDeltaRaw(t *testing.T) {
	p := NewProcessor("sln", 4096)
	delta, off := p.Delta("s1", []byte{1, 2, 3}, 0)
	assert.Equal(t, []byte{1, 2, 3}, delta)
	assert.Equal(t, 3, off)
}

func TestProcessorLimits(t *testing.T) {
	p := NewProcessor("wav", 100)
	assert.Equal(t, 100, p.ChunkSize())

	_, err := p.Process(nil)
	assert.ErrorIs(t, err, ErrEmptyChunk)

	_, err = p.Process(make([]byte, 201))
	assert.ErrorIs(t, err, ErrChunkTooLarge)

	out, err := p.Process(make([]byte, 200))
	require.NoError(t, err)
	assert.Len(t, out, 200)

	assert.Equal(t, 4096, NewProcessor("wav", 0).ChunkSize())
}

func TestProcessorDecodesULaw(t *testing.T) {
	p := NewProcessor("ulaw", 4096)
	in := []byte{0xFF, 0x7F, 0x00}
	out, err := p.Process(in)
	require.NoError(t, err)
	assert.Equal(t, g711.DecodeUlaw(in), out)
	assert.Len(t, out, 6)
}

func TestSplit(t *testing.T) {
	assert.Nil(t, Split(nil, 10))
	assert.Equal(t, [][]byte{{1, 2}}, Split([]byte{1, 2}, 10))

	parts := Split(bytes.Repeat([]byte{1}, 25), 10)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 10)
	assert.Len(t, parts[2], 5)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("pcma")
	require.NoError(t, err)
	assert.Equal(t, uint8(8), c.PayloadType)

	c, err = CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "PCMU", c.Name)
	assert.Equal(t, 160, c.SamplesPerFrame())
	assert.Equal(t, uint32(160), c.TimestampIncrement())

	_, err = CodecByName("opus")
	assert.Error(t, err)
}

func TestEncodingForFormat(t *testing.T) {
	assert.Equal(t, EncodingSLIN, EncodingForFormat("wav"))
	assert.Equal(t, EncodingSLIN, EncodingForFormat("sln16"))
	assert.Equal(t, EncodingULAW, EncodingForFormat("ulaw"))
	assert.Equal(t, EncodingALAW, EncodingForFormat("ALAW"))
}

func TestRTPFanoutSendsPackets(t *testing.T) {
	rx, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rx.Close()

	f, err := NewRTPFanout(nil, []string{rx.LocalAddr().String()}, CodecPCMU)
	require.NoError(t, err)
	defer f.Close()

	// 400 samples of 16-bit PCM encode to 400 bytes: two full frames and one of 80.
	pcm := make([]byte, 800)
	require.NoError(t, f.PublishChunk(context.Background(), store.Chunk{SessionID: "s1", Data: pcm}))

	var pkts []rtp.Packet
	buf := make([]byte, 1500)
	require.NoError(t, rx.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(pkts) < 3 {
		n, _, err := rx.ReadFrom(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(append([]byte{}, buf[:n]...)))
		pkts = append(pkts, pkt)
	}

	assert.True(t, pkts[0].Marker)
	assert.False(t, pkts[1].Marker)
	assert.Equal(t, uint8(0), pkts[0].PayloadType)
	assert.Equal(t, pkts[0].SequenceNumber+1, pkts[1].SequenceNumber)
	assert.Equal(t, pkts[0].Timestamp+160, pkts[1].Timestamp)
	assert.Equal(t, pkts[0].SSRC, pkts[2].SSRC)
	assert.Len(t, pkts[0].Payload, 160)
	assert.Len(t, pkts[2].Payload, 80)
}

func TestRTPFanoutNoDestinations(t *testing.T) {
	f, err := NewRTPFanout(nil, nil, CodecPCMA)
	require.NoError(t, err)
	defer f.Close()
	assert.NoError(t, f.PublishChunk(context.Background(), store.Chunk{SessionID: "s1", Data: []byte{1, 2}}))
}

func TestRTPFanoutEndSession(t *testing.T) {
	rx, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rx.Close()

	f, err := NewRTPFanout(nil, []string{rx.LocalAddr().String()}, CodecPCMU)
	require.NoError(t, err)
	defer f.Close()

	first := f.streams("s1")[0]
	f.EndSession("s1")
	_, err = first.WriteFrames([]byte{1})
	assert.ErrorIs(t, err, net.ErrClosed)

	// A new chunk opens a fresh stream.
	second := f.streams("s1")[0]
	assert.NotSame(t, first, second)
}

func TestBuildSDP(t *testing.T) {
	out, err := BuildSDP("10.0.0.5", 40000, CodecPCMA)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "c=IN IP4 10.0.0.5")
	assert.Contains(t, s, "m=audio 40000 RTP/AVP 8")
	assert.Contains(t, s, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, s, "a=ptime:20")
	assert.True(t, strings.Contains(s, "a=sendonly"))
}
