package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotWAV            = errors.New("not a RIFF/WAVE stream")
	ErrShortHeader       = errors.New("WAV header incomplete")
	ErrUnsupportedFormat = errors.New("unsupported WAV audio format")
)

// WAVInfo is the format of a WAV stream.
type WAVInfo struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	// DataOffset is where sample data starts.
	DataOffset int
}

// BytesPerSecond returns the data rate of the stream.
func (w WAVInfo) BytesPerSecond() int {
	return int(w.SampleRate) * int(w.NumChannels) * int(w.BitsPerSample) / 8
}

// IsWAV reports whether data starts with a RIFF/WAVE signature.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ParseWAVHeader reads the header of an in-progress WAV capture. The
// data chunk may still be growing, so its declared size is ignored.
func ParseWAVHeader(data []byte) (WAVInfo, error) {
	if !IsWAV(data) {
		return WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	r := bytes.NewReader(data[12:])
	offset := 12
	for {
		var id [4]byte
		var size uint32
		if _, err := r.Read(id[:]); err != nil {
			return WAVInfo{}, ErrShortHeader
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return WAVInfo{}, ErrShortHeader
		}
		offset += 8

		switch string(id[:]) {
		case "fmt ":
			if err := binary.Read(r, binary.LittleEndian, &info.AudioFormat); err != nil {
				return WAVInfo{}, ErrShortHeader
			}
			if info.AudioFormat != 1 {
				return WAVInfo{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, info.AudioFormat)
			}
			if err := binary.Read(r, binary.LittleEndian, &info.NumChannels); err != nil {
				return WAVInfo{}, ErrShortHeader
			}
			if err := binary.Read(r, binary.LittleEndian, &info.SampleRate); err != nil {
				return WAVInfo{}, ErrShortHeader
			}
			// byte rate and block align
			if _, err := r.Seek(6, 1); err != nil {
				return WAVInfo{}, ErrShortHeader
			}
			if err := binary.Read(r, binary.LittleEndian, &info.BitsPerSample); err != nil {
				return WAVInfo{}, ErrShortHeader
			}
			if rest := int64(size) - 16; rest > 0 {
				if _, err := r.Seek(rest, 1); err != nil {
					return WAVInfo{}, ErrShortHeader
				}
			}
			offset += int(size)
		case "data":
			if info.SampleRate == 0 {
				return WAVInfo{}, ErrShortHeader
			}
			info.DataOffset = offset
			return info, nil
		default:
			if _, err := r.Seek(int64(size), 1); err != nil {
				return WAVInfo{}, ErrShortHeader
			}
			offset += int(size)
		}
		if offset > len(data) {
			return WAVInfo{}, ErrShortHeader
		}
	}
}

// StripHeader returns the sample data of a WAV stream, or data
// unchanged when it is not WAV. A header that is not yet complete
// yields no samples and ErrShortHeader.
func StripHeader(data []byte) ([]byte, WAVInfo, error) {
	if !IsWAV(data) {
		return data, WAVInfo{}, nil
	}
	info, err := ParseWAVHeader(data)
	if err != nil {
		return nil, WAVInfo{}, err
	}
	return data[info.DataOffset:], info, nil
}

// PCMDuration returns the play time of size bytes of linear PCM.
func PCMDuration(size, sampleRate, channels, bitsPerSample int) time.Duration {
	bps := sampleRate * channels * bitsPerSample / 8
	if bps <= 0 {
		return 0
	}
	return time.Duration(size) * time.Second / time.Duration(bps)
}
