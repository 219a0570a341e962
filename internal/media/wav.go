package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrNotWAV is returned when data does not start with a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a WAV file")

const wavHeaderSize = 44

// EncodeWAV wraps little-endian PCM data in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, format PCMFormat) ([]byte, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := ValidatePCMData(pcm, format); err != nil {
		return nil, err
	}

	byteRate := format.SampleRate * format.BytesPerSample()
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(format.Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(format.BytesPerSample()))
	_ = binary.Write(buf, binary.LittleEndian, uint16(format.BitDepth))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// WAVInfo describes a decoded WAV header.
type WAVInfo struct {
	Format   PCMFormat
	DataSize int
	Duration time.Duration
}

// InspectWAV reads the header of a canonical WAV file.
func InspectWAV(data []byte) (WAVInfo, error) {
	if len(data) < wavHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return WAVInfo{}, fmt.Errorf("%w: unexpected chunk layout", ErrNotWAV)
	}

	format := PCMFormat{
		Channels:   int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(data[24:28])),
		BitDepth:   int(binary.LittleEndian.Uint16(data[34:36])),
	}
	size := int(binary.LittleEndian.Uint32(data[40:44]))
	if size > len(data)-wavHeaderSize {
		return WAVInfo{}, fmt.Errorf("%w: truncated data chunk", ErrNotWAV)
	}

	return WAVInfo{
		Format:   format,
		DataSize: size,
		Duration: Duration(size, format),
	}, nil
}
