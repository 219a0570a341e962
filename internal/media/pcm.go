// Package media encodes and stores the audio artifacts produced by the speech
// stage.
package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// PCMFormat represents PCM audio format parameters
type PCMFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultPCMFormat returns 22.05kHz mono 16-bit, enough for speech.
func DefaultPCMFormat() PCMFormat {
	return PCMFormat{
		SampleRate: 22050,
		Channels:   1,
		BitDepth:   16,
	}
}

// BytesPerSample returns the number of bytes per sample frame
func (f PCMFormat) BytesPerSample() int {
	return f.BitDepth / 8 * f.Channels
}

// Validate checks that the format can be encoded.
func (f PCMFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth: %d", f.BitDepth)
	}
	return nil
}

// ValidatePCMData validates that PCM data matches the expected format
func ValidatePCMData(data []byte, format PCMFormat) error {
	if len(data) == 0 {
		return errors.New("empty PCM data")
	}
	if n := format.BytesPerSample(); n == 0 || len(data)%n != 0 {
		return fmt.Errorf("PCM data length %d is not aligned to %d-byte samples", len(data), n)
	}
	return nil
}

// Duration calculates the playing time of PCM data.
func Duration(dataLen int, format PCMFormat) time.Duration {
	if format.SampleRate == 0 || format.BytesPerSample() == 0 {
		return 0
	}
	samples := dataLen / format.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(format.SampleRate)
}

// GenerateSilence generates silent PCM data for the given duration
func GenerateSilence(d time.Duration, format PCMFormat) []byte {
	return make([]byte, sampleCount(d, format)*format.BytesPerSample())
}

func sampleCount(d time.Duration, format PCMFormat) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(format.SampleRate) / int64(time.Second))
}

// GenerateTone generates a sine tone at freq Hz with short linear fades so
// that concatenated tones do not click.
func GenerateTone(d time.Duration, freq float64, amplitude float64, format PCMFormat) []byte {
	samples := sampleCount(d, format)
	out := make([]byte, samples*format.BytesPerSample())
	fade := format.SampleRate / 200 // 5ms

	for i := 0; i < samples; i++ {
		gain := amplitude
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if rest := samples - i; rest < fade {
			gain *= float64(rest) / float64(fade)
		}
		v := int16(gain * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(format.SampleRate)))
		for c := 0; c < format.Channels; c++ {
			off := (i*format.Channels + c) * 2
			binary.LittleEndian.PutUint16(out[off:], uint16(v))
		}
	}
	return out
}

// Babble renders text as a deterministic sequence of tones, one per word,
// separated by short pauses. The same text always yields the same bytes.
func Babble(text string, wordsPerMinute int, format PCMFormat) []byte {
	words := strings.Fields(text)
	if len(words) == 0 {
		return GenerateSilence(250*time.Millisecond, format)
	}
	if wordsPerMinute <= 0 {
		wordsPerMinute = 150
	}

	perWord := time.Minute / time.Duration(wordsPerMinute)
	voiced := perWord * 3 / 4
	pause := perWord - voiced

	var out []byte
	for _, w := range words {
		out = append(out, GenerateTone(voiced, wordPitch(w), 0.3, format)...)
		out = append(out, GenerateSilence(pause, format)...)
	}
	return out
}

// wordPitch maps a word onto a speech-like pitch between 110Hz and 260Hz.
func wordPitch(word string) float64 {
	var h uint32 = 2166136261
	for _, r := range word {
		if unicode.IsPunct(r) {
			continue
		}
		h ^= uint32(unicode.ToLower(r))
		h *= 16777619
	}
	return 110 + float64(h%150)
}

// EstimateSpeechDuration estimates how long text takes to speak.
func EstimateSpeechDuration(text string, wordsPerMinute int) time.Duration {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 150
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return time.Duration(words) * time.Minute / time.Duration(wordsPerMinute)
}
