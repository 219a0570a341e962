package media

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEncodeAndInspectWAV(t *testing.T) {
	format := DefaultPCMFormat()
	pcm := GenerateSilence(500*time.Millisecond, format)

	wav, err := EncodeWAV(pcm, format)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Errorf("unexpected size %d", len(wav))
	}

	info, err := InspectWAV(wav)
	if err != nil {
		t.Fatalf("InspectWAV failed: %v", err)
	}
	if info.Format != format {
		t.Errorf("format = %+v, want %+v", info.Format, format)
	}
	if info.Duration != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms", info.Duration)
	}
}

func TestEncodeWAVRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		pcm    []byte
		format PCMFormat
	}{
		{"empty", nil, DefaultPCMFormat()},
		{"misaligned", []byte{1, 2, 3}, DefaultPCMFormat()},
		{"bad rate", []byte{0, 0}, PCMFormat{SampleRate: 0, Channels: 1, BitDepth: 16}},
		{"8-bit", []byte{0, 0}, PCMFormat{SampleRate: 8000, Channels: 1, BitDepth: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.pcm, tt.format); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInspectWAVNotWAV(t *testing.T) {
	if _, err := InspectWAV([]byte("ID3 definitely an mp3 file, not a wav one....")); !errors.Is(err, ErrNotWAV) {
		t.Errorf("expected ErrNotWAV, got %v", err)
	}
}

func TestBabbleIsDeterministic(t *testing.T) {
	format := DefaultPCMFormat()
	a := Babble("Fresh energy for every home", 150, format)
	b := Babble("Fresh energy for every home", 150, format)
	c := Babble("Something else entirely here", 150, format)

	if !bytes.Equal(a, b) {
		t.Error("same text produced different audio")
	}
	if bytes.Equal(a, c) {
		t.Error("different text produced identical audio")
	}
	if got := Duration(len(a), format); got != 2*time.Second {
		t.Errorf("5 words at 150wpm should last 2s, got %v", got)
	}
}

func TestEstimateSpeechDuration(t *testing.T) {
	tests := []struct {
		text string
		wpm  int
		want time.Duration
	}{
		{"", 150, 0},
		{"one two three", 180, time.Second},
		{"one two", 0, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := EstimateSpeechDuration(tt.text, tt.wpm); got != tt.want {
			t.Errorf("EstimateSpeechDuration(%q, %d) = %v, want %v", tt.text, tt.wpm, got, tt.want)
		}
	}
}

func TestStoreSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	first, err := store.Save("Speech Local", ".wav", []byte("audio-bytes"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	second, _ := store.Save("Speech Local", "wav", []byte("audio-bytes"))
	if first != second {
		t.Errorf("same content stored under different refs: %s vs %s", first, second)
	}
	if !strings.HasPrefix(filepath.Base(first), "speech_local-") || filepath.Ext(first) != ".wav" {
		t.Errorf("unexpected file name %s", first)
	}

	data, err := os.ReadFile(first)
	if err != nil || string(data) != "audio-bytes" {
		t.Errorf("stored content mismatch: %q, %v", data, err)
	}

	if _, err := store.Save("x", "wav", nil); err == nil {
		t.Error("expected error for empty audio")
	}
}

func TestStoreSaveWAV(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	format := DefaultPCMFormat()
	pcm := GenerateSilence(500*time.Millisecond, format)

	path, d, err := store.SaveWAV("clip", pcm, format)
	if err != nil {
		t.Fatalf("SaveWAV failed: %v", err)
	}
	if d != 500*time.Millisecond {
		t.Errorf("duration = %v", d)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := InspectWAV(data); err != nil {
		t.Errorf("saved file is not WAV: %v", err)
	}

	if _, _, err := store.SaveWAV("clip", []byte{1}, format); err == nil {
		t.Error("odd-length 16-bit PCM should be rejected")
	}
}
