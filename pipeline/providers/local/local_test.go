package local

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/pipeline"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	store, err := media.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return Options{
		WordsPerMinute: 150,
		StockVideos: []string{
			"stock://avatars/presenter-neutral.mp4",
			"stock://avatars/presenter-happy.mp4",
		},
		Store: store,
	}
}

func TestScriptGenerator_Deterministic(t *testing.T) {
	g := NewScriptGenerator(testOptions(t))
	in := pipeline.ScriptInput{
		SubjectRef:  "sunrich-001",
		SubjectName: "SunRich Solar Lantern",
		Tagline:     "Sunshine you can carry",
		Language:    "en",
		Emotion:     "happy",
		Tone:        "warm",
	}

	first, err := g.Generate(context.Background(), in)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, _ := g.Generate(context.Background(), in)

	if first != second {
		t.Errorf("outputs differ: %q vs %q", first.Text, second.Text)
	}
	if !strings.Contains(first.Text, "SunRich Solar Lantern") || !strings.Contains(first.Text, "Sunshine you can carry.") {
		t.Errorf("script %q misses subject details", first.Text)
	}
	if err := pipeline.ValidateScript(first); err != nil {
		t.Errorf("local script fails validation: %v", err)
	}
	if g.CallCount() != 2 {
		t.Errorf("CallCount() = %d, want 2", g.CallCount())
	}
}

func TestScriptGenerator_Languages(t *testing.T) {
	g := NewScriptGenerator(testOptions(t))

	for _, lang := range []string{"fr", "de-AT", "ja"} {
		t.Run(lang, func(t *testing.T) {
			s, err := g.Generate(context.Background(), pipeline.ScriptInput{
				SubjectRef: "x", SubjectName: "Widget", Language: lang, Emotion: "neutral",
			})
			if err != nil {
				t.Fatal(err)
			}
			if s.Language != lang {
				t.Errorf("language = %q, want %q", s.Language, lang)
			}
			if !strings.Contains(s.Text, "Widget") {
				t.Errorf("script %q misses the name", s.Text)
			}
			found := false
			for _, opener := range phrasesFor(lang).openers["neutral"] {
				if strings.HasPrefix(s.Text, strings.SplitN(opener, "%s", 2)[0]) {
					found = true
				}
			}
			if !found {
				t.Errorf("script %q does not use the %s phrasebook", s.Text, lang)
			}
		})
	}
}

func TestSpeechGenerator_WritesWAV(t *testing.T) {
	g, err := NewSpeechGenerator(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}

	audio, err := g.Generate(context.Background(), pipeline.SpeechInput{Text: "one two three four five", Language: "en"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if audio.Format != "wav" || audio.DurationSeconds < 1.9 || audio.DurationSeconds > 2.1 {
		t.Errorf("audio = %+v, want about 2s of wav", audio)
	}

	data, err := os.ReadFile(audio.Ref)
	if err != nil {
		t.Fatalf("audio file missing: %v", err)
	}
	info, err := media.InspectWAV(data)
	if err != nil {
		t.Fatalf("not a WAV file: %v", err)
	}
	if info.Format != media.DefaultPCMFormat() {
		t.Errorf("format = %+v", info.Format)
	}

	again, _ := g.Generate(context.Background(), pipeline.SpeechInput{Text: "one two three four five", Language: "en"})
	if again.Ref != audio.Ref {
		t.Error("identical input produced a different file")
	}
}

func TestPlaceholderGenerator(t *testing.T) {
	g, err := NewPlaceholderGenerator(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if g.Name() != "placeholder" {
		t.Errorf("Name() = %q", g.Name())
	}

	tests := []struct {
		name string
		text string
		want float64
	}{
		{"no text", "", 0.6},
		{"short script", "one two three four five six seven eight nine ten", 1.0},
		{"long script", strings.Repeat("word ", 100), 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audio, err := g.Generate(context.Background(), pipeline.SpeechInput{Text: tt.text, Emotion: "happy"})
			if err != nil {
				t.Fatal(err)
			}
			if d := audio.DurationSeconds; d < tt.want-0.05 || d > tt.want+0.05 {
				t.Errorf("duration = %.2fs, want about %.1fs", d, tt.want)
			}
		})
	}
}

func TestLipSyncGenerator_PicksByEmotion(t *testing.T) {
	g := NewLipSyncGenerator(testOptions(t))

	video, err := g.Generate(context.Background(), pipeline.LipSyncInput{
		SubjectRef:    "sunrich-001",
		AudioRef:      "/tmp/speech-abc.wav",
		AudioDuration: 3.5,
		Emotion:       "happy",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(video.Ref, "stock://avatars/presenter-happy.mp4?") {
		t.Errorf("ref = %q, want the happy presenter", video.Ref)
	}
	if !strings.Contains(video.Ref, "audio=speech-abc.wav") || !strings.Contains(video.Ref, "subject=sunrich-001") {
		t.Errorf("ref %q lacks request tags", video.Ref)
	}
	if video.DurationSeconds != 3.5 || !strings.HasPrefix(video.JobID, "local-") {
		t.Errorf("video = %+v", video)
	}
}

func TestControls(t *testing.T) {
	g := NewLipSyncGenerator(testOptions(t))
	in := pipeline.LipSyncInput{SubjectRef: "x", AudioRef: "a.wav"}

	boom := errors.New("boom")
	g.SetFailure(boom)
	if _, err := g.Generate(context.Background(), in); !errors.Is(err, boom) {
		t.Errorf("expected injected failure, got %v", err)
	}
	g.SetFailure(nil)

	g.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, in); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline, got %v", err)
	}

	if g.CallCount() != 2 {
		t.Errorf("CallCount() = %d, want 2", g.CallCount())
	}
}

func TestSimulatedLatency(t *testing.T) {
	opts := testOptions(t)
	opts.SimulateLatency = true
	opts.ScriptDelay = 20 * time.Millisecond

	g := NewScriptGenerator(opts)
	start := time.Now()
	if _, err := g.Generate(context.Background(), pipeline.ScriptInput{SubjectRef: "x", Language: "en", Emotion: "calm"}); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("latency not simulated")
	}
}
