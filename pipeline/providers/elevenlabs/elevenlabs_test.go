package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/pipeline"
)

func newStore(t *testing.T) *media.Store {
	t.Helper()
	store, err := media.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestGenerate(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "pcm_22050" || r.Header.Get("xi-api-key") != "k" {
			t.Errorf("request = %s %v", r.URL.RawQuery, r.Header)
		}
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		w.Write(media.GenerateSilence(time.Second, outputFormat)) //nolint:errcheck
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "k", Endpoint: srv.URL, Store: newStore(t), HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}

	audio, err := p.Generate(context.Background(), pipeline.SpeechInput{
		Text: "Hello there", Language: "de-AT", Emotion: "excited", Voice: "voice-7",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if audio.DurationSeconds != 1 || audio.Format != "wav" {
		t.Errorf("audio = %+v", audio)
	}
	if _, err := os.Stat(audio.Ref); err != nil {
		t.Errorf("audio file missing: %v", err)
	}
	if got.Text != "Hello there" || got.LanguageCode != "de" || got.VoiceSettings != settingsFor("excited") {
		t.Errorf("request = %+v", got)
	}
}

func TestMisalignedPCM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte{1, 2, 3}) //nolint:errcheck
	}))
	defer srv.Close()

	p, _ := New(Config{APIKey: "k", Endpoint: srv.URL, Store: newStore(t), HTTPClient: srv.Client()})
	_, err := p.Generate(context.Background(), pipeline.SpeechInput{Text: "x", Language: "en"})
	if !errors.Is(err, pipeline.ErrMalformedOutput) {
		t.Errorf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestRequiresStore(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Error("expected error without a store")
	}
}

func TestSettingsGetLooserWithEnergy(t *testing.T) {
	if settingsFor("excited").Stability >= settingsFor("calm").Stability {
		t.Error("excited speech should be less stable than calm speech")
	}
}
