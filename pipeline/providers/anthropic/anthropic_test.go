package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sunrich/adreel/internal/retry"
	"github.com/sunrich/adreel/pipeline"
)

func TestGenerate(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") != DefaultVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"  \"Meet the lantern.\n\nIt glows.\" "}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "k", Endpoint: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Available() {
		t.Fatal("provider with key should be available")
	}

	s, err := p.Generate(context.Background(), pipeline.ScriptInput{
		SubjectName: "Lantern", Language: "fr", Emotion: "calm",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if s.Text != "Meet the lantern. It glows." {
		t.Errorf("text = %q", s.Text)
	}
	if s.Language != "fr" || s.Emotion != "calm" {
		t.Errorf("script = %+v", s)
	}
	if got.Model != DefaultModel || len(got.Messages) != 1 || !strings.Contains(got.Messages[0].Content, "French") {
		t.Errorf("request = %+v", got)
	}
}

func TestUnavailableWithoutKey(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Available() {
		t.Error("provider without key must be unavailable")
	}
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"content":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p, _ := New(Config{APIKey: "k", Endpoint: srv.URL, HTTPClient: srv.Client()})
	_, err := p.Generate(context.Background(), pipeline.ScriptInput{SubjectName: "x", Language: "en"})
	if !errors.Is(err, pipeline.ErrMalformedOutput) {
		t.Errorf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestAuthFailureIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid x-api-key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New(Config{APIKey: "bad", Endpoint: srv.URL, HTTPClient: srv.Client()})
	_, err := p.Generate(context.Background(), pipeline.ScriptInput{SubjectName: "x", Language: "en"})
	if !retry.IsPermanent(err) {
		t.Errorf("401 should not be retried: %v", err)
	}
}
