package jobapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sunrich/adreel/internal/retry"
	"github.com/sunrich/adreel/pipeline"
)

// renderService finishes a job after a fixed number of status polls.
type renderService struct {
	mu        sync.Mutex
	pollsLeft int
	fail      bool
	polls     int
	submitted submitRequest
}

func (s *renderService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer k" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/jobs":
		json.NewDecoder(r.Body).Decode(&s.submitted) //nolint:errcheck
		fmt.Fprint(w, `{"id":"job-1","status":"queued"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1":
		s.polls++
		switch {
		case s.polls < s.pollsLeft:
			fmt.Fprint(w, `{"id":"job-1","status":"processing"}`)
		case s.fail:
			fmt.Fprint(w, `{"id":"job-1","status":"failed","error":"face not found"}`)
		default:
			fmt.Fprint(w, `{"id":"job-1","status":"done","result_url":"https://cdn.example/job-1.mp4","duration":4.2}`)
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestProvider(t *testing.T, svc http.Handler, maxPolls int) *Provider {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	p, err := New(Config{
		APIKey:       "k",
		Endpoint:     srv.URL,
		PollInterval: time.Millisecond,
		MaxPolls:     maxPolls,
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

var input = pipeline.LipSyncInput{
	SubjectRef:    "sunrich-001",
	ImageRef:      "images/sunrich-001.png",
	AudioRef:      "/tmp/a.wav",
	AudioDuration: 4,
	Emotion:       "happy",
}

func TestGeneratePollsUntilDone(t *testing.T) {
	svc := &renderService{pollsLeft: 3}
	p := newTestProvider(t, svc, 10)

	video, err := p.Generate(context.Background(), input)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	want := pipeline.Video{Ref: "https://cdn.example/job-1.mp4", DurationSeconds: 4.2, JobID: "job-1"}
	if video != want {
		t.Errorf("video = %+v, want %+v", video, want)
	}
	if svc.polls != 3 {
		t.Errorf("polls = %d, want 3", svc.polls)
	}
	if svc.submitted.ImageRef != input.ImageRef || svc.submitted.AudioDuration != 4 {
		t.Errorf("submitted = %+v", svc.submitted)
	}
}

func TestGenerateGivesUpAfterMaxPolls(t *testing.T) {
	svc := &renderService{pollsLeft: 100}
	p := newTestProvider(t, svc, 4)

	_, err := p.Generate(context.Background(), input)
	if !errors.Is(err, retry.ErrNotDone) {
		t.Fatalf("expected ErrNotDone, got %v", err)
	}
	if svc.polls != 4 {
		t.Errorf("polls = %d, want 4", svc.polls)
	}
}

func TestGenerateFailedJob(t *testing.T) {
	svc := &renderService{pollsLeft: 2, fail: true}
	p := newTestProvider(t, svc, 10)

	_, err := p.Generate(context.Background(), input)
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	if svc.polls != 2 {
		t.Errorf("polling continued after failure: %d polls", svc.polls)
	}
	if !pipeline.IsRetryable(err) {
		t.Error("a failed render may succeed on resubmission")
	}
}

func TestGenerateHonorsContext(t *testing.T) {
	svc := &renderService{pollsLeft: 1000}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	p, _ := New(Config{APIKey: "k", Endpoint: srv.URL, PollInterval: 50 * time.Millisecond, MaxPolls: 100, HTTPClient: srv.Client()})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if _, err := p.Generate(ctx, input); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline, got %v", err)
	}
}

func TestDoneWithoutResultIsMalformed(t *testing.T) {
	srv := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":"j","status":"done"}`)
	})
	p := newTestProvider(t, srv, 3)
	if _, err := p.Generate(context.Background(), input); !errors.Is(err, pipeline.ErrMalformedOutput) {
		t.Errorf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestUnavailableWithoutEndpoint(t *testing.T) {
	p, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Available() {
		t.Error("provider without endpoint must be unavailable")
	}
}
