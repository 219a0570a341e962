package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sunrich/adreel/internal/catalog"
	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/pipeline"
	"github.com/sunrich/adreel/pipeline/providers"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := pipeline.DefaultConfig()
	cfg.Local.SimulateLatency = false
	cfg.Retry.BaseDelay = 0

	logger := log.New(io.Discard)
	store, err := media.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	chains, err := providers.BuildChains(cfg, providers.Credentials{}, providers.Deps{Store: store, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	orch, err := pipeline.New(chains,
		pipeline.WithConfig(cfg),
		pipeline.WithCatalog(catalog.New(cfg.Subjects)),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(NewServer(orch, logger).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx) //nolint:errcheck
	})
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	var out map[string]string
	if code := do(t, srv, http.MethodGet, "/healthz", "", &out); code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("health = %d %v", code, out)
	}
}

func TestGenerateAdContent(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/v1/generate_ad_content", "/v1/generate_ad_content_streaming"} {
		t.Run(path, func(t *testing.T) {
			var out adResponse
			code := do(t, srv, http.MethodPost, path, `{"subjectRef":"sunrich-001","emotion":"excited"}`, &out)
			if code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			if out.Script == "" || out.AudioRef == "" || out.VideoRef == "" {
				t.Errorf("incomplete result: %+v", out)
			}
			if len(out.Metadata.Stages) != 3 || out.Metadata.JobID == "" {
				t.Errorf("metadata = %+v", out.Metadata)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		stage  string
	}{
		{"unknown subject", http.MethodPost, "/v1/generate_ad_content", `{"subjectRef":"nope"}`, http.StatusNotFound, "script"},
		{"empty subject", http.MethodPost, "/v1/generate_ad_content", `{"subjectRef":""}`, http.StatusBadRequest, ""},
		{"bad emotion", http.MethodPost, "/v1/generate_script", `{"subjectRef":"sunrich-001","emotion":"furious"}`, http.StatusBadRequest, ""},
		{"bad language", http.MethodPost, "/v1/generate_audio", `{"text":"hi","language":"??"}`, http.StatusBadRequest, ""},
		{"unknown field", http.MethodPost, "/v1/generate_script", `{"subject":"x"}`, http.StatusBadRequest, ""},
		{"malformed body", http.MethodPost, "/v1/jobs", `{`, http.StatusBadRequest, ""},
		{"unknown job", http.MethodGet, "/v1/job_status/missing", "", http.StatusNotFound, ""},
		{"cancel unknown job", http.MethodPost, "/v1/jobs/missing/cancel", "", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out errorResponse
			if code := do(t, srv, tt.method, tt.path, tt.body, &out); code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, out.Error)
			}
			if out.Error == "" || out.Stage != tt.stage {
				t.Errorf("error body = %+v", out)
			}
		})
	}
}

func TestSingleStages(t *testing.T) {
	srv := newTestServer(t)

	var script scriptResponse
	if code := do(t, srv, http.MethodPost, "/v1/generate_script", `{"subjectRef":"sunrich-002","language":"fr"}`, &script); code != http.StatusOK {
		t.Fatalf("script status = %d", code)
	}
	if script.Text == "" || script.Language != "fr" || script.Provider != "local" {
		t.Errorf("script = %+v", script)
	}

	var audio audioResponse
	body := `{"text":` + jsonString(script.Text) + `,"language":"fr"}`
	if code := do(t, srv, http.MethodPost, "/v1/generate_audio", body, &audio); code != http.StatusOK {
		t.Fatalf("audio status = %d", code)
	}
	if audio.AudioRef == "" || audio.DurationSeconds <= 0 {
		t.Errorf("audio = %+v", audio)
	}

	var video lipsyncResponse
	body = `{"subjectRef":"sunrich-002","audioRef":` + jsonString(audio.AudioRef) + `,"audioDuration":2}`
	if code := do(t, srv, http.MethodPost, "/v1/generate_lipsync", body, &video); code != http.StatusOK {
		t.Fatalf("lipsync status = %d", code)
	}
	if video.VideoRef == "" || video.DurationSeconds != 2 {
		t.Errorf("video = %+v", video)
	}

	// the same request again is served from the cache when one is configured,
	// otherwise regenerated deterministically
	var again scriptResponse
	do(t, srv, http.MethodPost, "/v1/generate_script", `{"subjectRef":"sunrich-002","language":"fr"}`, &again)
	if again.Text != script.Text {
		t.Error("script not deterministic")
	}
}

func TestJobLifecycle(t *testing.T) {
	srv := newTestServer(t)

	var started map[string]string
	if code := do(t, srv, http.MethodPost, "/v1/jobs", `{"subjectRef":"sunrich-001"}`, &started); code != http.StatusAccepted {
		t.Fatalf("start status = %d", code)
	}
	id := started["jobId"]
	if id == "" {
		t.Fatal("no job id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var job pipeline.PipelineJob
		if code := do(t, srv, http.MethodGet, "/v1/job_status/"+id, "", &job); code != http.StatusOK {
			t.Fatalf("status code = %d", code)
		}
		if job.Stage == pipeline.JobCompleted {
			if job.Script == "" || job.AudioRef == "" || job.VideoRef == "" {
				t.Errorf("completed job missing outputs: %+v", job)
			}
			break
		}
		if job.Stage == pipeline.JobFailed {
			t.Fatalf("job failed: %+v", job.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck at %s", job.Stage)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var out errorResponse
	if code := do(t, srv, http.MethodPost, "/v1/jobs/"+id+"/cancel", "", &out); code != http.StatusConflict {
		t.Errorf("cancel of finished job = %d, want 409", code)
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, http.MethodPost, "/v1/generate_ad_content", `{"subjectRef":"sunrich-001"}`, nil)

	var stats pipeline.Stats
	if code := do(t, srv, http.MethodGet, "/v1/stats", "", &stats); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got := strings.Join(stats.Providers["script"], ","); got != "anthropic,gemini,local" {
		t.Errorf("script providers = %s", got)
	}
	if stats.Performance.Completed != 1 {
		t.Errorf("performance = %+v", stats.Performance)
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
