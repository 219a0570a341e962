// Package httpapi exposes the pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sunrich/adreel/internal/observability"
	"github.com/sunrich/adreel/pipeline"
)

const maxBodyBytes = 1 << 20

// Server routes requests to an orchestrator.
type Server struct {
	orch   *pipeline.Orchestrator
	logger *log.Logger
}

// NewServer creates a server for orch.
func NewServer(orch *pipeline.Orchestrator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{orch: orch, logger: logger.WithPrefix("http")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/generate_script", s.handleGenerateScript)
	mux.HandleFunc("POST /v1/generate_audio", s.handleGenerateAudio)
	mux.HandleFunc("POST /v1/generate_lipsync", s.handleGenerateLipSync)
	mux.HandleFunc("POST /v1/generate_ad_content", s.handleGenerateAd(false))
	mux.HandleFunc("POST /v1/generate_ad_content_streaming", s.handleGenerateAd(true))
	mux.HandleFunc("POST /v1/jobs", s.handleStartJob)
	mux.HandleFunc("GET /v1/job_status/{id}", s.handleJobStatus)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	return s.withTracing(s.withLogging(mux))
}

type adRequest struct {
	SubjectRef  string `json:"subjectRef"`
	Language    string `json:"language,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
	Tone        string `json:"tone,omitempty"`
	Voice       string `json:"voice,omitempty"`
	Description string `json:"description,omitempty"`
	SkipCache   bool   `json:"skipCache,omitempty"`
}

func (r adRequest) options() pipeline.Options {
	return pipeline.Options{
		Language:    r.Language,
		Emotion:     r.Emotion,
		Tone:        r.Tone,
		Voice:       r.Voice,
		Description: r.Description,
		SkipCache:   r.SkipCache,
	}
}

type audioRequest struct {
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	Voice     string `json:"voice,omitempty"`
	SkipCache bool   `json:"skipCache,omitempty"`
}

type lipsyncRequest struct {
	SubjectRef    string  `json:"subjectRef"`
	AudioRef      string  `json:"audioRef"`
	AudioDuration float64 `json:"audioDuration,omitempty"`
	ImageRef      string  `json:"imageRef,omitempty"`
	Emotion       string  `json:"emotion,omitempty"`
	SkipCache     bool    `json:"skipCache,omitempty"`
}

type scriptResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Emotion  string `json:"emotion"`
	Provider string `json:"provider"`
	Cached   bool   `json:"cached"`
}

type audioResponse struct {
	AudioRef        string  `json:"audioRef"`
	DurationSeconds float64 `json:"durationSeconds"`
	Provider        string  `json:"provider"`
	Cached          bool    `json:"cached"`
}

type lipsyncResponse struct {
	VideoRef        string  `json:"videoRef"`
	DurationSeconds float64 `json:"durationSeconds"`
	JobID           string  `json:"jobId,omitempty"`
	Provider        string  `json:"provider"`
	Cached          bool    `json:"cached"`
}

type adResponse struct {
	Script   string                  `json:"script"`
	AudioRef string                  `json:"audioRef"`
	VideoRef string                  `json:"videoRef"`
	Metadata pipeline.ResultMetadata `json:"metadata"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats())
}

func (s *Server) handleGenerateScript(w http.ResponseWriter, r *http.Request) {
	var req adRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.orch.GenerateScript(r.Context(), req.SubjectRef, req.options())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scriptResponse{
		Text:     res.Output.Text,
		Language: res.Output.Language,
		Emotion:  res.Output.Emotion,
		Provider: res.Report.Provider,
		Cached:   res.Report.Cached,
	})
}

func (s *Server) handleGenerateAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.orch.GenerateAudio(r.Context(), pipeline.SpeechInput{
		Text:     req.Text,
		Language: req.Language,
		Emotion:  req.Emotion,
		Voice:    req.Voice,
	}, req.SkipCache)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audioResponse{
		AudioRef:        res.Output.Ref,
		DurationSeconds: res.Output.DurationSeconds,
		Provider:        res.Report.Provider,
		Cached:          res.Report.Cached,
	})
}

func (s *Server) handleGenerateLipSync(w http.ResponseWriter, r *http.Request) {
	var req lipsyncRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.orch.GenerateLipSync(r.Context(), pipeline.LipSyncInput{
		SubjectRef:    req.SubjectRef,
		ImageRef:      req.ImageRef,
		AudioRef:      req.AudioRef,
		AudioDuration: req.AudioDuration,
		Emotion:       req.Emotion,
	}, req.SkipCache)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lipsyncResponse{
		VideoRef:        res.Output.Ref,
		DurationSeconds: res.Output.DurationSeconds,
		JobID:           res.Output.JobID,
		Provider:        res.Report.Provider,
		Cached:          res.Report.Cached,
	})
}

func (s *Server) handleGenerateAd(streaming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adRequest
		if !decode(w, r, &req) {
			return
		}

		run := s.orch.RunPipeline
		if streaming {
			run = s.orch.RunPipelineStreaming
		}
		res, err := run(r.Context(), req.SubjectRef, req.options())
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, adResponse{
			Script:   res.Script.Text,
			AudioRef: res.Audio.Ref,
			VideoRef: res.Video.Ref,
			Metadata: res.Metadata,
		})
	}
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req adRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.orch.StartPipeline(r.Context(), req.SubjectRef, req.options())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/v1/job_status/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJobStatus(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.CancelJob(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// writeFailure maps pipeline errors onto status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var (
		ve     *pipeline.ValidationError
		status int
	)
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrJobNotFound), errors.Is(err, pipeline.ErrSubjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrJobTerminal):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrCanceled), errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	default:
		status = http.StatusBadGateway
	}

	resp := errorResponse{Error: err.Error()}
	if stage, ok := pipeline.FailedStage(err); ok {
		resp.Stage = stage.String()
	}
	if status >= 500 {
		s.logger.Error("Request failed", "status", status, "err", err)
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("Request", "method", r.Method, "path", r.URL.Path,
			"status", sw.status, "elapsed", time.Since(start))
	})
}

func (s *Server) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
