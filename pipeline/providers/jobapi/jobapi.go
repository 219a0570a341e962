// Package jobapi drives an asynchronous lip-sync rendering service: a job is
// submitted, then polled until the video is ready.
package jobapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sunrich/adreel/internal/retry"
	"github.com/sunrich/adreel/pipeline"
	"github.com/sunrich/adreel/pipeline/providers/httpprovider"
)

// Name is the provider name used in configuration.
const Name = "jobapi"

// Job states reported by the service.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

const jobSchema = `{
	"type": "object",
	"required": ["id", "status"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"status": {"enum": ["queued", "processing", "done", "failed"]},
		"result_url": {"type": "string"},
		"duration": {"type": "number", "minimum": 0},
		"error": {"type": "string"}
	}
}`

// ErrJobFailed is returned when the service reports a failed render.
var ErrJobFailed = errors.New("render job failed")

// Config configures the provider.
type Config struct {
	APIKey            string
	Endpoint          string
	PollInterval      time.Duration
	MaxPolls          int
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *log.Logger
}

// Provider is a lip-sync provider backed by a submit/poll job service.
type Provider struct {
	cfg    Config
	client *httpprovider.Client
	logger *log.Logger
}

type submitRequest struct {
	SubjectRef    string  `json:"subject_ref"`
	ImageRef      string  `json:"image_ref,omitempty"`
	AudioRef      string  `json:"audio_ref"`
	AudioDuration float64 `json:"audio_duration"`
	Emotion       string  `json:"emotion,omitempty"`
}

type job struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	ResultURL string  `json:"result_url"`
	Duration  float64 `json:"duration"`
	Error     string  `json:"error"`
}

// New creates the provider.
func New(cfg Config) (*Provider, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls < 1 {
		cfg.MaxPolls = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	client, err := httpprovider.New(httpprovider.Config{
		Name:              Name,
		Endpoint:          cfg.Endpoint,
		APIKey:            cfg.APIKey,
		APIKeyHeader:      "Authorization",
		APIKeyPrefix:      "Bearer ",
		RequestsPerMinute: cfg.RequestsPerMinute,
		Schema:            jobSchema,
		HTTPClient:        cfg.HTTPClient,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, client: client, logger: cfg.Logger.WithPrefix(Name)}, nil
}

func (p *Provider) Name() string    { return Name }
func (p *Provider) Available() bool { return p.client.Configured() }

// Generate submits a render job and waits for it to finish.
func (p *Provider) Generate(ctx context.Context, in pipeline.LipSyncInput) (pipeline.Video, error) {
	var submitted job
	err := p.client.DoJSON(ctx, http.MethodPost, "/jobs", submitRequest{
		SubjectRef:    in.SubjectRef,
		ImageRef:      in.ImageRef,
		AudioRef:      in.AudioRef,
		AudioDuration: in.AudioDuration,
		Emotion:       in.Emotion,
	}, &submitted)
	if err != nil {
		return pipeline.Video{}, err
	}
	p.logger.Debug("Submitted render job", "job", submitted.ID)

	final, err := p.await(ctx, submitted)
	if err != nil {
		return pipeline.Video{}, err
	}

	duration := final.Duration
	if duration == 0 {
		duration = in.AudioDuration
	}
	return pipeline.Video{Ref: final.ResultURL, DurationSeconds: duration, JobID: final.ID}, nil
}

func (p *Provider) await(ctx context.Context, j job) (job, error) {
	if j.Status == StatusDone || j.Status == StatusFailed {
		return j, jobError(j)
	}

	policy := retry.Policy{
		MaxRetries: p.cfg.MaxPolls - 1,
		BaseDelay:  p.cfg.PollInterval,
		MaxDelay:   p.cfg.PollInterval,
	}
	path := "/jobs/" + url.PathEscape(j.ID)

	last, err := retry.Poll(ctx, policy, func(ctx context.Context) (job, error) {
		var status job
		if err := p.client.DoJSON(ctx, http.MethodGet, path, nil, &status); err != nil {
			return status, err
		}
		if status.Status == StatusFailed {
			return status, retry.Permanent(jobError(status))
		}
		return status, nil
	}, func(j job) bool { return j.Status == StatusDone })

	if errors.Is(err, retry.ErrNotDone) {
		return last, fmt.Errorf("%s: job %s still %s after %d polls: %w", Name, j.ID, last.Status, p.cfg.MaxPolls, err)
	}
	if err != nil {
		return last, err
	}
	return last, jobError(last)
}

func jobError(j job) error {
	switch {
	case j.Status == StatusFailed:
		return fmt.Errorf("%w: %s: %s", ErrJobFailed, j.ID, j.Error)
	case j.Status == StatusDone && j.ResultURL == "":
		return fmt.Errorf("%w: %s: job %s finished without a result", pipeline.ErrMalformedOutput, Name, j.ID)
	}
	return nil
}
