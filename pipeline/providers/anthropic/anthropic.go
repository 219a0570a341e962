// Package anthropic generates ad scripts with the Anthropic Messages API.
package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/sunrich/adreel/pipeline"
	"github.com/sunrich/adreel/pipeline/providers/httpprovider"
)

// Name is the provider name used in configuration.
const Name = "anthropic"

// Defaults applied by New.
const (
	DefaultEndpoint = "https://api.anthropic.com"
	DefaultModel    = "claude-3-5-haiku-latest"
	DefaultVersion  = "2023-06-01"
)

const responseSchema = `{
	"type": "object",
	"required": ["content"],
	"properties": {
		"content": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {"type": {"type": "string"}, "text": {"type": "string"}}
			}
		}
	}
}`

// Config configures the provider.
type Config struct {
	APIKey            string
	Endpoint          string
	Model             string
	Version           string
	MaxTokens         int
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *log.Logger
}

// Provider is a script provider backed by Claude.
type Provider struct {
	cfg    Config
	client *httpprovider.Client
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// New creates the provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}

	client, err := httpprovider.New(httpprovider.Config{
		Name:              Name,
		Endpoint:          cfg.Endpoint,
		APIKey:            cfg.APIKey,
		APIKeyHeader:      "x-api-key",
		Headers:           map[string]string{"anthropic-version": cfg.Version},
		RequestsPerMinute: cfg.RequestsPerMinute,
		Schema:            responseSchema,
		HTTPClient:        cfg.HTTPClient,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, client: client}, nil
}

func (p *Provider) Name() string    { return Name }
func (p *Provider) Available() bool { return p.client.Configured() }

// Generate asks the model for a script.
func (p *Provider) Generate(ctx context.Context, in pipeline.ScriptInput) (pipeline.Script, error) {
	req := request{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Messages:  []message{{Role: "user", Content: in.Prompt()}},
	}

	var resp response
	if err := p.client.DoJSON(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return pipeline.Script{}, err
	}

	var parts []string
	for _, c := range resp.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return pipeline.Script{
		Text:     pipeline.CleanScriptText(strings.Join(parts, " ")),
		Language: in.Language,
		Emotion:  in.Emotion,
	}, nil
}
