// Package gemini generates ad scripts with the Gemini generateContent API.
package gemini

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/sunrich/adreel/pipeline"
	"github.com/sunrich/adreel/pipeline/providers/httpprovider"
)

// Name is the provider name used in configuration.
const Name = "gemini"

// Defaults applied by New.
const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com"
	DefaultModel    = "gemini-1.5-flash"
)

const responseSchema = `{
	"type": "object",
	"required": ["candidates"],
	"properties": {
		"candidates": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["content"],
				"properties": {
					"content": {
						"type": "object",
						"required": ["parts"],
						"properties": {"parts": {"type": "array"}}
					}
				}
			}
		}
	}
}`

// Config configures the provider.
type Config struct {
	APIKey            string
	Endpoint          string
	Model             string
	Temperature       float64
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *log.Logger
}

// Provider is a script provider backed by Gemini.
type Provider struct {
	cfg    Config
	client *httpprovider.Client
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type request struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type response struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// New creates the provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.8
	}

	client, err := httpprovider.New(httpprovider.Config{
		Name:              Name,
		Endpoint:          cfg.Endpoint,
		APIKey:            cfg.APIKey,
		QueryAPIKeyParam:  "key",
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

// Generate asks the model for a script and keeps the first candidate.
func (p *Provider) Generate(ctx context.Context, in pipeline.ScriptInput) (pipeline.Script, error) {
	req := request{
		Contents: []content{{Role: "user", Parts: []part{{Text: in.Prompt()}}}},
		GenerationConfig: generationConfig{
			Temperature:     p.cfg.Temperature,
			MaxOutputTokens: 300,
		},
	}

	var resp response
	path := "/v1beta/models/" + p.cfg.Model + ":generateContent"
	if err := p.client.DoJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return pipeline.Script{}, err
	}

	var texts []string
	for _, pt := range resp.Candidates[0].Content.Parts {
		texts = append(texts, pt.Text)
	}
	return pipeline.Script{
		Text:     pipeline.CleanScriptText(strings.Join(texts, " ")),
		Language: in.Language,
		Emotion:  in.Emotion,
	}, nil
}
