// Package elevenlabs synthesizes speech with the ElevenLabs text-to-speech API.
package elevenlabs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"
	"golang.org/x/text/language"

	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/pipeline"
	"github.com/sunrich/adreel/pipeline/providers/httpprovider"
)

// Name is the provider name used in configuration.
const Name = "elevenlabs"

// Defaults applied by New.
const (
	DefaultEndpoint = "https://api.elevenlabs.io"
	DefaultVoiceID  = "EXAVITQu4vr4xnSDxMaL"
	DefaultModelID  = "eleven_multilingual_v2"
)

// The API streams raw 16-bit mono PCM in this format.
var outputFormat = media.PCMFormat{SampleRate: 22050, Channels: 1, BitDepth: 16}

// Config configures the provider.
type Config struct {
	APIKey            string
	Endpoint          string
	VoiceID           string
	ModelID           string
	RequestsPerMinute int
	Store             *media.Store
	HTTPClient        *http.Client
	Logger            *log.Logger
}

// Provider is a speech provider backed by ElevenLabs.
type Provider struct {
	cfg    Config
	client *httpprovider.Client
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

type request struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	LanguageCode  string        `json:"language_code,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// New creates the provider. Audio is written to cfg.Store.
func New(cfg Config) (*Provider, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: audio store is required", Name)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}

	client, err := httpprovider.New(httpprovider.Config{
		Name:              Name,
		Endpoint:          cfg.Endpoint,
		APIKey:            cfg.APIKey,
		APIKeyHeader:      "xi-api-key",
		Headers:           map[string]string{"Accept": "audio/pcm"},
		RequestsPerMinute: cfg.RequestsPerMinute,
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

// Generate synthesizes the text and stores it as a WAV file.
func (p *Provider) Generate(ctx context.Context, in pipeline.SpeechInput) (pipeline.Audio, error) {
	voice := p.cfg.VoiceID
	if in.Voice != "" {
		voice = in.Voice
	}

	req := request{
		Text:          in.Text,
		ModelID:       p.cfg.ModelID,
		LanguageCode:  baseLanguage(in.Language),
		VoiceSettings: settingsFor(in.Emotion),
	}
	query := url.Values{"output_format": {fmt.Sprintf("pcm_%d", outputFormat.SampleRate)}}

	pcm, err := p.client.DoRaw(ctx, http.MethodPost, "/v1/text-to-speech/"+url.PathEscape(voice), query, req)
	if err != nil {
		return pipeline.Audio{}, err
	}
	if err := media.ValidatePCMData(pcm, outputFormat); err != nil {
		return pipeline.Audio{}, fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedOutput, Name, err)
	}

	path, d, err := p.cfg.Store.SaveWAV(Name, pcm, outputFormat)
	if err != nil {
		return pipeline.Audio{}, err
	}
	return pipeline.Audio{Ref: path, DurationSeconds: d.Seconds(), Format: "wav"}, nil
}

// settingsFor trades stability for expressiveness as the emotion gets livelier.
func settingsFor(emotion string) voiceSettings {
	switch emotion {
	case "excited", "surprised":
		return voiceSettings{Stability: 0.3, SimilarityBoost: 0.75, Style: 0.7}
	case "happy":
		return voiceSettings{Stability: 0.45, SimilarityBoost: 0.75, Style: 0.5}
	case "calm", "sad":
		return voiceSettings{Stability: 0.8, SimilarityBoost: 0.75, Style: 0.1}
	case "serious":
		return voiceSettings{Stability: 0.7, SimilarityBoost: 0.8, Style: 0.2}
	default:
		return voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Style: 0.3}
	}
}

func baseLanguage(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return ""
	}
	base, _ := t.Base()
	return base.String()
}
