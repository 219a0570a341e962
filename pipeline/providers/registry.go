// Package providers assembles the per-stage provider chains from
// configuration and credentials. Provider order is read once, at startup.
package providers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"

	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/pipeline"
	"github.com/sunrich/adreel/pipeline/providers/anthropic"
	"github.com/sunrich/adreel/pipeline/providers/elevenlabs"
	"github.com/sunrich/adreel/pipeline/providers/gemini"
	"github.com/sunrich/adreel/pipeline/providers/jobapi"
	"github.com/sunrich/adreel/pipeline/providers/local"
	"github.com/sunrich/adreel/pipeline/providers/polly"
)

// Credentials holds provider secrets and endpoints. A provider whose
// credentials are missing is registered but reports itself unavailable.
type Credentials struct {
	AnthropicAPIKey   string `env:"ANTHROPIC_API_KEY"`
	AnthropicEndpoint string `env:"ADREEL_ANTHROPIC_ENDPOINT"`
	AnthropicModel    string `env:"ADREEL_ANTHROPIC_MODEL"`

	GeminiAPIKey   string `env:"GEMINI_API_KEY"`
	GeminiEndpoint string `env:"ADREEL_GEMINI_ENDPOINT"`
	GeminiModel    string `env:"ADREEL_GEMINI_MODEL"`

	ElevenLabsAPIKey   string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsEndpoint string `env:"ADREEL_ELEVENLABS_ENDPOINT"`
	ElevenLabsVoiceID  string `env:"ADREEL_ELEVENLABS_VOICE_ID"`

	PollyRegion string `env:"ADREEL_POLLY_REGION"`
	AWSRegion   string `env:"AWS_REGION"`
	PollyEngine string `env:"ADREEL_POLLY_ENGINE" envDefault:"neural"`

	LipSyncEndpoint string `env:"ADREEL_LIPSYNC_ENDPOINT"`
	LipSyncAPIKey   string `env:"ADREEL_LIPSYNC_API_KEY"`

	RequestsPerMinute int `env:"ADREEL_PROVIDER_RPM" envDefault:"60"`
}

// LoadCredentials reads credentials from the environment.
func LoadCredentials() (Credentials, error) {
	creds, err := env.ParseAs[Credentials]()
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to parse provider credentials: %w", err)
	}
	return creds, nil
}

// Region returns the AWS region for Polly.
func (c Credentials) Region() string {
	if c.PollyRegion != "" {
		return c.PollyRegion
	}
	return c.AWSRegion
}

// Deps are the shared resources handed to every provider.
type Deps struct {
	Store      *media.Store
	Logger     *log.Logger
	HTTPClient *http.Client
}

// Names lists the remote providers per stage.
var Names = map[pipeline.Stage][]string{
	pipeline.StageScript:  {anthropic.Name, gemini.Name},
	pipeline.StageSpeech:  {elevenlabs.Name, polly.Name},
	pipeline.StageLipSync: {jobapi.Name},
}

// BuildChains creates the three stage chains plus the placeholder generator.
// Providers run in the order configured for their stage and every chain ends
// with the local generator.
func BuildChains(cfg pipeline.Config, creds Credentials, deps Deps) (pipeline.Chains, error) {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Store == nil {
		store, err := media.NewStore(cfg.Local.AudioDir)
		if err != nil {
			return pipeline.Chains{}, err
		}
		deps.Store = store
	}
	logger := deps.Logger.WithPrefix("providers")

	gens, err := local.New(local.OptionsFromConfig(cfg.Local, deps.Store, deps.Logger))
	if err != nil {
		return pipeline.Chains{}, err
	}

	policy := cfg.Retry.Policy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Retrying provider call", "attempt", attempt, "delay", delay, "err", err)
	}
	chainOpts := func(sc pipeline.StageConfig) []pipeline.ChainOption {
		return []pipeline.ChainOption{
			pipeline.WithRetryPolicy(policy),
			pipeline.WithAttemptTimeout(sc.Timeout),
			pipeline.WithChainLogger(deps.Logger),
		}
	}

	script := pipeline.NewChain[pipeline.ScriptInput, pipeline.Script](pipeline.StageScript, pipeline.ValidateScript, chainOpts(cfg.Script)...)
	for i, name := range cfg.Script.Providers {
		p, err := scriptProvider(name, creds, deps)
		if err != nil {
			return pipeline.Chains{}, err
		}
		script.Add(p, i)
	}
	script.SetFallback(gens.Script)

	speech := pipeline.NewChain[pipeline.SpeechInput, pipeline.Audio](pipeline.StageSpeech, pipeline.ValidateAudio, chainOpts(cfg.Speech)...)
	for i, name := range cfg.Speech.Providers {
		p, err := speechProvider(name, creds, deps)
		if err != nil {
			return pipeline.Chains{}, err
		}
		speech.Add(p, i)
	}
	speech.SetFallback(gens.Speech)

	lipsync := pipeline.NewChain[pipeline.LipSyncInput, pipeline.Video](pipeline.StageLipSync, pipeline.ValidateVideo, chainOpts(cfg.LipSync.StageConfig)...)
	for i, name := range cfg.LipSync.Providers {
		p, err := lipsyncProvider(name, cfg.LipSync, creds, deps)
		if err != nil {
			return pipeline.Chains{}, err
		}
		lipsync.Add(p, i)
	}
	lipsync.SetFallback(gens.LipSync)

	chains := pipeline.Chains{
		Script:      script,
		Speech:      speech,
		LipSync:     lipsync,
		Placeholder: gens.Placeholder,
	}
	logger.Info("Provider chains ready",
		"script", script.ProviderNames(),
		"speech", speech.ProviderNames(),
		"lipsync", lipsync.ProviderNames())
	return chains, nil
}

func scriptProvider(name string, creds Credentials, deps Deps) (pipeline.ScriptProvider, error) {
	switch name {
	case anthropic.Name:
		return anthropic.New(anthropic.Config{
			APIKey:            creds.AnthropicAPIKey,
			Endpoint:          creds.AnthropicEndpoint,
			Model:             creds.AnthropicModel,
			RequestsPerMinute: creds.RequestsPerMinute,
			HTTPClient:        deps.HTTPClient,
			Logger:            deps.Logger,
		})
	case gemini.Name:
		return gemini.New(gemini.Config{
			APIKey:            creds.GeminiAPIKey,
			Endpoint:          creds.GeminiEndpoint,
			Model:             creds.GeminiModel,
			RequestsPerMinute: creds.RequestsPerMinute,
			HTTPClient:        deps.HTTPClient,
			Logger:            deps.Logger,
		})
	}
	return nil, unknown(pipeline.StageScript, name)
}

func speechProvider(name string, creds Credentials, deps Deps) (pipeline.SpeechProvider, error) {
	switch name {
	case elevenlabs.Name:
		return elevenlabs.New(elevenlabs.Config{
			APIKey:            creds.ElevenLabsAPIKey,
			Endpoint:          creds.ElevenLabsEndpoint,
			VoiceID:           creds.ElevenLabsVoiceID,
			RequestsPerMinute: creds.RequestsPerMinute,
			Store:             deps.Store,
			HTTPClient:        deps.HTTPClient,
			Logger:            deps.Logger,
		})
	case polly.Name:
		return polly.New(polly.Config{
			Region: creds.Region(),
			Engine: creds.PollyEngine,
			Store:  deps.Store,
			Logger: deps.Logger,
		})
	}
	return nil, unknown(pipeline.StageSpeech, name)
}

func lipsyncProvider(name string, cfg pipeline.LipSyncConfig, creds Credentials, deps Deps) (pipeline.LipSyncProvider, error) {
	if name == jobapi.Name {
		return jobapi.New(jobapi.Config{
			APIKey:            creds.LipSyncAPIKey,
			Endpoint:          creds.LipSyncEndpoint,
			PollInterval:      cfg.PollInterval,
			MaxPolls:          cfg.MaxPolls,
			RequestsPerMinute: creds.RequestsPerMinute,
			HTTPClient:        deps.HTTPClient,
			Logger:            deps.Logger,
		})
	}
	return nil, unknown(pipeline.StageLipSync, name)
}

func unknown(stage pipeline.Stage, name string) error {
	return fmt.Errorf("unknown %s provider %q: must be one of %v", stage, name, Names[stage])
}
