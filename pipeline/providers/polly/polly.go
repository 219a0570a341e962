// Package polly synthesizes speech with Amazon Polly.
package polly

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/charmbracelet/log"
	"golang.org/x/text/language"

	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/internal/retry"
	"github.com/sunrich/adreel/pipeline"
)

// Name is the provider name used in configuration.
const Name = "polly"

// Polly returns 16-bit mono PCM at 16 kHz at most.
var outputFormat = media.PCMFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}

// voices maps a base language to a neural voice.
var voices = map[string]string{
	"en": "Joanna",
	"fr": "Lea",
	"de": "Vicki",
	"es": "Lucia",
	"it": "Bianca",
	"ja": "Takumi",
	"pt": "Camila",
}

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config configures the provider.
type Config struct {
	Region string
	Engine string // neural or standard
	Voice  string
	Store  *media.Store
	Logger *log.Logger
}

// Provider is a speech provider backed by Amazon Polly.
type Provider struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
	logger *log.Logger
}

// New creates the provider. The AWS client is created on first use.
func New(cfg Config) (*Provider, error) {
	return newWithClient(cfg, nil)
}

func newWithClient(cfg Config, client synthClient) (*Provider, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: audio store is required", Name)
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Provider{client: client, cfg: cfg, logger: cfg.Logger.WithPrefix(Name)}, nil
}

func (p *Provider) Name() string { return Name }

// Available reports whether an AWS region is configured.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil || p.cfg.Region != ""
}

// Generate synthesizes SSML for the text and stores it as a WAV file.
func (p *Provider) Generate(ctx context.Context, in pipeline.SpeechInput) (pipeline.Audio, error) {
	client, err := p.resolveClient(ctx)
	if err != nil {
		return pipeline.Audio{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	text := SSML(in.Text, in.Emotion)
	sampleRate := strconv.Itoa(outputFormat.SampleRate)

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &sampleRate,
		Text:         &text,
		TextType:     pollytypes.TextTypeSsml,
		VoiceId:      pollytypes.VoiceId(p.voiceFor(in)),
	})
	if err != nil {
		return pipeline.Audio{}, classify(err)
	}
	if out == nil || out.AudioStream == nil {
		return pipeline.Audio{}, fmt.Errorf("%w: %s: empty audio stream", pipeline.ErrMalformedOutput, Name)
	}
	defer out.AudioStream.Close() //nolint:errcheck

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.AudioStream); err != nil {
		return pipeline.Audio{}, fmt.Errorf("%s: read audio: %w", Name, err)
	}
	if err := media.ValidatePCMData(buf.Bytes(), outputFormat); err != nil {
		return pipeline.Audio{}, fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedOutput, Name, err)
	}

	path, d, err := p.cfg.Store.SaveWAV(Name, buf.Bytes(), outputFormat)
	if err != nil {
		return pipeline.Audio{}, err
	}
	return pipeline.Audio{Ref: path, DurationSeconds: d.Seconds(), Format: "wav"}, nil
}

func (p *Provider) voiceFor(in pipeline.SpeechInput) string {
	if in.Voice != "" {
		return in.Voice
	}
	if p.cfg.Voice != "" {
		return p.cfg.Voice
	}
	if t, err := language.Parse(in.Language); err == nil {
		base, _ := t.Base()
		if v, ok := voices[base.String()]; ok {
			return v
		}
	}
	return voices["en"]
}

// SSML wraps text in a prosody element tuned to the emotion.
func SSML(text, emotion string) string {
	rate, volume := "medium", "medium"
	switch emotion {
	case "excited", "surprised":
		rate, volume = "fast", "loud"
	case "happy":
		rate = "105%"
	case "calm", "sad":
		rate, volume = "slow", "soft"
	case "serious":
		rate = "95%"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<speak><prosody rate="%s" volume="%s">`, rate, volume)
	xml.EscapeText(&b, []byte(text)) //nolint:errcheck
	b.WriteString("</prosody></speak>")
	return b.String()
}

// classify marks client-side Polly errors permanent.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException",
			"EngineNotSupportedException", "LanguageNotSupportedException":
			return retry.Permanent(fmt.Errorf("%s: %w", Name, err))
		}
	}
	return fmt.Errorf("%s: %w", Name, err)
}

func (p *Provider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.cfg.Region == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: %s: no region", pipeline.ErrProviderUnavailable, Name))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("load aws config: %w", err))
	}
	p.client = polly.NewFromConfig(awsCfg)
	p.logger.Debug("Created Polly client", "region", p.cfg.Region)
	return p.client, nil
}
