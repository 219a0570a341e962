// Package local provides the deterministic generators that terminate every
// provider chain. They never touch the network, are always available and
// derive their output purely from the input, so identical inputs always
// produce identical outputs.
package local

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/text/language"

	"github.com/sunrich/adreel/internal/media"
	"github.com/sunrich/adreel/pipeline"
)

// Name is the provider name reported by every local generator.
const Name = "local"

// Options configure the local generators.
type Options struct {
	// SimulateLatency makes each generator sleep for its delay so that local
	// runs exercise the same timing paths as remote ones.
	SimulateLatency bool
	ScriptDelay     time.Duration
	SpeechDelay     time.Duration
	LipSyncDelay    time.Duration

	WordsPerMinute int
	StockVideos    []string

	Store  *media.Store
	Format media.PCMFormat
	Logger *log.Logger
}

// OptionsFromConfig maps pipeline configuration onto generator options.
func OptionsFromConfig(cfg pipeline.LocalConfig, store *media.Store, logger *log.Logger) Options {
	return Options{
		SimulateLatency: cfg.SimulateLatency,
		ScriptDelay:     cfg.ScriptDelay,
		SpeechDelay:     cfg.SpeechDelay,
		LipSyncDelay:    cfg.LipSyncDelay,
		WordsPerMinute:  cfg.WordsPerMinute,
		StockVideos:     cfg.StockVideos,
		Store:           store,
		Format:          media.DefaultPCMFormat(),
		Logger:          logger,
	}
}

// controls lets tests steer a generator the way a mock engine is steered.
type controls struct {
	mu        sync.Mutex
	delay     time.Duration
	failure   error
	callCount int
}

// SetFailure makes every following call fail with err. nil restores success.
func (c *controls) SetFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = err
}

// SetDelay overrides the simulated latency.
func (c *controls) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// CallCount returns how many times Generate was called.
func (c *controls) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

// begin counts the call, sleeps for the delay and reports any injected failure.
func (c *controls) begin(ctx context.Context) error {
	c.mu.Lock()
	c.callCount++
	delay, failure := c.delay, c.failure
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}

func latency(opts Options, d time.Duration) time.Duration {
	if !opts.SimulateLatency {
		return 0
	}
	return d
}

func hashOf(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// ScriptGenerator writes templated ad copy.
type ScriptGenerator struct {
	controls
}

// NewScriptGenerator creates the local script generator.
func NewScriptGenerator(opts Options) *ScriptGenerator {
	g := &ScriptGenerator{}
	g.delay = latency(opts, opts.ScriptDelay)
	return g
}

func (g *ScriptGenerator) Name() string    { return Name }
func (g *ScriptGenerator) Available() bool { return true }

// Generate fills a template chosen by language and emotion.
func (g *ScriptGenerator) Generate(ctx context.Context, in pipeline.ScriptInput) (pipeline.Script, error) {
	if err := g.begin(ctx); err != nil {
		return pipeline.Script{}, err
	}

	name := strings.TrimSpace(in.SubjectName)
	if name == "" {
		name = in.SubjectRef
	}

	p := phrasesFor(in.Language)
	openers := p.openers[in.Emotion]
	if len(openers) == 0 {
		openers = p.openers["neutral"]
	}
	opener := openers[hashOf(in.SubjectRef, in.Tone)%uint32(len(openers))]

	parts := []string{fmt.Sprintf(opener, name)}
	switch {
	case in.Tagline != "":
		parts = append(parts, sentence(in.Tagline))
	case in.Description != "":
		parts = append(parts, sentence(in.Description))
	}
	if in.Description != "" && in.Tagline != "" {
		parts = append(parts, sentence(in.Description))
	}
	parts = append(parts, p.closers[hashOf(in.SubjectRef, in.Emotion)%uint32(len(p.closers))])

	return pipeline.Script{
		Text:     strings.Join(parts, " "),
		Language: in.Language,
		Emotion:  in.Emotion,
	}, nil
}

func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s[len(s)-1:], ".!?") {
		return s
	}
	return s + "."
}

type phrases struct {
	openers map[string][]string
	closers []string
}

var phrasebook = map[string]phrases{
	"en": {
		openers: map[string][]string{
			"neutral":   {"Introducing %s.", "This is %s."},
			"happy":     {"Say hello to %s!", "Good news: %s is here!"},
			"excited":   {"Get ready for %s!", "It's finally here: %s!"},
			"calm":      {"Take a moment with %s.", "Meet %s, simply."},
			"serious":   {"%s. Built to last.", "When it matters, choose %s."},
			"sad":       {"Some days are hard. %s helps.", "We've all been there. Meet %s."},
			"surprised": {"Wait, is that %s?", "You won't believe %s!"},
		},
		closers: []string{"Try it today.", "Find yours now.", "Don't miss out."},
	},
	"fr": {
		openers: map[string][]string{
			"neutral": {"Voici %s.", "Découvrez %s."},
			"happy":   {"Dites bonjour à %s !"},
			"excited": {"Préparez-vous pour %s !"},
		},
		closers: []string{"Essayez-le dès aujourd'hui.", "Ne le manquez pas."},
	},
	"de": {
		openers: map[string][]string{
			"neutral": {"Das ist %s.", "Entdecken Sie %s."},
			"happy":   {"Sagen Sie Hallo zu %s!"},
			"excited": {"Machen Sie sich bereit für %s!"},
		},
		closers: []string{"Probieren Sie es noch heute.", "Jetzt entdecken."},
	},
	"es": {
		openers: map[string][]string{
			"neutral": {"Presentamos %s.", "Descubre %s."},
			"happy":   {"¡Saluda a %s!"},
			"excited": {"¡Prepárate para %s!"},
		},
		closers: []string{"Pruébalo hoy.", "No te lo pierdas."},
	},
}

// phrasesFor picks the phrasebook for the tag's base language, English otherwise.
func phrasesFor(tag string) phrases {
	if t, err := language.Parse(tag); err == nil {
		base, _ := t.Base()
		if p, ok := phrasebook[base.String()]; ok {
			return p
		}
	}
	return phrasebook["en"]
}

// SpeechGenerator renders speech-like audio into WAV files.
type SpeechGenerator struct {
	controls
	wpm    int
	format media.PCMFormat
	store  *media.Store
}

// NewSpeechGenerator creates the local speech generator. Without a store
// audio is written to the default directory.
func NewSpeechGenerator(opts Options) (*SpeechGenerator, error) {
	store, format, err := audioDeps(opts)
	if err != nil {
		return nil, err
	}
	g := &SpeechGenerator{wpm: opts.WordsPerMinute, format: format, store: store}
	g.delay = latency(opts, opts.SpeechDelay)
	return g, nil
}

func (g *SpeechGenerator) Name() string    { return Name }
func (g *SpeechGenerator) Available() bool { return true }

// Generate babbles one tone per word and stores the result.
func (g *SpeechGenerator) Generate(ctx context.Context, in pipeline.SpeechInput) (pipeline.Audio, error) {
	if err := g.begin(ctx); err != nil {
		return pipeline.Audio{}, err
	}
	return saveWAV(g.store, "speech", media.Babble(in.Text, g.wpm, g.format), g.format)
}

// Bounds on the placeholder chime. Between them it lasts a quarter of the
// time the script takes to read aloud.
const (
	minChime = 600 * time.Millisecond
	maxChime = 2 * time.Second
)

// PlaceholderGenerator produces a short chime used while real speech is pending.
type PlaceholderGenerator struct {
	controls
	wpm    int
	format media.PCMFormat
	store  *media.Store
}

// NewPlaceholderGenerator creates the placeholder generator.
func NewPlaceholderGenerator(opts Options) (*PlaceholderGenerator, error) {
	store, format, err := audioDeps(opts)
	if err != nil {
		return nil, err
	}
	return &PlaceholderGenerator{wpm: opts.WordsPerMinute, format: format, store: store}, nil
}

func (g *PlaceholderGenerator) Name() string    { return "placeholder" }
func (g *PlaceholderGenerator) Available() bool { return true }

// Generate returns a two-note chime. Its pitch depends on the emotion, its
// length on the text.
func (g *PlaceholderGenerator) Generate(ctx context.Context, in pipeline.SpeechInput) (pipeline.Audio, error) {
	if err := g.begin(ctx); err != nil {
		return pipeline.Audio{}, err
	}
	note := chimeLength(in.Text, g.wpm) / 2
	base := 440.0 + float64(hashOf(in.Emotion)%120)
	pcm := media.GenerateTone(note, base, 0.2, g.format)
	pcm = append(pcm, media.GenerateTone(note, base*1.25, 0.2, g.format)...)
	return saveWAV(g.store, "placeholder", pcm, g.format)
}

func chimeLength(text string, wpm int) time.Duration {
	return min(max(media.EstimateSpeechDuration(text, wpm)/4, minChime), maxChime)
}

func audioDeps(opts Options) (*media.Store, media.PCMFormat, error) {
	format := opts.Format
	if format == (media.PCMFormat{}) {
		format = media.DefaultPCMFormat()
	}
	if err := format.Validate(); err != nil {
		return nil, format, err
	}
	store := opts.Store
	if store == nil {
		var err error
		if store, err = media.NewStore(""); err != nil {
			return nil, format, err
		}
	}
	return store, format, nil
}

func saveWAV(store *media.Store, prefix string, pcm []byte, format media.PCMFormat) (pipeline.Audio, error) {
	path, d, err := store.SaveWAV(prefix, pcm, format)
	if err != nil {
		return pipeline.Audio{}, err
	}
	return pipeline.Audio{Ref: path, DurationSeconds: d.Seconds(), Format: "wav"}, nil
}

// LipSyncGenerator maps a request onto a stock presenter video.
type LipSyncGenerator struct {
	controls
	videos []string
}

// NewLipSyncGenerator creates the local lip-sync generator.
func NewLipSyncGenerator(opts Options) *LipSyncGenerator {
	videos := opts.StockVideos
	if len(videos) == 0 {
		videos = pipeline.DefaultConfig().Local.StockVideos
	}
	g := &LipSyncGenerator{videos: videos}
	g.delay = latency(opts, opts.LipSyncDelay)
	return g
}

func (g *LipSyncGenerator) Name() string    { return Name }
func (g *LipSyncGenerator) Available() bool { return true }

// Generate picks the stock video whose name mentions the emotion, or one
// chosen by hashing the subject, and tags it with the request.
func (g *LipSyncGenerator) Generate(ctx context.Context, in pipeline.LipSyncInput) (pipeline.Video, error) {
	if err := g.begin(ctx); err != nil {
		return pipeline.Video{}, err
	}

	stock := g.videos[hashOf(in.SubjectRef)%uint32(len(g.videos))]
	if in.Emotion != "" {
		for _, v := range g.videos {
			if strings.Contains(strings.ToLower(filepath.Base(v)), in.Emotion) {
				stock = v
				break
			}
		}
	}

	u, err := url.Parse(stock)
	if err != nil {
		return pipeline.Video{}, fmt.Errorf("invalid stock video %q: %w", stock, err)
	}
	q := u.Query()
	q.Set("subject", in.SubjectRef)
	q.Set("audio", filepath.Base(in.AudioRef))
	u.RawQuery = q.Encode()

	return pipeline.Video{
		Ref:             u.String(),
		DurationSeconds: in.AudioDuration,
		JobID:           fmt.Sprintf("local-%08x", hashOf(in.SubjectRef, in.AudioRef, in.Emotion)),
	}, nil
}

// Generators bundles one generator per stage.
type Generators struct {
	Script      *ScriptGenerator
	Speech      *SpeechGenerator
	LipSync     *LipSyncGenerator
	Placeholder *PlaceholderGenerator
}

// New creates every local generator.
func New(opts Options) (*Generators, error) {
	speech, err := NewSpeechGenerator(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create local speech generator: %w", err)
	}
	placeholder, err := NewPlaceholderGenerator(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create placeholder generator: %w", err)
	}
	if opts.Logger != nil {
		opts.Logger.Debug("Local generators ready", "audio_dir", speech.store.Dir(), "simulate_latency", opts.SimulateLatency)
	}
	return &Generators{
		Script:      NewScriptGenerator(opts),
		Speech:      speech,
		LipSync:     NewLipSyncGenerator(opts),
		Placeholder: placeholder,
	}, nil
}
