package pipeline

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/sunrich/adreel/internal/perf"
	"github.com/sunrich/adreel/internal/retry"
)

// Emotions lists the accepted emotion values.
var Emotions = []string{"neutral", "happy", "excited", "calm", "serious", "sad", "surprised"}

// Config contains all pipeline configuration options.
type Config struct {
	Defaults DefaultsConfig `yaml:"defaults"`
	Retry    RetryConfig    `yaml:"retry"`

	// Stage settings; provider lists are in priority order
	Script  StageConfig   `yaml:"script"`
	Speech  StageConfig   `yaml:"speech"`
	LipSync LipSyncConfig `yaml:"lipsync"`

	Cache   CacheConfig   `yaml:"cache"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Targets perf.Targets  `yaml:"targets"`
	Local   LocalConfig   `yaml:"local"`
	Tracing TracingConfig `yaml:"tracing"`
	Server  ServerConfig  `yaml:"server"`

	// Subjects seeds the subject catalog.
	Subjects []SubjectMetadata `yaml:"subjects"`
}

// DefaultsConfig holds values used when neither the request, the user
// preferences nor the subject specify one.
type DefaultsConfig struct {
	Language string `yaml:"language" env:"ADREEL_DEFAULT_LANGUAGE" envDefault:"en"`
	Emotion  string `yaml:"emotion" env:"ADREEL_DEFAULT_EMOTION" envDefault:"happy"`
	Tone     string `yaml:"tone" env:"ADREEL_DEFAULT_TONE" envDefault:"friendly"`
	Voice    string `yaml:"voice" env:"ADREEL_DEFAULT_VOICE"`
}

// RetryConfig is the per-provider retry policy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"ADREEL_RETRY_MAX_RETRIES" envDefault:"2"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"ADREEL_RETRY_BASE_DELAY" envDefault:"200ms"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"ADREEL_RETRY_MAX_DELAY" envDefault:"2s"`
	Jitter     bool          `yaml:"jitter" env:"ADREEL_RETRY_JITTER" envDefault:"false"`
}

// Policy converts the config into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Jitter:     c.Jitter,
	}
}

// StageConfig configures one stage.
type StageConfig struct {
	Providers []string      `yaml:"providers"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// LipSyncConfig configures the lip-sync stage, which polls asynchronous jobs.
type LipSyncConfig struct {
	StageConfig  `yaml:",inline"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MemoryCapacityMB int           `yaml:"memory_capacity_mb"`
	MetadataTTL      time.Duration `yaml:"metadata_ttl"`
	PreferencesTTL   time.Duration `yaml:"preferences_ttl"`
	Dir              string        `yaml:"dir"`
	DiskCapacityMB   int           `yaml:"disk_capacity_mb"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// JobsConfig configures the job store.
type JobsConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// LocalConfig configures the deterministic local generators.
type LocalConfig struct {
	SimulateLatency bool          `yaml:"simulate_latency"`
	ScriptDelay     time.Duration `yaml:"script_delay"`
	SpeechDelay     time.Duration `yaml:"speech_delay"`
	LipSyncDelay    time.Duration `yaml:"lipsync_delay"`
	AudioDir        string        `yaml:"audio_dir"`
	WordsPerMinute  int           `yaml:"words_per_minute"`
	StockVideos     []string      `yaml:"stock_videos"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter string `yaml:"exporter"` // none, stdout, otlphttp
	Endpoint string `yaml:"endpoint"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Defaults: DefaultsConfig{
			Language: "en",
			Emotion:  "happy",
			Tone:     "friendly",
		},
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   2 * time.Second,
		},
		Script: StageConfig{
			Providers: []string{"anthropic", "gemini"},
			Timeout:   15 * time.Second,
			CacheTTL:  24 * time.Hour,
		},
		Speech: StageConfig{
			Providers: []string{"elevenlabs", "polly"},
			Timeout:   20 * time.Second,
			CacheTTL:  24 * time.Hour,
		},
		LipSync: LipSyncConfig{
			StageConfig: StageConfig{
				Providers: []string{"jobapi"},
				Timeout:   120 * time.Second,
				CacheTTL:  72 * time.Hour,
			},
			PollInterval: 2 * time.Second,
			MaxPolls:     60,
		},
		Cache: CacheConfig{
			Enabled:          true,
			MemoryCapacityMB: 64,
			MetadataTTL:      10 * time.Minute,
			PreferencesTTL:   5 * time.Minute,
			DiskCapacityMB:   512,
			CleanupInterval:  5 * time.Minute,
		},
		Jobs: JobsConfig{
			Retention: time.Hour,
		},
		Targets: perf.DefaultTargets(),
		Local: LocalConfig{
			SimulateLatency: true,
			ScriptDelay:     300 * time.Millisecond,
			SpeechDelay:     400 * time.Millisecond,
			LipSyncDelay:    600 * time.Millisecond,
			WordsPerMinute:  150,
			StockVideos: []string{
				"stock://avatars/presenter-neutral.mp4",
				"stock://avatars/presenter-happy.mp4",
				"stock://avatars/presenter-excited.mp4",
			},
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Subjects: DefaultSubjects(),
	}
}

// DefaultSubjects returns the built-in subject catalog.
func DefaultSubjects() []SubjectMetadata {
	return []SubjectMetadata{
		{
			Ref:         "sunrich-001",
			Name:        "SunRich Solar Lantern",
			Category:    "home energy",
			Tone:        "warm",
			Language:    "en",
			Tagline:     "Sunshine you can carry",
			Description: "A foldable solar lantern that charges by day and lights the whole evening.",
			ImageRef:    "images/sunrich-001.png",
		},
		{
			Ref:         "sunrich-002",
			Name:        "SunRich Citrus Spritz",
			Category:    "beverage",
			Tone:        "playful",
			Language:    "en",
			Tagline:     "Bottled summer",
			Description: "A sparkling citrus drink with no added sugar.",
			ImageRef:    "images/sunrich-002.png",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		return fmt.Errorf("retry.max_retries must be between 0 and 10, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}

	for name, sc := range map[string]StageConfig{
		"script":  c.Script,
		"speech":  c.Speech,
		"lipsync": c.LipSync.StageConfig,
	} {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.LipSync.PollInterval <= 0 {
		return fmt.Errorf("lipsync.poll_interval must be positive, got %v", c.LipSync.PollInterval)
	}
	if c.LipSync.MaxPolls < 1 {
		return fmt.Errorf("lipsync.max_polls must be at least 1, got %d", c.LipSync.MaxPolls)
	}

	if c.Cache.Enabled && c.Cache.MemoryCapacityMB < 1 {
		return fmt.Errorf("cache.memory_capacity_mb must be at least 1, got %d", c.Cache.MemoryCapacityMB)
	}
	if c.Jobs.Retention < 0 {
		return fmt.Errorf("jobs.retention must not be negative")
	}
	if c.Local.WordsPerMinute < 1 {
		return fmt.Errorf("local.words_per_minute must be positive, got %d", c.Local.WordsPerMinute)
	}
	if len(c.Local.StockVideos) == 0 {
		return fmt.Errorf("local.stock_videos cannot be empty")
	}

	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout", "otlphttp":
	default:
		return fmt.Errorf("invalid tracing exporter '%s': must be one of [none stdout otlphttp]", c.Tracing.Exporter)
	}

	seen := make(map[string]bool, len(c.Subjects))
	for _, s := range c.Subjects {
		if strings.TrimSpace(s.Ref) == "" {
			return fmt.Errorf("subjects: entry without ref")
		}
		if seen[s.Ref] {
			return fmt.Errorf("subjects: duplicate ref %q", s.Ref)
		}
		seen[s.Ref] = true
	}
	return nil
}

// Validate checks the defaults.
func (c *DefaultsConfig) Validate() error {
	tag, err := CanonicalLanguage(c.Language)
	if err != nil {
		return err
	}
	c.Language = tag
	if !ValidEmotion(c.Emotion) {
		return fmt.Errorf("invalid emotion '%s': must be one of %v", c.Emotion, Emotions)
	}
	c.Emotion = strings.ToLower(c.Emotion)
	return nil
}

// Validate checks a stage config.
func (c *StageConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must not be negative, got %v", c.CacheTTL)
	}
	for i, p := range c.Providers {
		c.Providers[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return nil
}

// CanonicalLanguage parses a BCP 47 tag and returns its canonical form.
func CanonicalLanguage(s string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", &ValidationError{Field: "language", Reason: fmt.Sprintf("%q is not a language tag", s)}
	}
	return tag.String(), nil
}

// ValidEmotion reports whether e is an accepted emotion.
func ValidEmotion(e string) bool {
	for _, v := range Emotions {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}
