package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage is one of the three generation phases.
type Stage int

const (
	// StageScript produces the ad copy.
	StageScript Stage = iota
	// StageSpeech turns the script into a voice track.
	StageSpeech
	// StageLipSync renders the talking video from the voice track.
	StageLipSync
)

// Stages lists the stages in execution order.
var Stages = []Stage{StageScript, StageSpeech, StageLipSync}

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageScript:
		return "script"
	case StageSpeech:
		return "speech"
	case StageLipSync:
		return "lipsync"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	st, ok := ParseStage(string(text))
	if !ok {
		return fmt.Errorf("unknown stage %q", text)
	}
	*s = st
	return nil
}

// ParseStage parses a stage name.
func ParseStage(name string) (Stage, bool) {
	for _, s := range Stages {
		if strings.EqualFold(name, s.String()) {
			return s, true
		}
	}
	return 0, false
}

// ScriptInput is everything a script provider needs.
type ScriptInput struct {
	SubjectRef  string `json:"subject_ref"`
	SubjectName string `json:"subject_name"`
	Category    string `json:"category,omitempty"`
	Tagline     string `json:"tagline,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language"`
	Emotion     string `json:"emotion"`
	Tone        string `json:"tone"`
}

// Script is the output of the script stage.
type Script struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Emotion  string `json:"emotion"`
}

// SpeechInput is everything a speech provider needs.
type SpeechInput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Emotion  string `json:"emotion"`
	Voice    string `json:"voice,omitempty"`
}

// Audio is the output of the speech stage. Ref points at a playable file or URL.
type Audio struct {
	Ref             string  `json:"audio_ref"`
	DurationSeconds float64 `json:"duration_seconds"`
	Format          string  `json:"format,omitempty"`
}

// LipSyncInput is everything a lip-sync provider needs.
type LipSyncInput struct {
	SubjectRef    string  `json:"subject_ref"`
	ImageRef      string  `json:"image_ref,omitempty"`
	AudioRef      string  `json:"audio_ref"`
	AudioDuration float64 `json:"audio_duration,omitempty"`
	Emotion       string  `json:"emotion"`
}

// Video is the output of the lip-sync stage.
type Video struct {
	Ref             string  `json:"video_ref"`
	DurationSeconds float64 `json:"duration_seconds"`
	JobID           string  `json:"job_id,omitempty"`
}

// Provider is one interchangeable generator for a stage. Available must be
// derived from configuration only and never touch the network.
type Provider[In, Out any] interface {
	Name() string
	Available() bool
	Generate(ctx context.Context, in In) (Out, error)
}

// Stage-specific provider shapes.
type (
	ScriptProvider  = Provider[ScriptInput, Script]
	SpeechProvider  = Provider[SpeechInput, Audio]
	LipSyncProvider = Provider[LipSyncInput, Video]
)

// Options tune one pipeline run. Empty fields fall back to user
// preferences, subject metadata and configured defaults, in that order.
type Options struct {
	Language    string `json:"language,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
	Tone        string `json:"tone,omitempty"`
	Voice       string `json:"voice,omitempty"`
	Description string `json:"description,omitempty"`

	// SkipCache forces fresh provider calls; results are still written back.
	SkipCache bool `json:"skip_cache,omitempty"`
}

// SubjectMetadata describes the product or poster being advertised.
type SubjectMetadata struct {
	Ref         string `json:"ref" yaml:"ref" mapstructure:"ref"`
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
	Category    string `json:"category,omitempty" yaml:"category" mapstructure:"category"`
	Tone        string `json:"tone,omitempty" yaml:"tone" mapstructure:"tone"`
	Language    string `json:"language,omitempty" yaml:"language" mapstructure:"language"`
	Tagline     string `json:"tagline,omitempty" yaml:"tagline" mapstructure:"tagline"`
	Description string `json:"description,omitempty" yaml:"description" mapstructure:"description"`
	ImageRef    string `json:"image_ref,omitempty" yaml:"image_ref" mapstructure:"image_ref"`
}

// Preferences are the user's presentation preferences.
type Preferences struct {
	Language string `json:"language,omitempty"`
	Tone     string `json:"tone,omitempty"`
}

// SubjectCatalog looks subjects up. A missing subject is reported with an
// error matching ErrSubjectNotFound.
type SubjectCatalog interface {
	SubjectMetadata(ctx context.Context, ref string) (SubjectMetadata, error)
}

// PreferenceSource returns the current user preferences.
type PreferenceSource interface {
	Preferences(ctx context.Context) (Preferences, error)
}

// AssetRecorder persists a finished ad. Failures never fail the pipeline.
type AssetRecorder interface {
	RecordGeneratedAsset(ctx context.Context, subjectRef, videoRef, audioRef string) error
}

// StageReport describes how a stage was satisfied.
type StageReport struct {
	Provider string        `json:"provider"`
	Cached   bool          `json:"cached"`
	Fallback bool          `json:"fallback,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"-"`
}

// MarshalJSON renders the duration in milliseconds.
func (r StageReport) MarshalJSON() ([]byte, error) {
	type alias StageReport
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration_ms"`
	}{alias(r), r.Duration.Milliseconds()})
}

// StageResult is the outcome of running a single stage.
type StageResult[Out any] struct {
	Output Out         `json:"output"`
	Report StageReport `json:"report"`
}

// ResultMetadata accompanies a finished pipeline run.
type ResultMetadata struct {
	JobID      string                `json:"job_id"`
	SubjectRef string                `json:"subject_ref"`
	Subject    SubjectMetadata       `json:"subject"`
	Stages     map[Stage]StageReport `json:"stages"`
	Total      time.Duration         `json:"-"`
	TotalMs    int64                 `json:"total_ms"`
	TargetsMet map[string]bool       `json:"targets_met,omitempty"`
	Streaming  bool                  `json:"streaming,omitempty"`
}

// PipelineResult is the final output of a full pipeline run.
type PipelineResult struct {
	Script   Script         `json:"script"`
	Audio    Audio          `json:"audio"`
	Video    Video          `json:"video"`
	Metadata ResultMetadata `json:"metadata"`
}

// Cached reports whether every stage was served from cache.
func (r *PipelineResult) Cached() bool {
	for _, s := range Stages {
		if rep, ok := r.Metadata.Stages[s]; !ok || !rep.Cached {
			return false
		}
	}
	return true
}
