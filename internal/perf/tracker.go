// Package perf records per-stage and end-to-end pipeline timings and compares
// them against latency targets. It is observability only: unknown request ids
// are logged and ignored, and no method ever blocks on I/O.
package perf

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Stage names understood by the tracker.
const (
	StageScript      = "script"
	StageSpeech      = "speech"
	StageLipSync     = "lipsync"
	StagePlaceholder = "placeholder"
)

// Target dimensions.
const (
	DimScript      = "script"
	DimAudioStart  = "audio_start"
	DimVideoRender = "video_render"
	DimTotal       = "total"
)

var dimensions = []string{DimScript, DimAudioStart, DimVideoRender, DimTotal}

// Targets are the latency budgets a run is judged against.
type Targets struct {
	Script      time.Duration `yaml:"script"`
	AudioStart  time.Duration `yaml:"audio_start"`
	VideoRender time.Duration `yaml:"video_render"`
	Total       time.Duration `yaml:"total"`

	// Window is how many finished runs are kept for the summary.
	Window int `yaml:"window"`
}

// DefaultTargets returns the default latency budgets.
func DefaultTargets() Targets {
	return Targets{
		Script:      3 * time.Second,
		AudioStart:  5 * time.Second,
		VideoRender: 30 * time.Second,
		Total:       45 * time.Second,
		Window:      200,
	}
}

func (t Targets) limit(dim string) time.Duration {
	switch dim {
	case DimScript:
		return t.Script
	case DimAudioStart:
		return t.AudioStart
	case DimVideoRender:
		return t.VideoRender
	case DimTotal:
		return t.Total
	}
	return 0
}

// Record is the timing history of one request.
type Record struct {
	RequestID  string
	SubjectRef string
	Started    time.Time

	// Stages holds each stage's own duration; Marks holds the elapsed time
	// since Started at which the stage finished.
	Stages map[string]time.Duration
	Marks  map[string]time.Duration

	Total     time.Duration
	Completed bool
	Failed    bool
	Canceled  bool
	Reason    string

	// Met holds the pass/fail outcome per target dimension, filled on completion.
	Met map[string]bool
}

// AudioStart is the delay until any playable audio existed.
func (r *Record) AudioStart() (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, stage := range []string{StagePlaceholder, StageSpeech} {
		if m, ok := r.Marks[stage]; ok && (!found || m < best) {
			best, found = m, true
		}
	}
	return best, found
}

func (r *Record) measure(dim string) (time.Duration, bool) {
	switch dim {
	case DimScript:
		d, ok := r.Stages[StageScript]
		return d, ok
	case DimAudioStart:
		return r.AudioStart()
	case DimVideoRender:
		d, ok := r.Stages[StageLipSync]
		return d, ok
	case DimTotal:
		return r.Total, r.Completed
	}
	return 0, false
}

// Tracker accumulates records for in-flight and recent requests.
type Tracker struct {
	targets Targets
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*Record
	recent []*Record // oldest first, at most targets.Window
}

// NewTracker creates a tracker. A nil logger uses the package default.
func NewTracker(targets Targets, logger *log.Logger) *Tracker {
	if targets.Window <= 0 {
		targets.Window = DefaultTargets().Window
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		targets: targets,
		logger:  logger.WithPrefix("perf"),
		now:     time.Now,
		active:  make(map[string]*Record),
	}
}

// Targets returns the configured budgets.
func (t *Tracker) Targets() Targets { return t.targets }

// StartTracking opens a record for requestID.
func (t *Tracker) StartTracking(requestID, subjectRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[requestID] = &Record{
		RequestID:  requestID,
		SubjectRef: subjectRef,
		Started:    t.now(),
		Stages:     make(map[string]time.Duration),
		Marks:      make(map[string]time.Duration),
	}

	// Requests that never finish must not grow the map forever
	if limit := t.targets.Window * 4; len(t.active) > limit {
		t.dropOldestActive()
	}
}

// RecordStage stores the duration of one finished stage.
func (t *Tracker) RecordStage(requestID, stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.active[requestID]
	if !ok {
		t.logger.Warn("Stage recorded for unknown request", "request", requestID, "stage", stage)
		return
	}
	rec.Stages[stage] = d
	rec.Marks[stage] = t.now().Sub(rec.Started)

	t.logger.Debug("Stage finished", "request", requestID, "stage", stage, "duration", d)
}

// RecordCompletion closes a successful request and judges it against the targets.
func (t *Tracker) RecordCompletion(requestID string, total time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.active[requestID]
	if !ok {
		t.logger.Warn("Completion recorded for unknown request", "request", requestID)
		return
	}
	delete(t.active, requestID)

	rec.Total = total
	rec.Completed = true
	rec.Met = make(map[string]bool, len(dimensions))

	var missed []string
	for _, dim := range dimensions {
		d, ok := rec.measure(dim)
		limit := t.targets.limit(dim)
		if !ok || limit <= 0 {
			continue
		}
		rec.Met[dim] = d <= limit
		if d > limit {
			missed = append(missed, dim)
		}
	}

	if len(missed) > 0 {
		t.logger.Warn("Latency targets missed",
			"request", requestID,
			"subject", rec.SubjectRef,
			"missed", strings.Join(missed, ","),
			"total", total)
	} else {
		t.logger.Info("Pipeline completed within targets",
			"request", requestID,
			"subject", rec.SubjectRef,
			"total", total)
	}

	t.retain(rec)
}

// RecordFailure closes a failed request.
func (t *Tracker) RecordFailure(requestID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.active[requestID]
	if !ok {
		t.logger.Warn("Failure recorded for unknown request", "request", requestID, "reason", reason)
		return
	}
	delete(t.active, requestID)

	rec.Failed = true
	rec.Reason = reason
	rec.Total = t.now().Sub(rec.Started)

	t.logger.Error("Pipeline failed", "request", requestID, "subject", rec.SubjectRef, "reason", reason)
	t.retain(rec)
}

// RecordCancellation closes a request that was canceled by its caller or by
// CancelJob. It is kept apart from failures.
func (t *Tracker) RecordCancellation(requestID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.active[requestID]
	if !ok {
		t.logger.Debug("Cancellation recorded for unknown request", "request", requestID)
		return
	}
	delete(t.active, requestID)

	rec.Canceled = true
	rec.Reason = reason
	rec.Total = t.now().Sub(rec.Started)

	t.logger.Info("Pipeline canceled", "request", requestID, "subject", rec.SubjectRef, "reason", reason)
	t.retain(rec)
}

// Record returns a copy of the finished or in-flight record for requestID.
func (t *Tracker) Record(requestID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.active[requestID]; ok {
		return rec.clone(), true
	}
	for i := len(t.recent) - 1; i >= 0; i-- {
		if t.recent[i].RequestID == requestID {
			return t.recent[i].clone(), true
		}
	}
	return Record{}, false
}

// Ratio counts target outcomes for one dimension.
type Ratio struct {
	Met    int
	Missed int
}

// HitRate returns Met / (Met + Missed), or 0 when nothing was measured.
func (r Ratio) HitRate() float64 {
	if total := r.Met + r.Missed; total > 0 {
		return float64(r.Met) / float64(total)
	}
	return 0
}

// Summary aggregates the recent window.
type Summary struct {
	Window    int
	Completed int
	Failed    int
	Canceled  int
	InFlight  int

	AvgTotal time.Duration
	AvgStage map[string]time.Duration
	Targets  map[string]Ratio
}

// Summary returns aggregate stats over the recent window.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		Window:   t.targets.Window,
		InFlight: len(t.active),
		AvgStage: make(map[string]time.Duration),
		Targets:  make(map[string]Ratio),
	}

	var totalSum time.Duration
	stageSum := make(map[string]time.Duration)
	stageCount := make(map[string]int)

	for _, rec := range t.recent {
		switch {
		case rec.Failed:
			s.Failed++
			continue
		case rec.Canceled:
			s.Canceled++
			continue
		}
		s.Completed++
		totalSum += rec.Total
		for stage, d := range rec.Stages {
			stageSum[stage] += d
			stageCount[stage]++
		}
		for dim, met := range rec.Met {
			r := s.Targets[dim]
			if met {
				r.Met++
			} else {
				r.Missed++
			}
			s.Targets[dim] = r
		}
	}

	if s.Completed > 0 {
		s.AvgTotal = totalSum / time.Duration(s.Completed)
	}
	for stage, sum := range stageSum {
		s.AvgStage[stage] = sum / time.Duration(stageCount[stage])
	}
	return s
}

// String renders the summary for humans.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s completed, %s failed, %s canceled, %s in flight (window %s)\n",
		humanize.Comma(int64(s.Completed)),
		humanize.Comma(int64(s.Failed)),
		humanize.Comma(int64(s.Canceled)),
		humanize.Comma(int64(s.InFlight)),
		humanize.Comma(int64(s.Window)))
	if s.Completed > 0 {
		fmt.Fprintf(&b, "average total: %s\n", s.AvgTotal.Round(time.Millisecond))
	}

	stages := make([]string, 0, len(s.AvgStage))
	for stage := range s.AvgStage {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		fmt.Fprintf(&b, "  %-12s avg %s\n", stage, s.AvgStage[stage].Round(time.Millisecond))
	}

	for _, dim := range dimensions {
		r, ok := s.Targets[dim]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-12s %s of target (%d/%d)\n",
			dim, humanize.FtoaWithDigits(r.HitRate()*100, 1)+"%", r.Met, r.Met+r.Missed)
	}
	return b.String()
}

func (t *Tracker) retain(rec *Record) {
	t.recent = append(t.recent, rec)
	if over := len(t.recent) - t.targets.Window; over > 0 {
		copy(t.recent, t.recent[over:])
		for i := len(t.recent) - over; i < len(t.recent); i++ {
			t.recent[i] = nil
		}
		t.recent = t.recent[:len(t.recent)-over]
	}
}

func (t *Tracker) dropOldestActive() {
	var oldest *Record
	for _, rec := range t.active {
		if oldest == nil || rec.Started.Before(oldest.Started) {
			oldest = rec
		}
	}
	if oldest != nil {
		delete(t.active, oldest.RequestID)
		t.logger.Debug("Dropped stale request", "request", oldest.RequestID)
	}
}

func (r *Record) clone() Record {
	c := *r
	c.Stages = make(map[string]time.Duration, len(r.Stages))
	for k, v := range r.Stages {
		c.Stages[k] = v
	}
	c.Marks = make(map[string]time.Duration, len(r.Marks))
	for k, v := range r.Marks {
		c.Marks[k] = v
	}
	if r.Met != nil {
		c.Met = make(map[string]bool, len(r.Met))
		for k, v := range r.Met {
			c.Met[k] = v
		}
	}
	return c
}
