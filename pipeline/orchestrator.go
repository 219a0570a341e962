package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/sunrich/adreel/internal/cache"
	"github.com/sunrich/adreel/internal/perf"
)

// maxSubjectRefLen bounds subject references accepted from callers.
const maxSubjectRefLen = 256

// Orchestrator sequences the script, speech and lip-sync stages. Each stage
// consults the cache, runs its provider chain on a miss and writes the
// result through. Job state lives in an injected JobStore.
type Orchestrator struct {
	cfg    Config
	chains Chains

	cache        *cache.Manager
	scriptCache  *cache.Namespace
	speechCache  *cache.Namespace
	lipsyncCache *cache.Namespace
	subjectCache *cache.Namespace
	prefsCache   *cache.Namespace

	jobs     JobStore
	tracker  *perf.Tracker
	catalog  SubjectCatalog
	prefs    PreferenceSource
	recorder AssetRecorder
	logger   *log.Logger
	tracer   trace.Tracer

	lookups singleflight.Group

	// Shutdown bookkeeping: mu orders admission against Shutdown so that
	// inflight.Add never races inflight.Wait.
	mu       sync.RWMutex
	closed   bool
	baseCtx  context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the pipeline configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithCache enables result caching. Without it every call reaches the
// providers.
func WithCache(m *cache.Manager) Option {
	return func(o *Orchestrator) { o.cache = m }
}

// WithJobStore replaces the default in-memory job store.
func WithJobStore(s JobStore) Option {
	return func(o *Orchestrator) { o.jobs = s }
}

// WithTracker sets the performance tracker.
func WithTracker(t *perf.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithCatalog sets the subject metadata source.
func WithCatalog(c SubjectCatalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithPreferences sets the user preference source.
func WithPreferences(p PreferenceSource) Option {
	return func(o *Orchestrator) { o.prefs = p }
}

// WithAssetRecorder sets the hook called after a run is finalized.
func WithAssetRecorder(r AssetRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. Every chain must end in a local fallback.
func New(chains Chains, opts ...Option) (*Orchestrator, error) {
	if err := chains.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:    DefaultConfig(),
		chains: chains,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = log.Default()
	}
	o.logger = o.logger.WithPrefix("pipeline")
	if o.jobs == nil {
		o.jobs = NewMemoryJobStore(o.cfg.Jobs.Retention)
	}
	if o.tracker == nil {
		o.tracker = perf.NewTracker(o.cfg.Targets, o.logger)
	}
	if o.cache != nil {
		o.scriptCache = o.cache.Namespace("script", o.cfg.Script.CacheTTL)
		o.speechCache = o.cache.Namespace("speech", o.cfg.Speech.CacheTTL)
		o.lipsyncCache = o.cache.Namespace("lipsync", o.cfg.LipSync.CacheTTL)
		o.subjectCache = o.cache.Namespace("subject", o.cfg.Cache.MetadataTTL)
		o.prefsCache = o.cache.Namespace("preferences", o.cfg.Cache.PreferencesTTL)
	}

	o.baseCtx, o.stop = context.WithCancel(context.Background())
	return o, nil
}

// Config returns the configuration in use.
func (o *Orchestrator) Config() Config { return o.cfg }

// Tracker returns the performance tracker.
func (o *Orchestrator) Tracker() *perf.Tracker { return o.tracker }

// RunPipeline runs every stage and waits for the result. A stage that
// exhausts its chain fails the call with a *StageError wrapping a
// *StageExhaustedError.
func (o *Orchestrator) RunPipeline(ctx context.Context, subjectRef string, opts Options) (*PipelineResult, error) {
	ref, err := o.admit(subjectRef, opts)
	if err != nil {
		return nil, err
	}
	defer o.inflight.Done()

	ctx, cancel := o.bind(ctx)
	defer cancel()

	job := o.jobs.Create(ref, false)
	return o.execute(ctx, job.ID, ref, opts)
}

// StartPipeline creates a job and runs it in the background. The returned
// id can be polled with GetJobStatus.
func (o *Orchestrator) StartPipeline(ctx context.Context, subjectRef string, opts Options) (string, error) {
	ref, err := o.admit(subjectRef, opts)
	if err != nil {
		return "", err
	}

	job := o.jobs.Create(ref, false)
	o.logger.Info("Job started", "job", job.ID, "subject", ref)

	// The run outlives the request that started it
	runCtx := trace.ContextWithSpanContext(o.baseCtx, trace.SpanContextFromContext(ctx))
	go func() {
		defer o.inflight.Done()
		_, _ = o.execute(runCtx, job.ID, ref, opts)
	}()
	return job.ID, nil
}

// GetJobStatus returns a snapshot of the job, or a *NotFoundError.
func (o *Orchestrator) GetJobStatus(id string) (PipelineJob, error) {
	return o.jobs.Get(id)
}

// CancelJob stops a job from starting further stages. A provider call in
// flight is not interrupted; its result is discarded.
func (o *Orchestrator) CancelJob(id string) (PipelineJob, error) {
	job, err := o.jobs.Cancel(id)
	if err != nil {
		return job, err
	}
	o.logger.Info("Job canceled", "job", id, "stage", job.Error.Stage)
	return job, nil
}

// WatchJob streams job snapshots until the job is terminal or ctx ends.
func (o *Orchestrator) WatchJob(ctx context.Context, id string) (<-chan PipelineJob, error) {
	return o.jobs.Watch(ctx, id)
}

// GenerateScript runs only the script stage.
func (o *Orchestrator) GenerateScript(ctx context.Context, subjectRef string, opts Options) (StageResult[Script], error) {
	ref, err := o.admit(subjectRef, opts)
	if err != nil {
		return StageResult[Script]{}, err
	}
	defer o.inflight.Done()

	ctx, cancel := o.bind(ctx)
	defer cancel()

	subject, prefs, err := o.resolveInputs(ctx, ref)
	if err != nil {
		return StageResult[Script]{}, &StageError{Stage: StageScript, Err: err}
	}
	in, err := o.scriptInput(subject, prefs, opts)
	if err != nil {
		return StageResult[Script]{}, err
	}

	r, err := runStage(ctx, o, o.chains.Script, o.scriptCache, scriptKey(in), in, opts.SkipCache)
	if err != nil {
		return r, &StageError{Stage: StageScript, Err: err}
	}
	return r, nil
}

// GenerateAudio runs only the speech stage.
func (o *Orchestrator) GenerateAudio(ctx context.Context, in SpeechInput, skipCache bool) (StageResult[Audio], error) {
	if strings.TrimSpace(in.Text) == "" {
		return StageResult[Audio]{}, &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if err := validateOptions(Options{Language: in.Language, Emotion: in.Emotion}); err != nil {
		return StageResult[Audio]{}, err
	}
	if err := o.enter(); err != nil {
		return StageResult[Audio]{}, err
	}
	defer o.inflight.Done()

	ctx, cancel := o.bind(ctx)
	defer cancel()

	in.Language = o.pickLanguage(in.Language)
	in.Emotion = o.pickEmotion(in.Emotion)
	if in.Voice == "" {
		in.Voice = o.cfg.Defaults.Voice
	}

	r, err := runStage(ctx, o, o.chains.Speech, o.speechCache, speechKey(in), in, skipCache)
	if err != nil {
		return r, &StageError{Stage: StageSpeech, Err: err}
	}
	return r, nil
}

// GenerateLipSync runs only the lip-sync stage.
func (o *Orchestrator) GenerateLipSync(ctx context.Context, in LipSyncInput, skipCache bool) (StageResult[Video], error) {
	if strings.TrimSpace(in.AudioRef) == "" {
		return StageResult[Video]{}, &ValidationError{Field: "audioRef", Reason: "must not be empty"}
	}
	ref, err := o.admit(in.SubjectRef, Options{Emotion: in.Emotion})
	if err != nil {
		return StageResult[Video]{}, err
	}
	defer o.inflight.Done()

	ctx, cancel := o.bind(ctx)
	defer cancel()

	in.SubjectRef = ref
	in.Emotion = o.pickEmotion(in.Emotion)
	if in.ImageRef == "" {
		subject, err := o.resolveSubject(ctx, ref)
		if err != nil {
			return StageResult[Video]{}, &StageError{Stage: StageLipSync, Err: err}
		}
		in.ImageRef = subject.ImageRef
	}

	r, err := runStage(ctx, o, o.chains.LipSync, o.lipsyncCache, lipsyncKey(in), in, skipCache)
	if err != nil {
		return r, &StageError{Stage: StageLipSync, Err: err}
	}
	return r, nil
}

// Stats is a snapshot of the orchestrator's observability data.
type Stats struct {
	Performance perf.Summary        `json:"performance"`
	Cache       *cache.ManagerStats `json:"cache,omitempty"`
	Providers   map[string][]string `json:"providers"`
}

// Stats returns performance and cache statistics.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Performance: o.tracker.Summary(),
		Providers: map[string][]string{
			StageScript.String():  o.chains.Script.ProviderNames(),
			StageSpeech.String():  o.chains.Speech.ProviderNames(),
			StageLipSync.String(): o.chains.LipSync.ProviderNames(),
		},
	}
	if o.cache != nil {
		cs := o.cache.Stats()
		s.Cache = &cs
	}
	return s
}

// Shutdown refuses new work, cancels background jobs and waits for every
// run to return or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.stop()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Pipeline shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit validates caller input and registers one unit of in-flight work.
// The caller must call o.inflight.Done when admit succeeds.
func (o *Orchestrator) admit(subjectRef string, opts Options) (string, error) {
	ref := strings.TrimSpace(subjectRef)
	switch {
	case ref == "":
		return "", &ValidationError{Field: "subjectRef", Reason: "must not be empty"}
	case len(ref) > maxSubjectRefLen:
		return "", &ValidationError{Field: "subjectRef", Reason: fmt.Sprintf("longer than %d bytes", maxSubjectRefLen)}
	}
	if err := validateOptions(opts); err != nil {
		return "", err
	}
	return ref, o.enter()
}

func validateOptions(opts Options) error {
	if opts.Language != "" {
		if _, err := CanonicalLanguage(opts.Language); err != nil {
			return err
		}
	}
	if opts.Emotion != "" && !ValidEmotion(opts.Emotion) {
		return &ValidationError{Field: "emotion", Reason: fmt.Sprintf("%q is not one of %v", opts.Emotion, Emotions)}
	}
	return nil
}

// enter registers in-flight work unless Shutdown has begun.
func (o *Orchestrator) enter() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrShutdown
	}
	o.inflight.Add(1)
	return nil
}

// bind derives a context that also ends on Shutdown.
func (o *Orchestrator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// execute runs the stages strictly in sequence.
func (o *Orchestrator) execute(ctx context.Context, jobID, ref string, opts Options) (*PipelineResult, error) {
	start := time.Now()
	o.tracker.StartTracking(jobID, ref)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("subject.ref", ref)))
	defer span.End()

	if err := o.checkpoint(jobID, StageScript); err != nil {
		return nil, err
	}
	subject, prefs, err := o.resolveInputs(ctx, ref)
	if err != nil {
		return nil, o.fail(jobID, StageScript, err)
	}
	scriptIn, err := o.scriptInput(subject, prefs, opts)
	if err != nil {
		return nil, o.fail(jobID, StageScript, err)
	}

	res := newResult(jobID, ref, subject, false)

	script, err := o.scriptStage(ctx, jobID, scriptIn, opts)
	if err != nil {
		return nil, err
	}
	res.add(StageScript, script.Report)
	res.Script = script.Output

	audio, err := o.speechStage(ctx, jobID, o.speechInput(script.Output, opts), opts)
	if err != nil {
		return nil, err
	}
	res.add(StageSpeech, audio.Report)
	res.Audio = audio.Output

	video, err := o.lipsyncStage(ctx, jobID, lipsyncInput(subject, audio.Output, script.Output), opts)
	if err != nil {
		return nil, err
	}
	res.add(StageLipSync, video.Report)
	res.Video = video.Output

	return o.finish(ctx, jobID, res, start)
}

func (o *Orchestrator) scriptStage(ctx context.Context, jobID string, in ScriptInput, opts Options) (StageResult[Script], error) {
	return runJobStage(ctx, o, jobID, StageScript, o.chains.Script, o.scriptCache, scriptKey(in), in, opts.SkipCache,
		func(s Script) string { return s.Text })
}

func (o *Orchestrator) speechStage(ctx context.Context, jobID string, in SpeechInput, opts Options) (StageResult[Audio], error) {
	return runJobStage(ctx, o, jobID, StageSpeech, o.chains.Speech, o.speechCache, speechKey(in), in, opts.SkipCache,
		func(a Audio) string { return a.Ref })
}

func (o *Orchestrator) lipsyncStage(ctx context.Context, jobID string, in LipSyncInput, opts Options) (StageResult[Video], error) {
	return runJobStage(ctx, o, jobID, StageLipSync, o.chains.LipSync, o.lipsyncCache, lipsyncKey(in), in, opts.SkipCache,
		func(v Video) string { return v.Ref })
}

// finish finalizes the job, then records timings and the generated asset.
func (o *Orchestrator) finish(ctx context.Context, jobID string, res *PipelineResult, start time.Time) (*PipelineResult, error) {
	if _, err := o.jobs.Complete(jobID); err != nil {
		return nil, o.abandon(jobID, StageLipSync, err)
	}

	total := time.Since(start)
	o.tracker.RecordCompletion(jobID, total)
	if rec, ok := o.tracker.Record(jobID); ok {
		res.Metadata.TargetsMet = rec.Met
	}
	res.Metadata.Total = total
	res.Metadata.TotalMs = total.Milliseconds()

	o.logger.Info("Job completed", "job", jobID, "subject", res.Metadata.SubjectRef, "total", total)

	if o.recorder != nil {
		if err := o.recorder.RecordGeneratedAsset(ctx, res.Metadata.SubjectRef, res.Video.Ref, res.Audio.Ref); err != nil {
			o.logger.Warn("Failed to record generated asset", "job", jobID, "err", err)
		}
	}
	return res, nil
}

// checkpoint stops a run whose job was canceled or purged before stage.
func (o *Orchestrator) checkpoint(jobID string, stage Stage) error {
	job, err := o.jobs.Get(jobID)
	if err != nil {
		o.tracker.RecordFailure(jobID, err.Error())
		return &StageError{Stage: stage, Err: err}
	}
	if job.Stage.Terminal() {
		return o.abandon(jobID, stage, ErrJobTerminal)
	}
	return nil
}

// fail marks the job failed at stage and returns the caller-facing error.
func (o *Orchestrator) fail(jobID string, stage Stage, err error) error {
	cause := err
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	if _, ferr := o.jobs.Fail(jobID, stage, cause); ferr != nil {
		if errors.Is(ferr, ErrJobTerminal) {
			return o.abandon(jobID, stage, ferr)
		}
		o.logger.Warn("Could not mark job failed", "job", jobID, "err", ferr)
	}

	reason := fmt.Sprintf("%s: %v", stage, cause)
	if errors.Is(err, context.Canceled) {
		o.tracker.RecordCancellation(jobID, reason)
		o.logger.Info("Job canceled", "job", jobID, "stage", stage)
	} else {
		o.tracker.RecordFailure(jobID, reason)
		o.logger.Error("Job failed", "job", jobID, "stage", stage, "err", cause)
	}
	return &StageError{Stage: stage, Err: cause}
}

// abandon handles a run whose job reached a terminal stage underneath it,
// normally through CancelJob. Whatever the run produced is discarded.
func (o *Orchestrator) abandon(jobID string, stage Stage, err error) error {
	o.tracker.RecordCancellation(jobID, fmt.Sprintf("%s: canceled", stage))

	if job, gerr := o.jobs.Get(jobID); gerr == nil && job.Error != nil {
		o.logger.Info("Discarding result of canceled job", "job", jobID, "stage", stage)
		return &StageError{Stage: job.Error.Stage, Err: job.Error}
	}
	return &StageError{Stage: stage, Err: err}
}

// resolveInputs fetches subject metadata and user preferences.
func (o *Orchestrator) resolveInputs(ctx context.Context, ref string) (SubjectMetadata, Preferences, error) {
	subject, err := o.resolveSubject(ctx, ref)
	if err != nil {
		return subject, Preferences{}, err
	}
	return subject, o.resolvePreferences(ctx), nil
}

func (o *Orchestrator) resolveSubject(ctx context.Context, ref string) (SubjectMetadata, error) {
	if o.catalog == nil {
		return SubjectMetadata{Ref: ref, Name: ref}, nil
	}
	key := cache.NewKey("subject").Ident("ref", ref).String()
	subject, err := lookup(ctx, o, key, o.subjectCache, func(ctx context.Context) (SubjectMetadata, error) {
		return o.catalog.SubjectMetadata(ctx, ref)
	})
	if err != nil {
		return subject, err
	}
	if subject.Ref == "" {
		subject.Ref = ref
	}
	if subject.Name == "" {
		subject.Name = subject.Ref
	}
	return subject, nil
}

// resolvePreferences never fails: preferences only refine defaults.
func (o *Orchestrator) resolvePreferences(ctx context.Context) Preferences {
	if o.prefs == nil {
		return Preferences{}
	}
	key := cache.NewKey("preferences").String()
	prefs, err := lookup(ctx, o, key, o.prefsCache, o.prefs.Preferences)
	if err != nil {
		o.logger.Warn("Ignoring user preferences", "err", err)
		return Preferences{}
	}
	return prefs
}

// lookup reads an auxiliary value through its cache, collapsing concurrent
// fetches of the same key into one. The shared fetch is detached from every
// caller's cancellation and bounded by the script stage timeout; each caller
// stops waiting when its own ctx ends.
func lookup[T any](ctx context.Context, o *Orchestrator, key string, ns *cache.Namespace, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if ns != nil {
		if data, ok := ns.Get(key); ok {
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				return v, nil
			}
		}
	}

	ch := o.lookups.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.lookupTimeout())
		defer cancel()

		v, err := fetch(fctx)
		if err != nil {
			return v, err
		}
		if ns != nil {
			if data, merr := json.Marshal(v); merr == nil {
				if perr := ns.Put(key, data); perr != nil {
					o.logger.Debug("Auxiliary cache write failed", "cache", ns.Name(), "err", perr)
				}
			}
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Val.(T), nil
	}
}

func (o *Orchestrator) lookupTimeout() time.Duration {
	if o.cfg.Script.Timeout > 0 {
		return o.cfg.Script.Timeout
	}
	return DefaultConfig().Script.Timeout
}

func (o *Orchestrator) scriptInput(subject SubjectMetadata, prefs Preferences, opts Options) (ScriptInput, error) {
	lang := opts.Language
	if lang != "" {
		canonical, err := CanonicalLanguage(lang)
		if err != nil {
			return ScriptInput{}, err
		}
		lang = canonical
	} else {
		lang = o.pickLanguage(prefs.Language, subject.Language)
	}

	return ScriptInput{
		SubjectRef:  subject.Ref,
		SubjectName: subject.Name,
		Category:    subject.Category,
		Tagline:     subject.Tagline,
		Description: firstNonEmpty(opts.Description, subject.Description),
		Language:    lang,
		Emotion:     o.pickEmotion(opts.Emotion),
		Tone:        firstNonEmpty(opts.Tone, prefs.Tone, subject.Tone, o.cfg.Defaults.Tone),
	}, nil
}

func (o *Orchestrator) speechInput(script Script, opts Options) SpeechInput {
	return SpeechInput{
		Text:     script.Text,
		Language: script.Language,
		Emotion:  script.Emotion,
		Voice:    firstNonEmpty(opts.Voice, o.cfg.Defaults.Voice),
	}
}

func lipsyncInput(subject SubjectMetadata, audio Audio, script Script) LipSyncInput {
	return LipSyncInput{
		SubjectRef:    subject.Ref,
		ImageRef:      subject.ImageRef,
		AudioRef:      audio.Ref,
		AudioDuration: audio.DurationSeconds,
		Emotion:       script.Emotion,
	}
}

// pickLanguage returns the first candidate that parses, then the default.
func (o *Orchestrator) pickLanguage(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if tag, err := CanonicalLanguage(c); err == nil {
			return tag
		}
	}
	if tag, err := CanonicalLanguage(o.cfg.Defaults.Language); err == nil {
		return tag
	}
	return "en"
}

func (o *Orchestrator) pickEmotion(e string) string {
	if e != "" && ValidEmotion(e) {
		return strings.ToLower(e)
	}
	return strings.ToLower(firstNonEmpty(o.cfg.Defaults.Emotion, "neutral"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func scriptKey(in ScriptInput) string {
	return cache.NewKey("script").
		Ident("subject", in.SubjectRef).
		Text("name", in.SubjectName).
		Text("category", in.Category).
		Text("tagline", in.Tagline).
		Text("description", in.Description).
		Ident("language", in.Language).
		Ident("emotion", in.Emotion).
		Ident("tone", in.Tone).
		String()
}

func speechKey(in SpeechInput) string {
	return cache.NewKey("speech").
		Text("text", in.Text).
		Ident("language", in.Language).
		Ident("emotion", in.Emotion).
		Ident("voice", in.Voice).
		String()
}

func lipsyncKey(in LipSyncInput) string {
	return cache.NewKey("lipsync").
		Ident("subject", in.SubjectRef).
		Raw("image", in.ImageRef).
		Raw("audio", in.AudioRef).
		Ident("emotion", in.Emotion).
		String()
}

// cachedValue is the stored form of a stage output.
type cachedValue[Out any] struct {
	Value    Out    `json:"value"`
	Provider string `json:"provider"`
	Fallback bool   `json:"fallback,omitempty"`
}

// runStage serves one stage from cache or from its provider chain.
func runStage[In, Out any](ctx context.Context, o *Orchestrator, chain *Chain[In, Out], ns *cache.Namespace, key string, in In, skipCache bool) (StageResult[Out], error) {
	start := time.Now()
	stage := chain.Stage()

	ctx, span := o.tracer.Start(ctx, "stage."+stage.String())
	defer span.End()

	if ns != nil && !skipCache {
		if data, ok := ns.Get(key); ok {
			var cv cachedValue[Out]
			if err := json.Unmarshal(data, &cv); err == nil {
				span.SetAttributes(attribute.Bool("cached", true))
				o.logger.Debug("Cache hit", "stage", stage, "provider", cv.Provider)
				return StageResult[Out]{
					Output: cv.Value,
					Report: StageReport{
						Provider: cv.Provider,
						Cached:   true,
						Fallback: cv.Fallback,
						Duration: time.Since(start),
					},
				}, nil
			}
			o.logger.Warn("Discarding unreadable cache entry", "stage", stage)
		}
	}

	out, rep, err := chain.Generate(ctx, in)
	result := StageResult[Out]{
		Output: out,
		Report: StageReport{
			Provider: rep.Provider,
			Fallback: rep.Fallback,
			Attempts: rep.Attempts,
			Duration: time.Since(start),
		},
	}
	if err != nil {
		return result, err
	}

	if ns != nil {
		data, merr := json.Marshal(cachedValue[Out]{Value: out, Provider: rep.Provider, Fallback: rep.Fallback})
		if merr == nil {
			merr = ns.Put(key, data)
		}
		if merr != nil {
			o.logger.Warn("Cache write failed", "stage", stage, "err", merr)
		}
	}
	span.SetAttributes(attribute.String("provider", rep.Provider), attribute.Bool("cached", false))
	return result, nil
}

// runJobStage runs a stage on behalf of a job and advances the job.
func runJobStage[In, Out any](ctx context.Context, o *Orchestrator, jobID string, stage Stage, chain *Chain[In, Out], ns *cache.Namespace, key string, in In, skipCache bool, value func(Out) string) (StageResult[Out], error) {
	if err := o.checkpoint(jobID, stage); err != nil {
		return StageResult[Out]{}, err
	}

	r, err := runStage(ctx, o, chain, ns, key, in, skipCache)
	if err != nil {
		return r, o.fail(jobID, stage, err)
	}

	if _, err := o.jobs.CompleteStage(jobID, stage, value(r.Output)); err != nil {
		return r, o.abandon(jobID, stage, err)
	}
	o.tracker.RecordStage(jobID, stage.String(), r.Report.Duration)
	o.logger.Info("Stage completed",
		"job", jobID,
		"stage", stage,
		"provider", r.Report.Provider,
		"cached", r.Report.Cached,
		"attempts", r.Report.Attempts,
		"duration", r.Report.Duration)
	return r, nil
}

func newResult(jobID, ref string, subject SubjectMetadata, streaming bool) *PipelineResult {
	return &PipelineResult{
		Metadata: ResultMetadata{
			JobID:      jobID,
			SubjectRef: ref,
			Subject:    subject,
			Stages:     make(map[Stage]StageReport, len(Stages)),
			Streaming:  streaming,
		},
	}
}

func (r *PipelineResult) add(stage Stage, rep StageReport) {
	r.Metadata.Stages[stage] = rep
}
