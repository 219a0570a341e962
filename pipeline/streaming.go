package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sunrich/adreel/internal/perf"
)

// future is a value produced by one goroutine and awaited by others.
type future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

// resolve must be called exactly once.
func (f *future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Await blocks until the value is resolved or ctx ends.
func (f *future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// RunPipelineStreaming produces the same result as RunPipeline with lower
// time to first audio. Subject metadata and preferences are fetched
// concurrently, a placeholder voice track is generated while the script is
// written, and lip-sync starts once the real speech is ready.
func (o *Orchestrator) RunPipelineStreaming(ctx context.Context, subjectRef string, opts Options) (*PipelineResult, error) {
	ref, err := o.admit(subjectRef, opts)
	if err != nil {
		return nil, err
	}
	defer o.inflight.Done()

	ctx, cancel := o.bind(ctx)
	defer cancel()

	job := o.jobs.Create(ref, true)
	return o.executeStreaming(ctx, job.ID, ref, opts)
}

func (o *Orchestrator) executeStreaming(ctx context.Context, jobID, ref string, opts Options) (*PipelineResult, error) {
	start := time.Now()
	o.tracker.StartTracking(jobID, ref)

	ctx, span := o.tracer.Start(ctx, "pipeline.stream", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("subject.ref", ref)))
	defer span.End()

	if err := o.checkpoint(jobID, StageScript); err != nil {
		return nil, err
	}

	var (
		subjectF = newFuture[SubjectMetadata]()
		prefsF   = newFuture[Preferences]()
		script   StageResult[Script]
		audio    StageResult[Audio]
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		subject, err := o.resolveSubject(gctx, ref)
		subjectF.resolve(subject, err)
		return err
	})

	g.Go(func() error {
		prefsF.resolve(o.resolvePreferences(gctx), nil)
		return nil
	})

	if o.chains.Placeholder != nil {
		g.Go(func() error {
			o.placeholder(gctx, jobID, ref, opts)
			return nil
		})
	}

	g.Go(func() error {
		subject, err := subjectF.Await(gctx)
		if err != nil {
			return err
		}
		prefs, err := prefsF.Await(gctx)
		if err != nil {
			return err
		}
		in, err := o.scriptInput(subject, prefs, opts)
		if err != nil {
			return err
		}

		script, err = o.scriptStage(gctx, jobID, in, opts)
		if err != nil {
			return err
		}
		audio, err = o.speechStage(gctx, jobID, o.speechInput(script.Output, opts), opts)
		return err
	})

	if err := g.Wait(); err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, o.fail(jobID, o.pendingStage(jobID), err)
	}

	subject := subjectF.val
	res := newResult(jobID, ref, subject, true)
	res.add(StageScript, script.Report)
	res.Script = script.Output
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

// placeholder generates throwaway audio so playback can begin before the
// real voice track exists. Failures are logged and otherwise ignored.
func (o *Orchestrator) placeholder(ctx context.Context, jobID, ref string, opts Options) {
	start := time.Now()
	in := SpeechInput{
		Text:     fmt.Sprintf("Introducing %s.", ref),
		Language: o.pickLanguage(opts.Language),
		Emotion:  o.pickEmotion(opts.Emotion),
		Voice:    firstNonEmpty(opts.Voice, o.cfg.Defaults.Voice),
	}

	audio, err := o.chains.Placeholder.Generate(ctx, in)
	if err == nil {
		err = ValidateAudio(audio)
	}
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("Placeholder audio failed", "job", jobID, "err", err)
		}
		return
	}

	o.tracker.RecordStage(jobID, perf.StagePlaceholder, time.Since(start))
	o.logger.Debug("Placeholder audio ready", "job", jobID, "ref", audio.Ref)
}

// pendingStage is the stage a job would run next.
func (o *Orchestrator) pendingStage(jobID string) Stage {
	job, err := o.jobs.Get(jobID)
	if err != nil {
		return StageScript
	}
	return job.Stage.Next()
}
