package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sunrich/adreel/internal/retry"
)

const tracerName = "github.com/sunrich/adreel/pipeline"

// ChainReport describes the provider that produced a chain's output.
type ChainReport struct {
	Provider string
	Fallback bool
	Attempts int // across every provider tried
}

type rankedProvider[In, Out any] struct {
	Provider[In, Out]
	priority int
	fallback bool
}

// Chain is the ordered fallback list for one stage. Providers are tried by
// ascending priority; the local fallback always runs last and is always
// considered available.
type Chain[In, Out any] struct {
	stage     Stage
	providers []rankedProvider[In, Out]
	policy    retry.Policy
	timeout   time.Duration
	validate  func(Out) error
	logger    *log.Logger
	tracer    trace.Tracer
}

// ChainOption configures a Chain.
type ChainOption func(*chainOptions)

type chainOptions struct {
	policy  retry.Policy
	timeout time.Duration
	logger  *log.Logger
}

// WithRetryPolicy sets the per-provider retry policy.
func WithRetryPolicy(p retry.Policy) ChainOption {
	return func(o *chainOptions) { o.policy = p }
}

// WithAttemptTimeout bounds every single provider attempt.
func WithAttemptTimeout(d time.Duration) ChainOption {
	return func(o *chainOptions) { o.timeout = d }
}

// WithChainLogger sets the chain's logger.
func WithChainLogger(l *log.Logger) ChainOption {
	return func(o *chainOptions) { o.logger = l }
}

// NewChain creates an empty chain for stage. validate rejects malformed
// output; a rejected output counts as a failed attempt.
func NewChain[In, Out any](stage Stage, validate func(Out) error, opts ...ChainOption) *Chain[In, Out] {
	o := chainOptions{policy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if validate == nil {
		validate = func(Out) error { return nil }
	}
	return &Chain[In, Out]{
		stage:    stage,
		policy:   o.policy,
		timeout:  o.timeout,
		validate: validate,
		logger:   o.logger.WithPrefix(stage.String()),
		tracer:   otel.Tracer(tracerName),
	}
}

// Add registers a provider. Lower priority runs first; ties keep insertion order.
func (c *Chain[In, Out]) Add(p Provider[In, Out], priority int) *Chain[In, Out] {
	if priority == math.MaxInt {
		priority--
	}
	c.insert(rankedProvider[In, Out]{Provider: p, priority: priority})
	return c
}

// SetFallback installs the local generator that terminates the chain,
// replacing any previous one.
func (c *Chain[In, Out]) SetFallback(p Provider[In, Out]) *Chain[In, Out] {
	kept := c.providers[:0]
	for _, rp := range c.providers {
		if !rp.fallback {
			kept = append(kept, rp)
		}
	}
	c.providers = kept
	c.insert(rankedProvider[In, Out]{Provider: p, priority: math.MaxInt, fallback: true})
	return c
}

func (c *Chain[In, Out]) insert(rp rankedProvider[In, Out]) {
	c.providers = append(c.providers, rp)
	sort.SliceStable(c.providers, func(i, j int) bool {
		return c.providers[i].priority < c.providers[j].priority
	})
}

// Stage returns the stage the chain serves.
func (c *Chain[In, Out]) Stage() Stage { return c.stage }

// HasFallback reports whether the chain ends in a local generator.
func (c *Chain[In, Out]) HasFallback() bool {
	n := len(c.providers)
	return n > 0 && c.providers[n-1].fallback
}

// Fallback returns the local generator, if any.
func (c *Chain[In, Out]) Fallback() (Provider[In, Out], bool) {
	if !c.HasFallback() {
		return nil, false
	}
	return c.providers[len(c.providers)-1].Provider, true
}

// ProviderNames lists providers in the order they are tried.
func (c *Chain[In, Out]) ProviderNames() []string {
	names := make([]string, len(c.providers))
	for i, rp := range c.providers {
		names[i] = rp.Name()
	}
	return names
}

// Generate runs the chain: each available provider gets up to
// 1+MaxRetries attempts, unavailable ones are skipped without attempts,
// and the first valid output wins. Input validation errors and context
// cancellation end the scan immediately.
func (c *Chain[In, Out]) Generate(ctx context.Context, in In) (Out, ChainReport, error) {
	var (
		zero     Out
		report   ChainReport
		failures []*ProviderError
	)

	ctx, span := c.tracer.Start(ctx, c.stage.String()+".chain")
	defer span.End()

	for _, rp := range c.providers {
		if !rp.fallback && !rp.Available() {
			c.logger.Debug("Skipping unavailable provider", "provider", rp.Name())
			continue
		}
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return zero, report, err
		}

		calls := 0
		out, err := retry.Value(ctx, c.policy, func(ctx context.Context) (Out, error) {
			calls++
			return c.attempt(ctx, rp, in, calls)
		})
		report.Attempts += calls

		if err == nil {
			report.Provider = rp.Name()
			report.Fallback = rp.fallback
			if rp.fallback && len(failures) > 0 {
				c.logger.Warn("Using local fallback", "after", len(failures))
			}
			span.SetAttributes(
				attribute.String("provider", report.Provider),
				attribute.Int("attempts", report.Attempts),
				attribute.Bool("fallback", report.Fallback))
			return out, report, nil
		}

		var ve *ValidationError
		if errors.As(err, &ve) {
			span.SetStatus(codes.Error, err.Error())
			return zero, report, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, ctxErr.Error())
			return zero, report, ctxErr
		}

		pe := &ProviderError{Provider: rp.Name(), Stage: c.stage, Attempts: calls, Err: err}
		failures = append(failures, pe)
		c.logger.Warn("Provider failed", "provider", rp.Name(), "attempts", calls, "err", err)
	}

	exhausted := &StageExhaustedError{Stage: c.stage, Failures: failures}
	c.logger.Error("Every provider failed", "providers", len(failures))
	span.SetStatus(codes.Error, exhausted.Error())
	return zero, report, exhausted
}

func (c *Chain[In, Out]) attempt(ctx context.Context, rp rankedProvider[In, Out], in In, n int) (Out, error) {
	var zero Out

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, c.stage.String()+".attempt", trace.WithAttributes(
		attribute.String("provider", rp.Name()),
		attribute.Int("attempt", n)))
	defer span.End()

	out, err := rp.Generate(ctx, in)
	if err == nil {
		if verr := c.validate(out); verr != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedOutput, verr)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if !IsRetryable(err) {
			if !retry.IsPermanent(err) {
				err = retry.Permanent(err)
			}
			return zero, err
		}
		c.logger.Debug("Attempt failed", "provider", rp.Name(), "attempt", n, "err", err)
		return zero, err
	}
	return out, nil
}

// ValidateScript rejects empty scripts.
func ValidateScript(s Script) error {
	if s.Text == "" {
		return errors.New("empty script text")
	}
	return nil
}

// ValidateAudio rejects audio without a reference.
func ValidateAudio(a Audio) error {
	if a.Ref == "" {
		return errors.New("empty audio reference")
	}
	if a.DurationSeconds < 0 {
		return fmt.Errorf("negative audio duration %v", a.DurationSeconds)
	}
	return nil
}

// ValidateVideo rejects video without a reference.
func ValidateVideo(v Video) error {
	if v.Ref == "" {
		return errors.New("empty video reference")
	}
	return nil
}

// Chains bundles the three stage chains plus the placeholder generator used
// by the streaming variant.
type Chains struct {
	Script  *Chain[ScriptInput, Script]
	Speech  *Chain[SpeechInput, Audio]
	LipSync *Chain[LipSyncInput, Video]

	// Placeholder produces throwaway audio while the real speech is pending.
	// It may be nil.
	Placeholder SpeechProvider
}

// Validate checks that every chain exists and ends in a local fallback.
func (c Chains) Validate() error {
	switch {
	case c.Script == nil || !c.Script.HasFallback():
		return fmt.Errorf("%w: %s", ErrNoFallback, StageScript)
	case c.Speech == nil || !c.Speech.HasFallback():
		return fmt.Errorf("%w: %s", ErrNoFallback, StageSpeech)
	case c.LipSync == nil || !c.LipSync.HasFallback():
		return fmt.Errorf("%w: %s", ErrNoFallback, StageLipSync)
	}
	return nil
}
