package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sunrich/adreel/internal/retry"
)

var errFlaky = errors.New("flaky provider")

// fakeProvider is a scriptable provider for any stage.
type fakeProvider[In, Out any] struct {
	name        string
	unavailable bool
	produce     func(In) Out
	fail        func(call int) error
	delay       time.Duration

	// When gate is set, Generate signals started and blocks until gate
	// is closed or ctx ends. gateIf limits the gate to matching inputs.
	gate    chan struct{}
	gateIf  func(In) bool
	started chan struct{}

	mu    sync.Mutex
	calls int
}

func (p *fakeProvider[In, Out]) Name() string    { return p.name }
func (p *fakeProvider[In, Out]) Available() bool { return !p.unavailable }

func (p *fakeProvider[In, Out]) Generate(ctx context.Context, in In) (Out, error) {
	var zero Out

	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if p.gate != nil && (p.gateIf == nil || p.gateIf(in)) {
		if p.started != nil {
			select {
			case p.started <- struct{}{}:
			default:
			}
		}
		select {
		case <-p.gate:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	if p.fail != nil {
		if err := p.fail(n); err != nil {
			return zero, err
		}
	}
	return p.produce(in), nil
}

func (p *fakeProvider[In, Out]) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// failFirst fails the first n calls; a negative n fails every call.
func failFirst(n int) func(int) error {
	return func(call int) error {
		if n < 0 || call <= n {
			return fmt.Errorf("call %d: %w", call, errFlaky)
		}
		return nil
	}
}

func scriptProvider(name string) *fakeProvider[ScriptInput, Script] {
	return &fakeProvider[ScriptInput, Script]{
		name: name,
		produce: func(in ScriptInput) Script {
			return Script{
				Text:     fmt.Sprintf("Meet %s. %s", in.SubjectName, in.Tagline),
				Language: in.Language,
				Emotion:  in.Emotion,
			}
		},
	}
}

func speechProvider(name string) *fakeProvider[SpeechInput, Audio] {
	return &fakeProvider[SpeechInput, Audio]{
		name: name,
		produce: func(in SpeechInput) Audio {
			return Audio{
				Ref:             fmt.Sprintf("%s://audio/%d-%s", name, len(in.Text), in.Language),
				DurationSeconds: 2.5,
				Format:          "wav",
			}
		},
	}
}

func lipsyncProvider(name string) *fakeProvider[LipSyncInput, Video] {
	return &fakeProvider[LipSyncInput, Video]{
		name: name,
		produce: func(in LipSyncInput) Video {
			return Video{
				Ref:             fmt.Sprintf("%s://video/%s/%s", name, in.SubjectRef, in.AudioRef),
				DurationSeconds: in.AudioDuration,
			}
		},
	}
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 2}
}

func testChainOptions() []ChainOption {
	return []ChainOption{WithRetryPolicy(testPolicy()), WithChainLogger(quietLogger())}
}

// testSetup is one remote provider plus a local fallback per stage.
type testSetup struct {
	script       *fakeProvider[ScriptInput, Script]
	scriptLocal  *fakeProvider[ScriptInput, Script]
	speech       *fakeProvider[SpeechInput, Audio]
	speechLocal  *fakeProvider[SpeechInput, Audio]
	lipsync      *fakeProvider[LipSyncInput, Video]
	lipsyncLocal *fakeProvider[LipSyncInput, Video]
	placeholder  *fakeProvider[SpeechInput, Audio]
}

func newTestSetup() *testSetup {
	return &testSetup{
		script:       scriptProvider("remote-script"),
		scriptLocal:  scriptProvider("local"),
		speech:       speechProvider("remote-speech"),
		speechLocal:  speechProvider("local"),
		lipsync:      lipsyncProvider("remote-lipsync"),
		lipsyncLocal: lipsyncProvider("local"),
		placeholder:  speechProvider("placeholder"),
	}
}

func (s *testSetup) chains() Chains {
	opts := testChainOptions()
	return Chains{
		Script: NewChain[ScriptInput, Script](StageScript, ValidateScript, opts...).
			Add(s.script, 1).
			SetFallback(s.scriptLocal),
		Speech: NewChain[SpeechInput, Audio](StageSpeech, ValidateAudio, opts...).
			Add(s.speech, 1).
			SetFallback(s.speechLocal),
		LipSync: NewChain[LipSyncInput, Video](StageLipSync, ValidateVideo, opts...).
			Add(s.lipsync, 1).
			SetFallback(s.lipsyncLocal),
		Placeholder: s.placeholder,
	}
}

func (s *testSetup) calls() [3]int {
	return [3]int{
		s.script.Calls() + s.scriptLocal.Calls(),
		s.speech.Calls() + s.speechLocal.Calls(),
		s.lipsync.Calls() + s.lipsyncLocal.Calls(),
	}
}

// mapCatalog serves subjects from a map and counts lookups.
type mapCatalog struct {
	mu       sync.Mutex
	subjects map[string]SubjectMetadata
	lookups  int
}

func newMapCatalog(subjects ...SubjectMetadata) *mapCatalog {
	c := &mapCatalog{subjects: make(map[string]SubjectMetadata)}
	for _, s := range subjects {
		c.subjects[s.Ref] = s
	}
	return c
}

func (c *mapCatalog) SubjectMetadata(_ context.Context, ref string) (SubjectMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	s, ok := c.subjects[ref]
	if !ok {
		return SubjectMetadata{}, &NotFoundError{Kind: "subject", ID: ref}
	}
	return s, nil
}

func (c *mapCatalog) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// heldCatalog blocks every lookup until release is closed.
type heldCatalog struct {
	*mapCatalog
	started chan struct{}
	release chan struct{}
}

func newHeldCatalog() *heldCatalog {
	return &heldCatalog{
		mapCatalog: newMapCatalog(DefaultSubjects()...),
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (c *heldCatalog) SubjectMetadata(ctx context.Context, ref string) (SubjectMetadata, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
	case <-ctx.Done():
		return SubjectMetadata{}, ctx.Err()
	}
	return c.mapCatalog.SubjectMetadata(ctx, ref)
}

type staticPreferences Preferences

func (p staticPreferences) Preferences(context.Context) (Preferences, error) {
	return Preferences(p), nil
}

type assetRecord struct {
	subject, video, audio string
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []assetRecord
	err     error
}

func (r *fakeRecorder) RecordGeneratedAsset(_ context.Context, subjectRef, videoRef, audioRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, assetRecord{subjectRef, videoRef, audioRef})
	return r.err
}

func (r *fakeRecorder) Records() []assetRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]assetRecord(nil), r.records...)
}

// testClock is a settable clock safe for concurrent use.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
