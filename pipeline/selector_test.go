package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sunrich/adreel/internal/retry"
)

func newScriptChain(opts ...ChainOption) *Chain[ScriptInput, Script] {
	return NewChain[ScriptInput, Script](StageScript, ValidateScript, append(testChainOptions(), opts...)...)
}

var testScriptInput = ScriptInput{SubjectRef: "sunrich-001", SubjectName: "Lantern", Language: "en", Emotion: "happy"}

func TestChain_PriorityOrder(t *testing.T) {
	a := scriptProvider("a")
	b := scriptProvider("b")
	local := scriptProvider("local")

	chain := newScriptChain().Add(b, 2).Add(a, 1).SetFallback(local)

	if got := chain.ProviderNames(); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "local" {
		t.Fatalf("ProviderNames() = %v, want [a b local]", got)
	}

	_, rep, err := chain.Generate(context.Background(), testScriptInput)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if rep.Provider != "a" || rep.Fallback || rep.Attempts != 1 {
		t.Errorf("report = %+v, want provider a after 1 attempt", rep)
	}
	if b.Calls() != 0 || local.Calls() != 0 {
		t.Errorf("later providers were called: b=%d local=%d", b.Calls(), local.Calls())
	}
}

func TestChain_RetryBound(t *testing.T) {
	tests := []struct {
		name         string
		fail         func(int) error
		wantCalls    int
		wantProvider string
	}{
		{"succeeds first time", nil, 1, "remote"},
		{"fails twice then succeeds", failFirst(2), 3, "remote"},
		{"always fails", failFirst(-1), 3, "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := scriptProvider("remote")
			remote.fail = tt.fail
			local := scriptProvider("local")

			chain := newScriptChain().Add(remote, 1).SetFallback(local)
			_, rep, err := chain.Generate(context.Background(), testScriptInput)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if remote.Calls() != tt.wantCalls {
				t.Errorf("remote calls = %d, want %d", remote.Calls(), tt.wantCalls)
			}
			if rep.Provider != tt.wantProvider {
				t.Errorf("provider = %q, want %q", rep.Provider, tt.wantProvider)
			}
			if rep.Fallback != (tt.wantProvider == "local") {
				t.Errorf("fallback = %v", rep.Fallback)
			}
		})
	}
}

func TestChain_SkipsUnavailable(t *testing.T) {
	down := scriptProvider("down")
	down.unavailable = true
	up := scriptProvider("up")

	chain := newScriptChain().Add(down, 1).Add(up, 2).SetFallback(scriptProvider("local"))

	_, rep, err := chain.Generate(context.Background(), testScriptInput)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if down.Calls() != 0 {
		t.Errorf("unavailable provider called %d times", down.Calls())
	}
	if rep.Provider != "up" || rep.Attempts != 1 {
		t.Errorf("report = %+v, want provider up after 1 attempt", rep)
	}
}

func TestChain_FallbackAlwaysAvailable(t *testing.T) {
	local := scriptProvider("local")
	local.unavailable = true

	chain := newScriptChain().SetFallback(local)
	_, rep, err := chain.Generate(context.Background(), testScriptInput)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !rep.Fallback || local.Calls() != 1 {
		t.Errorf("fallback not used: report=%+v calls=%d", rep, local.Calls())
	}
}

func TestChain_ExhaustedWhenFallbackMalformed(t *testing.T) {
	remote := scriptProvider("remote")
	remote.fail = failFirst(-1)
	local := &fakeProvider[ScriptInput, Script]{
		name:    "local",
		produce: func(ScriptInput) Script { return Script{} },
	}

	chain := newScriptChain().Add(remote, 1).SetFallback(local)
	_, rep, err := chain.Generate(context.Background(), testScriptInput)

	var exhausted *StageExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected StageExhaustedError, got %v", err)
	}
	if exhausted.Stage != StageScript {
		t.Errorf("stage = %v, want script", exhausted.Stage)
	}
	if len(exhausted.Failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(exhausted.Failures))
	}
	if last := exhausted.Last(); last.Provider != "local" || last.Attempts != 3 {
		t.Errorf("last failure = %+v", last)
	}
	if !errors.Is(err, ErrMalformedOutput) {
		t.Error("expected malformed output in the error chain")
	}
	if !errors.Is(err, errFlaky) {
		t.Error("expected the remote failure in the error chain")
	}
	if rep.Attempts != 6 {
		t.Errorf("attempts = %d, want 6", rep.Attempts)
	}
}

func TestChain_ValidationErrorStopsScan(t *testing.T) {
	remote := scriptProvider("remote")
	remote.fail = func(int) error { return &ValidationError{Field: "language", Reason: "unsupported"} }
	local := scriptProvider("local")

	chain := newScriptChain().Add(remote, 1).SetFallback(local)
	_, _, err := chain.Generate(context.Background(), testScriptInput)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if remote.Calls() != 1 {
		t.Errorf("remote calls = %d, want 1", remote.Calls())
	}
	if local.Calls() != 0 {
		t.Errorf("fallback called %d times after a validation error", local.Calls())
	}
}

func TestChain_NonRetryableErrorMovesOn(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unavailable", fmt.Errorf("no api key: %w", ErrProviderUnavailable)},
		{"marked permanent", retry.Permanent(errors.New("bad request"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := scriptProvider("remote")
			remote.fail = func(int) error { return tt.err }
			local := scriptProvider("local")

			chain := newScriptChain().Add(remote, 1).SetFallback(local)
			_, rep, err := chain.Generate(context.Background(), testScriptInput)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if remote.Calls() != 1 {
				t.Errorf("remote calls = %d, want 1", remote.Calls())
			}
			if rep.Provider != "local" || rep.Attempts != 2 {
				t.Errorf("report = %+v, want local after 2 attempts", rep)
			}
		})
	}
}

func TestChain_CanceledContext(t *testing.T) {
	remote := scriptProvider("remote")
	chain := newScriptChain().Add(remote, 1).SetFallback(scriptProvider("local"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := chain.Generate(ctx, testScriptInput)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if remote.Calls() != 0 {
		t.Errorf("provider called %d times on a canceled context", remote.Calls())
	}
}

func TestChain_AttemptTimeout(t *testing.T) {
	slow := scriptProvider("slow")
	slow.delay = time.Second
	local := scriptProvider("local")

	chain := newScriptChain(WithAttemptTimeout(10*time.Millisecond)).Add(slow, 1).SetFallback(local)

	start := time.Now()
	_, rep, err := chain.Generate(context.Background(), testScriptInput)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if rep.Provider != "local" {
		t.Errorf("provider = %q, want local", rep.Provider)
	}
	if slow.Calls() != 3 {
		t.Errorf("slow calls = %d, want 3", slow.Calls())
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeouts not applied, took %v", elapsed)
	}
}

func TestChain_SetFallbackReplaces(t *testing.T) {
	chain := newScriptChain().SetFallback(scriptProvider("first")).SetFallback(scriptProvider("second"))

	names := chain.ProviderNames()
	if len(names) != 1 || names[0] != "second" {
		t.Errorf("ProviderNames() = %v, want [second]", names)
	}
	if p, ok := chain.Fallback(); !ok || p.Name() != "second" {
		t.Error("Fallback() did not return the replacement")
	}
}

func TestChains_Validate(t *testing.T) {
	s := newTestSetup()
	if err := s.chains().Validate(); err != nil {
		t.Fatalf("complete chains rejected: %v", err)
	}

	missing := s.chains()
	missing.Speech = NewChain[SpeechInput, Audio](StageSpeech, ValidateAudio).Add(s.speech, 1)
	if err := missing.Validate(); !errors.Is(err, ErrNoFallback) {
		t.Errorf("expected ErrNoFallback, got %v", err)
	}

	if _, err := New(missing); !errors.Is(err, ErrNoFallback) {
		t.Errorf("New accepted chains without fallback: %v", err)
	}
}
