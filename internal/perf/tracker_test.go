package perf

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func newTestTracker(targets Targets) (*Tracker, *bytes.Buffer, *time.Time) {
	buf := &bytes.Buffer{}
	logger := log.NewWithOptions(buf, log.Options{Level: log.DebugLevel})
	tr := NewTracker(targets, logger)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, buf, &now
}

func TestTracker_CompletionWithinTargets(t *testing.T) {
	tr, _, now := newTestTracker(DefaultTargets())

	tr.StartTracking("req-1", "sunrich-001")
	*now = now.Add(time.Second)
	tr.RecordStage("req-1", StageScript, time.Second)
	*now = now.Add(2 * time.Second)
	tr.RecordStage("req-1", StageSpeech, 2*time.Second)
	*now = now.Add(10 * time.Second)
	tr.RecordStage("req-1", StageLipSync, 10*time.Second)
	tr.RecordCompletion("req-1", 13*time.Second)

	rec, ok := tr.Record("req-1")
	if !ok {
		t.Fatal("record not retained")
	}
	for _, dim := range []string{DimScript, DimAudioStart, DimVideoRender, DimTotal} {
		if !rec.Met[dim] {
			t.Errorf("expected %s target met", dim)
		}
	}
	if start, _ := rec.AudioStart(); start != 3*time.Second {
		t.Errorf("audio start = %v, want 3s", start)
	}
}

func TestTracker_MissedTargets(t *testing.T) {
	tr, buf, _ := newTestTracker(Targets{Script: time.Second, Total: 2 * time.Second, Window: 10})

	tr.StartTracking("slow", "subject")
	tr.RecordStage("slow", StageScript, 5*time.Second)
	tr.RecordCompletion("slow", 6*time.Second)

	rec, _ := tr.Record("slow")
	if rec.Met[DimScript] || rec.Met[DimTotal] {
		t.Errorf("expected missed targets, got %+v", rec.Met)
	}
	if _, judged := rec.Met[DimVideoRender]; judged {
		t.Error("dimension without a target should not be judged")
	}
	if !strings.Contains(buf.String(), "Latency targets missed") {
		t.Error("missed targets were not logged")
	}
}

func TestTracker_PlaceholderCountsAsAudioStart(t *testing.T) {
	tr, _, now := newTestTracker(DefaultTargets())

	tr.StartTracking("r", "s")
	*now = now.Add(200 * time.Millisecond)
	tr.RecordStage("r", StagePlaceholder, 200*time.Millisecond)
	*now = now.Add(4 * time.Second)
	tr.RecordStage("r", StageSpeech, 3*time.Second)

	rec, _ := tr.Record("r")
	if start, ok := rec.AudioStart(); !ok || start != 200*time.Millisecond {
		t.Errorf("audio start = %v, %v; want placeholder mark", start, ok)
	}
}

func TestTracker_UnknownRequestIsIgnored(t *testing.T) {
	tr, buf, _ := newTestTracker(DefaultTargets())

	tr.RecordStage("ghost", StageScript, time.Second)
	tr.RecordCompletion("ghost", time.Second)
	tr.RecordFailure("ghost", "boom")

	if _, ok := tr.Record("ghost"); ok {
		t.Error("unknown request produced a record")
	}
	if got := strings.Count(buf.String(), "unknown request"); got != 3 {
		t.Errorf("expected 3 warnings, got %d", got)
	}
}

func TestTracker_Failure(t *testing.T) {
	tr, _, _ := newTestTracker(DefaultTargets())

	tr.StartTracking("f", "s")
	tr.RecordFailure("f", "speech: exhausted")

	s := tr.Summary()
	if s.Failed != 1 || s.Completed != 0 || s.InFlight != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestTracker_CancellationIsNotAFailure(t *testing.T) {
	tr, buf, _ := newTestTracker(DefaultTargets())

	tr.StartTracking("c", "s")
	tr.RecordCancellation("c", "script: canceled")

	out := buf.String()
	if !strings.Contains(out, "Pipeline canceled") || strings.Contains(out, "Pipeline failed") {
		t.Errorf("unexpected log output:\n%s", out)
	}
	if strings.Contains(out, "ERRO") {
		t.Errorf("cancellation logged at error level:\n%s", out)
	}

	rec, ok := tr.Record("c")
	if !ok || !rec.Canceled || rec.Failed || rec.Reason != "script: canceled" {
		t.Errorf("record = %+v", rec)
	}
	s := tr.Summary()
	if s.Canceled != 1 || s.Failed != 0 || s.InFlight != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
	if !strings.Contains(s.String(), "1 canceled") {
		t.Errorf("unexpected rendering:\n%s", s.String())
	}
}

func TestTracker_SummaryWindow(t *testing.T) {
	tr, _, _ := newTestTracker(Targets{Total: 10 * time.Second, Window: 3})

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		tr.StartTracking(id, "s")
		tr.RecordStage(id, StageScript, time.Duration(i+1)*time.Second)
		tr.RecordCompletion(id, time.Duration(i+1)*4*time.Second)
	}

	s := tr.Summary()
	if s.Completed != 3 {
		t.Fatalf("expected window of 3, got %d", s.Completed)
	}
	// r2..r4 totals: 12s, 16s, 20s
	if s.AvgTotal != 16*time.Second {
		t.Errorf("avg total = %v, want 16s", s.AvgTotal)
	}
	if s.AvgStage[StageScript] != 4*time.Second {
		t.Errorf("avg script = %v, want 4s", s.AvgStage[StageScript])
	}
	if r := s.Targets[DimTotal]; r.Met != 0 || r.Missed != 3 {
		t.Errorf("unexpected total ratio %+v", r)
	}
	if _, ok := tr.Record("r0"); ok {
		t.Error("record outside the window should be purged")
	}
	if !strings.Contains(s.String(), "3 completed") {
		t.Errorf("unexpected rendering:\n%s", s.String())
	}
}

func TestRatio_HitRate(t *testing.T) {
	tests := []struct {
		r    Ratio
		want float64
	}{
		{Ratio{}, 0},
		{Ratio{Met: 3, Missed: 1}, 0.75},
		{Ratio{Met: 2}, 1},
	}
	for _, tt := range tests {
		if got := tt.r.HitRate(); got != tt.want {
			t.Errorf("%+v.HitRate() = %v, want %v", tt.r, got, tt.want)
		}
	}
}
