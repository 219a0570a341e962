package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestJobStore(retention time.Duration) (*MemoryJobStore, *testClock) {
	clock := newTestClock()
	s := NewMemoryJobStore(retention)
	s.now = clock.Now
	return s, clock
}

func TestJobStore_Lifecycle(t *testing.T) {
	s, _ := newTestJobStore(0)

	job := s.Create("sunrich-001", false)
	if job.Stage != JobPending || job.ID == "" {
		t.Fatalf("new job = %+v", job)
	}

	steps := []struct {
		stage Stage
		value string
		want  JobStage
	}{
		{StageScript, "Meet the lantern.", JobScript},
		{StageSpeech, "audio.wav", JobSpeech},
		{StageLipSync, "video.mp4", JobLipSync},
	}
	for _, step := range steps {
		got, err := s.CompleteStage(job.ID, step.stage, step.value)
		if err != nil {
			t.Fatalf("CompleteStage(%v): %v", step.stage, err)
		}
		if got.Stage != step.want {
			t.Errorf("after %v stage = %v, want %v", step.stage, got.Stage, step.want)
		}
	}

	done, err := s.Complete(job.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Stage != JobCompleted || done.Script != "Meet the lantern." || done.AudioRef != "audio.wav" || done.VideoRef != "video.mp4" {
		t.Errorf("completed job = %+v", done)
	}

	if _, err := s.Fail(job.ID, StageLipSync, errors.New("late")); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("Fail on completed job: %v, want ErrJobTerminal", err)
	}
}

func TestJobStore_FieldsAreWriteOnce(t *testing.T) {
	s, _ := newTestJobStore(0)
	job := s.Create("sunrich-001", false)

	if _, err := s.CompleteStage(job.ID, StageScript, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteStage(job.ID, StageScript, "second"); !errors.Is(err, ErrFieldAlreadySet) {
		t.Errorf("second write: %v, want ErrFieldAlreadySet", err)
	}

	got, _ := s.Get(job.ID)
	if got.Script != "first" {
		t.Errorf("script = %q, want first", got.Script)
	}
}

func TestJobStore_RejectsSkippedStage(t *testing.T) {
	s, _ := newTestJobStore(0)
	job := s.Create("sunrich-001", false)

	if _, err := s.CompleteStage(job.ID, StageSpeech, "audio.wav"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("speech before script: %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Complete(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete while pending: %v, want ErrInvalidTransition", err)
	}
	got, _ := s.Get(job.ID)
	if got.AudioRef != "" || got.Stage != JobPending {
		t.Errorf("rejected update leaked: %+v", got)
	}
}

func TestJobStore_Cancel(t *testing.T) {
	s, _ := newTestJobStore(0)
	job := s.Create("sunrich-001", false)
	if _, err := s.CompleteStage(job.ID, StageScript, "text"); err != nil {
		t.Fatal(err)
	}

	canceled, err := s.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Stage != JobFailed {
		t.Errorf("stage = %v, want failed", canceled.Stage)
	}
	if canceled.Error == nil || !canceled.Error.Canceled || canceled.Error.Stage != StageSpeech {
		t.Errorf("error = %+v, want canceled at speech", canceled.Error)
	}
	if !errors.Is(canceled.Error, ErrCanceled) {
		t.Error("job error does not unwrap to ErrCanceled")
	}

	if _, err := s.CompleteStage(job.ID, StageSpeech, "audio.wav"); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("update after cancel: %v, want ErrJobTerminal", err)
	}
	if _, err := s.Cancel(job.ID); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("second cancel: %v, want ErrJobTerminal", err)
	}
}

func TestJobStore_UnknownJob(t *testing.T) {
	s, _ := newTestJobStore(0)

	if _, err := s.Get("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get: %v, want ErrJobNotFound", err)
	}
	if _, err := s.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel: %v, want ErrJobNotFound", err)
	}
	if _, err := s.Watch(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Watch: %v, want ErrJobNotFound", err)
	}
}

func TestJobStore_Retention(t *testing.T) {
	s, clock := newTestJobStore(time.Minute)

	finished := s.Create("a", false)
	if _, err := s.Fail(finished.ID, StageScript, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	running := s.Create("b", false)

	clock.Advance(30 * time.Second)
	if _, err := s.Get(finished.ID); err != nil {
		t.Fatalf("job expired early: %v", err)
	}

	clock.Advance(31 * time.Second)
	if _, err := s.Get(finished.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expired job still visible: %v", err)
	}
	if _, err := s.Get(running.ID); err != nil {
		t.Errorf("running job must never expire: %v", err)
	}
}

func TestJobStore_Purge(t *testing.T) {
	s, clock := newTestJobStore(time.Minute)

	for i := 0; i < 3; i++ {
		job := s.Create(fmt.Sprintf("s-%d", i), false)
		if _, err := s.Fail(job.ID, StageScript, errors.New("boom")); err != nil {
			t.Fatal(err)
		}
	}
	s.Create("pending", false)

	clock.Advance(2 * time.Minute)
	if n := s.Purge(); n != 3 {
		t.Errorf("Purge() = %d, want 3", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestJobStore_WatchSeesMonotonicStages(t *testing.T) {
	s, _ := newTestJobStore(0)
	job := s.Create("sunrich-001", false)

	ch, err := s.Watch(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}

	s.CompleteStage(job.ID, StageScript, "text")
	s.CompleteStage(job.ID, StageSpeech, "audio")
	s.CompleteStage(job.ID, StageLipSync, "video")
	s.Complete(job.ID)

	var seen []JobStage
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case snap, ok := <-ch:
			if !ok {
				done = true
				break
			}
			seen = append(seen, snap.Stage)
		case <-timeout:
			t.Fatal("watch channel never closed")
		}
	}

	want := []JobStage{JobPending, JobScript, JobSpeech, JobLipSync, JobCompleted}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("watched stages = %v, want %v", seen, want)
	}
}

func TestJobStore_WatchEndsWithContext(t *testing.T) {
	s, _ := newTestJobStore(0)
	job := s.Create("sunrich-001", false)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	<-ch // initial snapshot
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected snapshot after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}

	// Transitions after the watcher left must not panic
	if _, err := s.CompleteStage(job.ID, StageScript, "text"); err != nil {
		t.Fatal(err)
	}
}

func TestJobStore_WatchTerminalJob(t *testing.T) {
	s, _ := newTestJobStore(0)
	job := s.Create("sunrich-001", false)
	s.Cancel(job.ID)

	ch, err := s.Watch(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	snap, ok := <-ch
	if !ok || snap.Stage != JobFailed {
		t.Fatalf("first snapshot = %+v, %v", snap, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("channel of a terminal job should be closed")
	}
}

func TestJobStore_ConcurrentJobs(t *testing.T) {
	s := NewMemoryJobStore(time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := s.Create(fmt.Sprintf("subject-%d", i), i%2 == 0)
			for _, st := range Stages {
				if _, err := s.CompleteStage(job.ID, st, fmt.Sprintf("%s-%d", st, i)); err != nil {
					errs <- err
					return
				}
			}
			if _, err := s.Complete(job.ID); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if s.Len() != 50 {
		t.Errorf("Len() = %d, want 50", s.Len())
	}
}
