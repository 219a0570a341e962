package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JobError is the failure recorded on a job.
type JobError struct {
	Stage    Stage  `json:"stage"`
	Message  string `json:"message"`
	Canceled bool   `json:"canceled,omitempty"`

	cause error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *JobError) Unwrap() error { return e.cause }

// PipelineJob is a snapshot of one pipeline run. Snapshots are values; the
// store owns the live state.
type PipelineJob struct {
	ID         string    `json:"id"`
	SubjectRef string    `json:"subject_ref"`
	Stage      JobStage  `json:"stage"`
	Script     string    `json:"script,omitempty"`
	AudioRef   string    `json:"audio_ref,omitempty"`
	VideoRef   string    `json:"video_ref,omitempty"`
	Error      *JobError `json:"error,omitempty"`
	Streaming  bool      `json:"streaming,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobStore holds pipeline jobs. Implementations must keep different jobs
// independent: no operation on one job may wait on another.
type JobStore interface {
	Create(subjectRef string, streaming bool) PipelineJob
	Get(id string) (PipelineJob, error)

	// CompleteStage records a stage output and advances the job.
	CompleteStage(id string, stage Stage, value string) (PipelineJob, error)
	// Complete finalizes a job whose lip-sync stage is done.
	Complete(id string) (PipelineJob, error)
	// Fail moves a non-terminal job to failed, tagged with stage.
	Fail(id string, stage Stage, cause error) (PipelineJob, error)
	// Cancel fails a non-terminal job with ErrCanceled, tagged with the stage
	// that would run next.
	Cancel(id string) (PipelineJob, error)

	// Watch streams a snapshot on every transition, starting with the
	// current one. The channel closes after the terminal snapshot or when
	// ctx ends.
	Watch(ctx context.Context, id string) (<-chan PipelineJob, error)

	// Purge drops terminal jobs older than the retention window.
	Purge() int
}

// watchBuffer exceeds the number of snapshots a job can ever emit, so a
// slow watcher never blocks a transition.
const watchBuffer = 8

// MemoryJobStore keeps jobs in process memory. The map lock only guards
// lookup and insertion; each job has its own lock.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry

	retention time.Duration
	now       func() time.Time
	creates   atomic.Uint64
}

type jobEntry struct {
	mu       sync.Mutex
	job      PipelineJob
	sm       *StateMachine
	watchers map[chan PipelineJob]func() bool
}

// NewMemoryJobStore creates a store. Terminal jobs become unknown once
// retention has passed since their last update (0 keeps them forever).
func NewMemoryJobStore(retention time.Duration) *MemoryJobStore {
	return &MemoryJobStore{
		jobs:      make(map[string]*jobEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a new pending job.
func (s *MemoryJobStore) Create(subjectRef string, streaming bool) PipelineJob {
	now := s.now()
	e := &jobEntry{
		job: PipelineJob{
			ID:         uuid.NewString(),
			SubjectRef: subjectRef,
			Stage:      JobPending,
			Streaming:  streaming,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		sm:       NewStateMachine(),
		watchers: make(map[chan PipelineJob]func() bool),
	}

	s.mu.Lock()
	s.jobs[e.job.ID] = e
	s.mu.Unlock()

	// Amortized cleanup keeps the map bounded without a background goroutine
	if s.creates.Add(1)%64 == 0 {
		s.Purge()
	}
	return e.job
}

// Get returns a snapshot of the job.
func (s *MemoryJobStore) Get(id string) (PipelineJob, error) {
	e, err := s.entry(id)
	if err != nil {
		return PipelineJob{}, err
	}

	e.mu.Lock()
	job := e.job
	e.mu.Unlock()
	return job, nil
}

// CompleteStage records a stage output and advances the job.
func (s *MemoryJobStore) CompleteStage(id string, stage Stage, value string) (PipelineJob, error) {
	return s.update(id, func(e *jobEntry) error {
		var field *string
		switch stage {
		case StageScript:
			field = &e.job.Script
		case StageSpeech:
			field = &e.job.AudioRef
		case StageLipSync:
			field = &e.job.VideoRef
		default:
			return fmt.Errorf("%w: unknown stage %d", ErrInvalidTransition, stage)
		}
		if *field != "" {
			return fmt.Errorf("%w: %s", ErrFieldAlreadySet, stage)
		}
		if !e.sm.Transition(jobStageAfter(stage)) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.sm.Current(), jobStageAfter(stage))
		}
		*field = value
		return nil
	})
}

// Complete finalizes the job.
func (s *MemoryJobStore) Complete(id string) (PipelineJob, error) {
	return s.update(id, func(e *jobEntry) error {
		if !e.sm.Transition(JobCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.sm.Current(), JobCompleted)
		}
		return nil
	})
}

// Fail moves the job to failed.
func (s *MemoryJobStore) Fail(id string, stage Stage, cause error) (PipelineJob, error) {
	return s.update(id, func(e *jobEntry) error {
		return e.fail(stage, cause)
	})
}

// Cancel fails the job with ErrCanceled.
func (s *MemoryJobStore) Cancel(id string) (PipelineJob, error) {
	return s.update(id, func(e *jobEntry) error {
		return e.fail(e.sm.Current().Next(), ErrCanceled)
	})
}

// Watch streams job snapshots.
func (s *MemoryJobStore) Watch(ctx context.Context, id string) (<-chan PipelineJob, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan PipelineJob, watchBuffer)

	e.mu.Lock()
	defer e.mu.Unlock()

	ch <- e.job
	if e.job.Stage.Terminal() {
		close(ch)
		return ch, nil
	}

	e.watchers[ch] = context.AfterFunc(ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.watchers[ch]; ok {
			delete(e.watchers, ch)
			close(ch)
		}
	})
	return ch, nil
}

// Purge drops expired terminal jobs and returns how many were removed.
func (s *MemoryJobStore) Purge() int {
	if s.retention <= 0 {
		return 0
	}
	now := s.now()

	s.mu.RLock()
	var expired []string
	for id, e := range s.jobs {
		e.mu.Lock()
		if s.expired(e, now) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}
	s.mu.Lock()
	for _, id := range expired {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	return len(expired)
}

// Len returns the number of stored jobs, expired ones included.
func (s *MemoryJobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *MemoryJobStore) entry(id string) (*jobEntry, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "job", ID: id}
	}

	e.mu.Lock()
	gone := s.expired(e, s.now())
	e.mu.Unlock()
	if gone {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		return nil, &NotFoundError{Kind: "job", ID: id}
	}
	return e, nil
}

// expired must be called with e.mu held.
func (s *MemoryJobStore) expired(e *jobEntry, now time.Time) bool {
	return s.retention > 0 && e.job.Stage.Terminal() && now.Sub(e.job.UpdatedAt) >= s.retention
}

func (s *MemoryJobStore) update(id string, apply func(e *jobEntry) error) (PipelineJob, error) {
	e, err := s.entry(id)
	if err != nil {
		return PipelineJob{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Stage.Terminal() {
		return e.job, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, e.job.Stage)
	}
	if err := apply(e); err != nil {
		return e.job, err
	}

	e.job.Stage = e.sm.Current()
	e.job.UpdatedAt = s.now()
	e.notify()
	return e.job, nil
}

func (e *jobEntry) fail(stage Stage, cause error) error {
	if !e.sm.Transition(JobFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.sm.Current(), JobFailed)
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	e.job.Error = &JobError{
		Stage:    stage,
		Message:  cause.Error(),
		Canceled: errors.Is(cause, ErrCanceled),
		cause:    cause,
	}
	return nil
}

// notify must be called with e.mu held.
func (e *jobEntry) notify() {
	terminal := e.job.Stage.Terminal()
	for ch, stop := range e.watchers {
		select {
		case ch <- e.job:
		default:
		}
		if terminal {
			stop()
			delete(e.watchers, ch)
			close(ch)
		}
	}
}
