package pipeline

import "strings"

// JobStage is the lifecycle position of a pipeline job. Except for
// JobPending and the terminal stages it names the last stage that finished.
type JobStage int

const (
	// JobPending indicates nothing has completed yet.
	JobPending JobStage = iota
	// JobScript indicates the script is available.
	JobScript
	// JobSpeech indicates the audio is available.
	JobSpeech
	// JobLipSync indicates the video is available but the job is not finalized.
	JobLipSync
	// JobCompleted indicates the job finished successfully.
	JobCompleted
	// JobFailed indicates the job failed or was canceled.
	JobFailed
)

// String returns the string representation of the job stage.
func (s JobStage) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobScript:
		return "script"
	case JobSpeech:
		return "speech"
	case JobLipSync:
		return "lipsync"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s JobStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobStage) UnmarshalText(text []byte) error {
	for js := JobPending; js <= JobFailed; js++ {
		if strings.EqualFold(string(text), js.String()) {
			*s = js
			return nil
		}
	}
	return ErrInvalidTransition
}

// Terminal reports whether no further transition is possible.
func (s JobStage) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Next returns the stage that runs after s, which is also the stage a
// failure at this point is attributed to.
func (s JobStage) Next() Stage {
	switch s {
	case JobPending:
		return StageScript
	case JobScript:
		return StageSpeech
	default:
		return StageLipSync
	}
}

// jobStageAfter maps a finished pipeline stage onto the job stage it produces.
func jobStageAfter(s Stage) JobStage {
	switch s {
	case StageScript:
		return JobScript
	case StageSpeech:
		return JobSpeech
	default:
		return JobLipSync
	}
}

// StateMachine enforces the job stage transitions. It is not safe for
// concurrent use; the owning job serializes access.
type StateMachine struct {
	current     JobStage
	transitions map[JobStage][]JobStage
}

// NewStateMachine creates a new state machine with valid transitions.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: JobPending,
		transitions: map[JobStage][]JobStage{
			JobPending:   {JobScript, JobFailed},
			JobScript:    {JobSpeech, JobFailed},
			JobSpeech:    {JobLipSync, JobFailed},
			JobLipSync:   {JobCompleted, JobFailed},
			JobCompleted: {},
			JobFailed:    {},
		},
	}
}

// Transition attempts to transition to the specified stage.
func (sm *StateMachine) Transition(to JobStage) bool {
	if !sm.CanTransition(to) {
		return false
	}

	sm.current = to
	return true
}

// CanTransition checks if a transition to the specified stage is valid.
func (sm *StateMachine) CanTransition(to JobStage) bool {
	for _, s := range sm.transitions[sm.current] {
		if s == to {
			return true
		}
	}
	return false
}

// Current returns the current stage.
func (sm *StateMachine) Current() JobStage {
	return sm.current
}
