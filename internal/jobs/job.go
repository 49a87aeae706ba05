// Package jobs implements the job-lifecycle state machine: the
// sequence prepare -> submit -> run -> succeed/fail, with
// submission and execution retries, submission/execution timeouts,
// explicit/implicit polling, and killing.
package jobs

import (
	"time"

	"github.com/cylc-go/scheduler/internal/cycle"
)

// State is a job's lifecycle state, distinct from the task proxy's
// pool state (internal/pool.State) even though the two track each
// other closely: a proxy can be StateWaiting with no job at all, while
// a job only exists once the proxy has been released for submission.
type State string

const (
	StatePreparing    State = "preparing"
	StateSubmitted    State = "submitted"
	StateSubmitFailed State = "submit-failed"
	StateRunning      State = "running"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateExpired      State = "expired"
)

// Terminal reports whether s ends the job's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExpired:
		return true
	case StateSubmitFailed:
		return true
	default:
		return false
	}
}

// Job tracks one task instance's execution attempt, including the
// counters the job script receives as $CYLC_TASK_TRY_NUMBER and
// $CYLC_TASK_SUBMIT_NUMBER.
type Job struct {
	TaskName  string
	Point     cycle.Point
	SubmitNum int // $CYLC_TASK_SUBMIT_NUMBER: increments on every (re)submission, never reset
	TryNumber int // $CYLC_TASK_TRY_NUMBER: increments on execution retries, kept across resubmissions

	// submitRetries counts submission failures consumed against
	// SubmissionRetryDelays, tracked separately from TryNumber: a
	// submit failure re-submits the same execution attempt rather than
	// starting a new try.
	submitRetries int

	State State

	Platform string
	BatchSys string
	JobID    string // batch-system-assigned identifier, used for poll/kill

	// StatusPath is the on-disk job.status file this job's script
	// appends lifecycle lines to; internal/jobs.StatusWatcher tails it
	// in place of a live network callback from the running job.
	StatusPath string

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time

	SubmissionTimeout time.Duration // 0 = none
	ExecutionTimeout  time.Duration // 0 = none

	SubmissionRetryDelays []time.Duration
	ExecutionRetryDelays  []time.Duration

	// PollDelays is consulted after an execution-time-limit overrun or
	// on restart reconciliation.
	PollDelays []time.Duration

	nextDeadline time.Time
	hasDeadline  bool
}

// DefaultPollDelays is the PT1M, PT2M, PT7M backoff used as the
// default polling schedule after a timeout or on reconnection.
func DefaultPollDelays() []time.Duration {
	return []time.Duration{time.Minute, 2 * time.Minute, 7 * time.Minute}
}

// NewJob starts a job in the preparing state for a fresh submission
// attempt (submitNum is the caller's running counter, already
// incremented).
func NewJob(taskName string, point cycle.Point, submitNum int) *Job {
	return &Job{
		TaskName:   taskName,
		Point:      point,
		SubmitNum:  submitNum,
		TryNumber:  1,
		State:      StatePreparing,
		PollDelays: DefaultPollDelays(),
	}
}

// ResetForResubmit rearms the job for a fresh submission attempt under
// a new submit number: the batch-system identity and any pending
// deadline belong to the previous attempt and are discarded, while
// TryNumber carries across (a submit retry re-runs the same execution
// try).
func (j *Job) ResetForResubmit(submitNum int) {
	j.SubmitNum = submitNum
	j.JobID = ""
	j.State = StatePreparing
	j.clearDeadline()
}

// NextDeadline returns the job's next scheduled wake time, if any, so
// the main loop can fold it into its single wait-for-next-event timer.
func (j *Job) NextDeadline() (time.Time, bool) {
	return j.nextDeadline, j.hasDeadline
}

func (j *Job) setDeadline(t time.Time) {
	j.nextDeadline = t
	j.hasDeadline = true
}

func (j *Job) clearDeadline() {
	j.hasDeadline = false
}
