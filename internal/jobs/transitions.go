package jobs

import (
	"fmt"
	"time"

	"github.com/cylc-go/scheduler/internal/schederr"
)

// Event is a message-protocol or subprocess-result event applied to a
// job.
type Event string

const (
	EventSubmitOK      Event = "submit-ok"
	EventSubmitFailed  Event = "submit-failed"
	EventStarted       Event = "started"
	EventSucceeded     Event = "succeeded"
	EventFailed        Event = "failed"
	EventExecTimeout   Event = "execution-timeout"
	EventSubmitTimeout Event = "submission-timeout"
	EventPollResult    Event = "poll-result"
	EventKillResult    Event = "kill-result"
)

// Outcome reports how Apply changed the job, telling the caller what
// follow-up action (if any) the main loop must schedule.
type Outcome struct {
	NewState     State
	Retry        bool // a retry was scheduled; RetryAfter names the delay
	RetryAfter   time.Duration
	SchedulePoll bool
	PollAfter    time.Duration
}

// Apply transitions j according to event, mutating j in place and
// returning the resulting Outcome. now is the event's observed time,
// used to stamp SubmittedAt/StartedAt/FinishedAt.
func (j *Job) Apply(event Event, now time.Time) (Outcome, error) {
	switch event {
	case EventSubmitOK:
		return j.onSubmitOK(now)
	case EventSubmitFailed:
		return j.onSubmitFailed(now)
	case EventStarted:
		return j.onStarted(now)
	case EventSucceeded:
		return j.onSucceeded(now)
	case EventFailed:
		return j.onFailed(now)
	case EventSubmitTimeout:
		return j.onSubmitFailed(now)
	case EventExecTimeout:
		return j.onExecutionTimeout(now)
	case EventPollResult:
		return Outcome{}, fmt.Errorf("jobs: poll-result carries adapter status and must be applied via ApplyPollResult, not Apply")
	case EventKillResult:
		return j.onKilled(now)
	default:
		return Outcome{}, fmt.Errorf("jobs: unknown event %q", event)
	}
}

func (j *Job) onSubmitOK(now time.Time) (Outcome, error) {
	if j.State != StatePreparing {
		return Outcome{}, schederr.ErrInvalidTransition
	}
	j.SubmittedAt = now
	j.State = StateSubmitted
	if j.SubmissionTimeout > 0 {
		j.setDeadline(now.Add(j.SubmissionTimeout))
	} else {
		j.clearDeadline()
	}
	return Outcome{NewState: j.State}, nil
}

func (j *Job) onSubmitFailed(now time.Time) (Outcome, error) {
	if j.State != StatePreparing && j.State != StateSubmitted {
		return Outcome{}, schederr.ErrInvalidTransition
	}
	if j.submitRetries < len(j.SubmissionRetryDelays) {
		delay := j.SubmissionRetryDelays[j.submitRetries]
		j.submitRetries++
		j.State = StatePreparing
		j.setDeadline(now.Add(delay))
		return Outcome{NewState: j.State, Retry: true, RetryAfter: delay}, nil
	}
	j.State = StateSubmitFailed
	j.FinishedAt = now
	j.clearDeadline()
	return Outcome{NewState: j.State}, nil
}

func (j *Job) onStarted(now time.Time) (Outcome, error) {
	if j.State != StateSubmitted {
		return Outcome{}, schederr.ErrInvalidTransition
	}
	j.StartedAt = now
	j.State = StateRunning
	if j.ExecutionTimeout > 0 {
		j.setDeadline(now.Add(j.ExecutionTimeout))
	} else {
		j.clearDeadline()
	}
	return Outcome{NewState: j.State}, nil
}

func (j *Job) onSucceeded(now time.Time) (Outcome, error) {
	if j.State != StateRunning && j.State != StateSubmitted {
		return Outcome{}, schederr.ErrInvalidTransition
	}
	j.FinishedAt = now
	j.State = StateSucceeded
	j.clearDeadline()
	return Outcome{NewState: j.State}, nil
}

func (j *Job) onFailed(now time.Time) (Outcome, error) {
	if j.State != StateRunning && j.State != StateSubmitted {
		return Outcome{}, schederr.ErrInvalidTransition
	}
	if idx := j.TryNumber - 1; idx < len(j.ExecutionRetryDelays) {
		delay := j.ExecutionRetryDelays[idx]
		j.TryNumber++
		j.State = StatePreparing
		j.setDeadline(now.Add(delay))
		return Outcome{NewState: j.State, Retry: true, RetryAfter: delay}, nil
	}
	j.FinishedAt = now
	j.State = StateFailed
	j.clearDeadline()
	return Outcome{NewState: j.State}, nil
}

// onExecutionTimeout handles an execution-time-limit overrun: the job
// is not assumed dead, it is polled on the PT1M, PT2M, PT7M backoff
// (or a configured override) until a definite result arrives.
func (j *Job) onExecutionTimeout(now time.Time) (Outcome, error) {
	if j.State != StateRunning {
		return Outcome{}, schederr.ErrInvalidTransition
	}
	// Step through the backoff by how long the job has overrun so far.
	overrun := now.Sub(j.StartedAt.Add(j.ExecutionTimeout))
	attempt, waited := 0, time.Duration(0)
	for attempt < len(j.PollDelays) && waited+j.PollDelays[attempt] <= overrun {
		waited += j.PollDelays[attempt]
		attempt++
	}
	delay := pollDelayFor(j.PollDelays, attempt)
	j.setDeadline(now.Add(delay))
	return Outcome{NewState: j.State, SchedulePoll: true, PollAfter: delay}, nil
}

// ApplyPollResult reconciles a submitted or running job against an
// adapter-observed poll: the poll either confirms the job's current
// state or forces a transition based on the observed exit code.
// done reports whether the batch system no longer has the job (the
// background adapter's "signal 0 fails" check, or the equivalent for
// any other adapter); exitCode is only meaningful when done is true.
// A job the adapter still reports as present simply keeps its current
// state: the poll confirmed it, it did not force anything.
func (j *Job) ApplyPollResult(done bool, exitCode int, now time.Time) (Outcome, error) {
	if !done {
		return Outcome{NewState: j.State}, nil
	}
	switch j.State {
	case StateSubmitted:
		// Never observed running; the batch system has already lost
		// it, so treat it the same as an explicit submission failure.
		return j.onSubmitFailed(now)
	case StateRunning:
		// Observed running, now gone: branch on the reported exit
		// code, which also covers the process finishing cleanly between
		// the execution-timeout firing and this poll landing.
		if exitCode == 0 {
			return j.onSucceeded(now)
		}
		return j.onFailed(now)
	default:
		return Outcome{NewState: j.State}, nil
	}
}

// onKilled resolves an operator kill: failed if the job had started,
// submit-failed if it was killed before ever running. Killing an
// already-terminal job is a no-op, and a kill never consumes a retry;
// the operator asked for the job to die.
func (j *Job) onKilled(now time.Time) (Outcome, error) {
	if j.State.Terminal() {
		return Outcome{NewState: j.State}, nil
	}
	j.FinishedAt = now
	if j.State == StateRunning {
		j.State = StateFailed
	} else {
		j.State = StateSubmitFailed
	}
	j.clearDeadline()
	return Outcome{NewState: j.State}, nil
}

func pollDelayFor(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return time.Minute
	}
	if attempt >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt]
}
