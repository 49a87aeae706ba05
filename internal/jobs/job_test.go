package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobHappyPath(t *testing.T) {
	j := NewJob("foo", nil, 1)
	now := time.Now()

	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, j.State)

	_, err = j.Apply(EventStarted, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, j.State)

	out, err := j.Apply(EventSucceeded, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.NewState)
	assert.True(t, j.State.Terminal())
}

func TestJobExecutionRetryThenSucceed(t *testing.T) {
	j := NewJob("foo", nil, 1)
	j.ExecutionRetryDelays = []time.Duration{time.Minute, 5 * time.Minute}
	now := time.Now()

	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)

	out, err := j.Apply(EventFailed, now)
	require.NoError(t, err)
	assert.True(t, out.Retry)
	assert.Equal(t, StatePreparing, j.State)
	assert.Equal(t, 2, j.TryNumber)

	_, err = j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)
	out, err = j.Apply(EventSucceeded, now)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.NewState)
}

func TestJobExhaustsRetriesToFailed(t *testing.T) {
	j := NewJob("foo", nil, 1)
	j.ExecutionRetryDelays = nil
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)

	out, err := j.Apply(EventFailed, now)
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, StateFailed, out.NewState)
}

func TestJobSubmitFailedRetries(t *testing.T) {
	j := NewJob("foo", nil, 1)
	j.SubmissionRetryDelays = []time.Duration{time.Minute}
	now := time.Now()

	out, err := j.Apply(EventSubmitFailed, now)
	require.NoError(t, err)
	assert.True(t, out.Retry)
	assert.Equal(t, StatePreparing, j.State)

	out, err = j.Apply(EventSubmitFailed, now)
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, StateSubmitFailed, out.NewState)
}

func TestJobSubmissionRetryKeepsTryNumber(t *testing.T) {
	j := NewJob("foo", nil, 1)
	j.SubmissionRetryDelays = []time.Duration{time.Minute}
	now := time.Now()

	out, err := j.Apply(EventSubmitFailed, now)
	require.NoError(t, err)
	assert.True(t, out.Retry)
	assert.Equal(t, 1, j.TryNumber, "a submit retry re-runs the same execution try")
}

func TestJobResetForResubmit(t *testing.T) {
	j := NewJob("foo", nil, 1)
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	j.JobID = "123"

	j.ResetForResubmit(2)
	assert.Equal(t, 2, j.SubmitNum)
	assert.Empty(t, j.JobID)
	assert.Equal(t, StatePreparing, j.State)
	_, has := j.NextDeadline()
	assert.False(t, has)
}

func TestJobKillBeforeStartIsSubmitFailed(t *testing.T) {
	j := NewJob("foo", nil, 1)
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)

	out, err := j.Apply(EventKillResult, now)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitFailed, out.NewState)
}

func TestJobKillWhileRunningIsFailed(t *testing.T) {
	j := NewJob("foo", nil, 1)
	j.ExecutionRetryDelays = []time.Duration{time.Minute}
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)

	out, err := j.Apply(EventKillResult, now)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.NewState, "an operator kill never consumes a retry")

	// Killing an already-terminal job is a no-op.
	out, err = j.Apply(EventKillResult, now)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.NewState)
}

func TestJobExecutionTimeoutSchedulesPoll(t *testing.T) {
	j := NewJob("foo", nil, 1)
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)

	out, err := j.Apply(EventExecTimeout, now)
	require.NoError(t, err)
	assert.True(t, out.SchedulePoll)
	assert.Equal(t, time.Minute, out.PollAfter)
	assert.Equal(t, StateRunning, j.State)
}

func TestJobInvalidTransition(t *testing.T) {
	j := NewJob("foo", nil, 1)
	_, err := j.Apply(EventStarted, time.Now())
	assert.Error(t, err)
}

func TestJobApplyPollResultConfirmsWithoutTransition(t *testing.T) {
	j := NewJob("foo", nil, 1)
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)

	out, err := j.ApplyPollResult(false, 0, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, out.NewState)
	assert.Equal(t, StateRunning, j.State)
}

func TestJobApplyPollResultSubmittedGoneIsSubmitFailed(t *testing.T) {
	j := NewJob("foo", nil, 1)
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)

	out, err := j.ApplyPollResult(true, 0, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateSubmitFailed, out.NewState)
}

func TestJobApplyPollResultRunningGoneZeroExitIsSucceeded(t *testing.T) {
	j := NewJob("foo", nil, 1)
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)

	out, err := j.ApplyPollResult(true, 0, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.NewState)
}

func TestJobApplyPollResultRunningGoneNonzeroExitIsFailed(t *testing.T) {
	j := NewJob("foo", nil, 1)
	j.ExecutionRetryDelays = nil
	now := time.Now()
	_, err := j.Apply(EventSubmitOK, now)
	require.NoError(t, err)
	_, err = j.Apply(EventStarted, now)
	require.NoError(t, err)

	out, err := j.ApplyPollResult(true, 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.NewState)
}

func TestJobApplyRejectsPollResultEvent(t *testing.T) {
	j := NewJob("foo", nil, 1)
	_, err := j.Apply(EventPollResult, time.Now())
	assert.Error(t, err)
}
