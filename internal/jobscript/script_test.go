package jobscript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirFollowsRunDirLayout(t *testing.T) {
	spec := Spec{TaskName: "model", CyclePoint: "2020-01-01T00:00:00Z", SubmitNum: 2}
	got := Dir("/run", spec)
	assert.Equal(t, filepath.Join("/run", "log", "job", "2020-01-01T00:00:00Z", "model", "2"), got)
}

func TestRenderWritesScriptAndStatusFile(t *testing.T) {
	runDir := t.TempDir()
	spec := Spec{
		WorkflowID: "wf",
		TaskName:   "model",
		CyclePoint: "2020-01-01T00:00:00Z",
		SubmitNum:  1,
		TryNumber:  3,
		Script:     "echo running",
		Environment: map[string]string{
			"MY_VAR": "value",
		},
	}

	scriptPath, workDir, err := Render(runDir, spec)
	require.NoError(t, err)
	assert.Equal(t, Dir(runDir, spec), workDir)

	info, err := os.Stat(scriptPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "job script must be executable")

	_, err = os.Stat(filepath.Join(workDir, "job.status"))
	require.NoError(t, err)

	body, err := os.ReadFile(scriptPath)
	require.NoError(t, err)
	script := string(body)

	assert.True(t, strings.HasPrefix(script, "#!/bin/bash"))
	assert.Contains(t, script, `export CYLC_TASK_NAME="model"`)
	assert.Contains(t, script, `export CYLC_TASK_CYCLE_POINT="2020-01-01T00:00:00Z"`)
	assert.Contains(t, script, `export CYLC_TASK_TRY_NUMBER="3"`)
	assert.Contains(t, script, `export MY_VAR="value"`)
	assert.Contains(t, script, "echo running")

	// The prelude signals started before the user script; the trap
	// signals terminal state on exit.
	started := strings.Index(script, "CYLC_JOB_STATE=started")
	user := strings.Index(script, "echo running")
	assert.Less(t, started, user, "started must be signalled before the user script runs")
	assert.Contains(t, script, "CYLC_JOB_STATE=succeeded")
	assert.Contains(t, script, "CYLC_JOB_STATE=failed")
}
