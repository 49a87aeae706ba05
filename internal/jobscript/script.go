// Package jobscript renders the job shell script:
// setup, the task's pre_script/script/post_script in sequence, and an
// epilogue that appends a terminal line to job.status so
// internal/jobs.StatusWatcher can observe completion without a live
// network callback from the running job.
package jobscript

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Spec is everything Render needs to produce one job attempt's script.
type Spec struct {
	WorkflowID  string
	TaskName    string
	CyclePoint  string
	SubmitNum   int
	TryNumber   int
	Platform    string
	BatchSystem string

	PreScript  string
	Script     string
	PostScript string

	Environment    map[string]string
	MessageSecret  []byte // hex-exported as CYLC_TASK_MESSAGE_SECRET
}

// Dir returns the job's on-disk directory:
// <runDir>/log/job/<cycle_point>/<task_name>/<submit_num>/.
func Dir(runDir string, spec Spec) string {
	return filepath.Join(runDir, "log", "job", spec.CyclePoint, spec.TaskName, fmt.Sprint(spec.SubmitNum))
}

// Render writes the job script and a fresh empty job.status file under
// Dir(runDir, spec), returning the script's path (the adapter's
// SubmitRequest.JobScriptPath) and its working directory.
func Render(runDir string, spec Spec) (scriptPath, workDir string, err error) {
	dir := Dir(runDir, spec)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("jobscript: create %s: %w", dir, err)
	}

	statusPath := filepath.Join(dir, "job.status")
	if err := os.WriteFile(statusPath, nil, 0o644); err != nil {
		return "", "", fmt.Errorf("jobscript: create %s: %w", statusPath, err)
	}

	body := render(statusPath, spec)
	scriptPath = filepath.Join(dir, "job")
	if err := os.WriteFile(scriptPath, []byte(body), 0o755); err != nil {
		return "", "", fmt.Errorf("jobscript: write %s: %w", scriptPath, err)
	}
	return scriptPath, dir, nil
}

func render(statusPath string, spec Spec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -eu\n\n")
	fmt.Fprintf(&b, "CYLC_JOB_STATUS_FILE=%q\n", statusPath)
	b.WriteString(": > \"$CYLC_JOB_STATUS_FILE\"\n\n")

	b.WriteString("cylc__finish() {\n")
	b.WriteString("  code=$?\n")
	b.WriteString("  if [ \"$code\" -eq 0 ]; then\n")
	b.WriteString("    echo \"CYLC_JOB_STATE=succeeded\" >> \"$CYLC_JOB_STATUS_FILE\"\n")
	b.WriteString("  else\n")
	b.WriteString("    echo \"CYLC_JOB_STATE=failed\" >> \"$CYLC_JOB_STATUS_FILE\"\n")
	b.WriteString("  fi\n")
	b.WriteString("  exit \"$code\"\n")
	b.WriteString("}\n")
	b.WriteString("trap cylc__finish EXIT\n\n")

	writeExport(&b, "CYLC_WORKFLOW_ID", spec.WorkflowID)
	writeExport(&b, "CYLC_TASK_NAME", spec.TaskName)
	writeExport(&b, "CYLC_TASK_CYCLE_POINT", spec.CyclePoint)
	writeExport(&b, "CYLC_TASK_SUBMIT_NUMBER", fmt.Sprint(spec.SubmitNum))
	writeExport(&b, "CYLC_TASK_TRY_NUMBER", fmt.Sprint(spec.TryNumber))
	writeExport(&b, "CYLC_TASK_PLATFORM", spec.Platform)
	writeExport(&b, "CYLC_TASK_BATCH_SYSTEM", spec.BatchSystem)
	if len(spec.MessageSecret) > 0 {
		writeExport(&b, "CYLC_TASK_MESSAGE_SECRET", hex.EncodeToString(spec.MessageSecret))
	}

	names := make([]string, 0, len(spec.Environment))
	for k := range spec.Environment {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		writeExport(&b, k, spec.Environment[k])
	}
	b.WriteString("\n")

	b.WriteString("echo \"CYLC_JOB_STATE=started\" >> \"$CYLC_JOB_STATUS_FILE\"\n\n")

	if strings.TrimSpace(spec.PreScript) != "" {
		b.WriteString(spec.PreScript)
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(spec.Script) != "" {
		b.WriteString(spec.Script)
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(spec.PostScript) != "" {
		b.WriteString(spec.PostScript)
		b.WriteString("\n")
	}
	return b.String()
}

func writeExport(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "export %s=%q\n", key, value)
}
