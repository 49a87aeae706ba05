package scheduler

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"time"

	"github.com/cylc-go/scheduler/internal/broadcast"
	"github.com/cylc-go/scheduler/internal/command"
	"github.com/cylc-go/scheduler/internal/handlers"
	"github.com/cylc-go/scheduler/internal/jobs"
	"github.com/cylc-go/scheduler/internal/pool"
	"github.com/cylc-go/scheduler/internal/subprocess"
	"github.com/cylc-go/scheduler/internal/xtrigger"
)

func firstFlowOf(pr *pool.Proxy) int {
	for f := range pr.Flows {
		return f
	}
	return 0
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func broadcastTargetFrom(s *Scheduler, cmd *command.Command) broadcast.Target {
	t := broadcast.Target{Namespace: cmd.BroadcastNamespace}
	if cmd.BroadcastPoint != "" {
		if p, err := s.parsePoint(cmd.BroadcastPoint); err == nil {
			t.Point = p
		}
	}
	return t
}

// checkpointIDFor derives a stable small integer from an
// operator-supplied checkpoint name, since the run database's
// checkpoint rows are keyed by integer id while the CLI surface names
// checkpoints by label.
func checkpointIDFor(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() & 0x7fffffff)
}

func eventCtxFor(workflowID string, pr *pool.Proxy, j *jobs.Job, event string) handlers.EventContext {
	submitNum := pr.CurrentSubmitNum()
	if j != nil {
		submitNum = j.SubmitNum
	}
	return handlers.EventContext{
		TaskName:   pr.Name,
		CyclePoint: pr.Point.String(),
		Event:      event,
		SubmitNum:  submitNum,
		WorkflowID: workflowID,
	}
}

// handleXtriggerResult completes a remote xtrigger evaluation dispatched
// through the subprocess pool, folding its outcome into the manager's
// cache so the next due-time poll sees it without re-evaluating.
func (s *Scheduler) handleXtriggerResult(res subprocess.Result) {
	sig := strings.TrimPrefix(res.CommandID, "xtrigger:")
	call, ok := s.xtriggerCalls[sig]
	if !ok {
		return
	}
	if res.Err != nil {
		s.XTrig.ApplyRemoteResult(res.CommandID, call, xtrigger.Result{}, res.Err, s.Clk.Now())
		return
	}
	var result xtrigger.Result
	if err := json.Unmarshal(res.Output, &result); err != nil {
		s.XTrig.ApplyRemoteResult(res.CommandID, call, xtrigger.Result{}, err, s.Clk.Now())
		return
	}
	s.XTrig.ApplyRemoteResult(res.CommandID, call, result, nil, s.Clk.Now())
}
