package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cylc-go/scheduler/internal/command"
	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/jobs"
	"github.com/cylc-go/scheduler/internal/messaging"
	"github.com/cylc-go/scheduler/internal/pool"
	"github.com/cylc-go/scheduler/internal/store"
	"github.com/cylc-go/scheduler/internal/subprocess"
)

// commandKind tags what a subprocess.Command's result means to the
// main loop, since subprocess.Result carries back only an opaque
// string ID.
type commandKind string

const (
	cmdKindSubmit   commandKind = "submit"
	cmdKindPoll     commandKind = "poll"
	cmdKindKill     commandKind = "kill"
	cmdKindHandler  commandKind = "handler"
	cmdKindXtrigger commandKind = "xtrigger"
)

type pendingCommand struct {
	kind  commandKind
	proxy *pool.Proxy
}

// drainInbound pulls up to inboundBatchSize items off s.Inbound without
// blocking once the channel is empty, applying each before returning
// control to the caller's main-loop iteration.
func (s *Scheduler) drainInbound(ctx context.Context) {
	for i := 0; i < inboundBatchSize; i++ {
		select {
		case item := <-s.Inbound:
			s.applyInbound(ctx, item)
		default:
			return
		}
	}
}

func (s *Scheduler) applyInbound(ctx context.Context, item interface{}) {
	switch v := item.(type) {
	case messaging.Message:
		s.handleMessage(ctx, v)
	case subprocess.Result:
		s.handleResult(ctx, v)
	case *command.Command:
		s.handleCommand(ctx, v)
	default:
		s.Log.Warnf("scheduler: unrecognized inbound item type %T", v)
	}
}

// handleMessage resolves an authenticated task-to-scheduler report to
// its target proxy/job and applies the corresponding lifecycle event.
func (s *Scheduler) handleMessage(ctx context.Context, msg messaging.Message) {
	if !s.Auth.Verify(msg) {
		s.Log.Warn("scheduler: message failed authentication", map[string]interface{}{
			"task": msg.TaskName, "point": msg.CyclePoint,
		})
		return
	}
	if s.Dedup.MaybeSeen(msg) {
		// Bloom positive: probably a transport replay. The transition
		// path below is idempotent (a repeated lifecycle event is
		// rejected by the job state machine, a repeated output is a
		// MarkOutput no-op), so a false positive costs nothing; log and
		// carry on rather than trusting the filter outright.
		s.Log.Debugf("scheduler: probable replay of %s/%s %q", msg.TaskName, msg.CyclePoint, msg.Event)
	}

	point, err := s.parsePoint(msg.CyclePoint)
	if err != nil {
		s.Log.Warnf("scheduler: message with unparseable cycle point %q: %v", msg.CyclePoint, err)
		return
	}
	candidates := s.Pool.ProxiesAt(msg.TaskName, point)
	var target *pool.Proxy
	for _, pr := range candidates {
		if pr.CurrentSubmitNum() == msg.SubmitNum {
			target = pr
			break
		}
	}
	if target == nil {
		s.Log.Warn("scheduler: message for unknown or superseded task instance", map[string]interface{}{
			"task": msg.TaskName, "point": msg.CyclePoint, "submit_num": msg.SubmitNum,
		})
		return
	}
	s.Dedup.MarkSeen(msg)

	switch msg.Severity {
	case messaging.SeverityWarning:
		s.recordTaskEvent(ctx, target, msg.SubmitNum, "warning", msg.Body)
		s.dispatchHandlers(target, s.Jobs[target], "warning")
	case messaging.SeverityCritical:
		s.recordTaskEvent(ctx, target, msg.SubmitNum, "critical", msg.Body)
		s.dispatchHandlers(target, s.Jobs[target], "critical")
	}

	ev, outputQual, custom := classifyEvent(msg.Event)
	now := s.Clk.Now()
	if custom {
		// A custom output completion: no job-lifecycle transition, just
		// output recording and prerequisite propagation.
		s.recordTaskEvent(ctx, target, msg.SubmitNum, msg.Event, msg.Body)
		s.afterJobOutcome(ctx, target, nil, jobs.Outcome{}, outputQual, true, now)
		return
	}

	job, ok := s.Jobs[target]
	if !ok {
		s.Log.Warnf("scheduler: message for %s/%s has no active job", msg.TaskName, msg.CyclePoint)
		return
	}

	outcome, err := job.Apply(ev, now)
	if err != nil {
		s.Log.Warnf("scheduler: job transition rejected for %s/%s: %v", msg.TaskName, msg.CyclePoint, err)
		return
	}
	s.afterJobOutcome(ctx, target, job, outcome, outputQual, false, now)
}

// classifyEvent maps a message's free-text event name to a job.Event
// and, when the event denotes an output completion (including custom
// outputs), the qualifier to record against the proxy.
func classifyEvent(raw string) (jobs.Event, string, bool) {
	switch raw {
	case "submitted":
		return jobs.EventSubmitOK, "submitted", false
	case "submit-failed":
		return jobs.EventSubmitFailed, "submit-failed", false
	case "started":
		return jobs.EventStarted, "started", false
	case "succeeded":
		return jobs.EventSucceeded, "succeeded", false
	case "failed":
		return jobs.EventFailed, "failed", false
	default:
		// A custom output message: the job's lifecycle state is
		// unaffected, but the proxy's output is recorded for
		// prerequisite propagation.
		return "", raw, true
	}
}

// afterJobOutcome applies a job.Outcome's side effects: proxy state
// sync, output recording, durability, event-handler dispatch, and
// event-bus publication. Shared by message handling and subprocess
// result handling (submit/poll/kill all funnel through job.Apply).
func (s *Scheduler) afterJobOutcome(ctx context.Context, pr *pool.Proxy, job *jobs.Job, outcome jobs.Outcome, outputQual string, customOutputOnly bool, now time.Time) {
	if customOutputOnly {
		if pr.MarkOutput(graph.Qualifier(outputQual)) {
			s.recordOutput(ctx, pr, outputQual)
			s.spawnChildren(ctx, pr, graph.Qualifier(outputQual))
			s.Pool.RefreshPrerequisites()
		}
		s.publishTask(pr)
		return
	}

	switch outcome.NewState {
	case jobs.StateSucceeded:
		pr.SetState(pool.StateSucceeded)
		pr.MarkOutput(graph.Qualifier("succeeded"))
		pr.MarkOutput(graph.QualFinish)
		s.recordOutput(ctx, pr, "succeeded")
		s.recordOutput(ctx, pr, "finish")
		s.Pool.FinishQueueSlot(pr)
		s.spawnChildren(ctx, pr, graph.QualSucceeded)
		s.spawnChildren(ctx, pr, graph.QualFinish)
		s.Pool.RefreshPrerequisites()
		s.dispatchHandlers(pr, job, "succeeded")
	case jobs.StateFailed:
		pr.SetState(pool.StateFailed)
		pr.MarkOutput(graph.QualFailed)
		pr.MarkOutput(graph.QualFinish)
		s.recordOutput(ctx, pr, "failed")
		s.recordOutput(ctx, pr, "finish")
		s.markIncomplete(pr)
		s.Pool.FinishQueueSlot(pr)
		s.spawnChildren(ctx, pr, graph.QualFailed)
		s.spawnChildren(ctx, pr, graph.QualFinish)
		s.Pool.RefreshPrerequisites()
		s.dispatchHandlers(pr, job, "failed")
	case jobs.StateSubmitFailed:
		pr.SetState(pool.StateSubmitFailed)
		pr.MarkOutput(graph.QualSubmitFailed)
		s.recordOutput(ctx, pr, "submit-failed")
		s.markIncomplete(pr)
		s.Pool.FinishQueueSlot(pr)
		s.spawnChildren(ctx, pr, graph.QualSubmitFailed)
		s.Pool.RefreshPrerequisites()
		s.dispatchHandlers(pr, job, "submit-failed")
	case jobs.StateSubmitted:
		pr.SetState(pool.StateSubmitted)
		pr.MarkOutput(graph.QualSubmitted)
		s.recordOutput(ctx, pr, "submitted")
		s.spawnChildren(ctx, pr, graph.QualSubmitted)
		s.Pool.RefreshPrerequisites()
		s.dispatchHandlers(pr, job, "submitted")
	case jobs.StateRunning:
		pr.SetState(pool.StateRunning)
		pr.MarkOutput(graph.QualStarted)
		s.recordOutput(ctx, pr, "started")
		s.spawnChildren(ctx, pr, graph.QualStarted)
		s.Pool.RefreshPrerequisites()
		s.dispatchHandlers(pr, job, "started")
	case jobs.StatePreparing:
		// A retry was scheduled (outcome.Retry); the proxy returns to
		// StateReady so the next loop iteration resubmits it once
		// outcome.RetryAfter elapses (tracked via job.NextDeadline).
		pr.SetState(pool.StateReady)
		if outcome.Retry {
			s.dispatchHandlers(pr, job, "retry")
		}
	}

	s.recordTaskEvent(ctx, pr, jobSubmitNum(job, pr), string(outcome.NewState), "")
	s.recordJobRow(ctx, pr, job)
	s.persistProxy(ctx, pr)
	s.publishJob(pr, job)
	s.publishTask(pr)
}

// markIncomplete flags a failed proxy so housekeeping never silently
// reaps it: failed tasks stay in the pool for operators to inspect,
// reset, or retrigger.
func (s *Scheduler) markIncomplete(pr *pool.Proxy) {
	for flow := range pr.Flows {
		s.incomplete[pool.KeyFor(pr.Name, pr.Point, flow)] = true
	}
}

// clearIncomplete lifts the retention flag, used when an operator
// removes or resets the proxy.
func (s *Scheduler) clearIncomplete(pr *pool.Proxy) {
	for flow := range pr.Flows {
		delete(s.incomplete, pool.KeyFor(pr.Name, pr.Point, flow))
	}
}

func jobSubmitNum(j *jobs.Job, pr *pool.Proxy) int {
	if j != nil {
		return j.SubmitNum
	}
	return pr.CurrentSubmitNum()
}

// recordTaskEvent appends one task_events row, the audit trail kept
// for every message and state change.
func (s *Scheduler) recordTaskEvent(ctx context.Context, pr *pool.Proxy, submitNum int, event, message string) {
	if s.Store == nil || event == "" {
		return
	}
	ev := store.TaskEvent{
		Name:       pr.Name,
		CyclePoint: pr.Point.String(),
		Flow:       firstFlowOf(pr),
		SubmitNum:  submitNum,
		Event:      event,
		Message:    message,
	}
	if err := s.Store.RecordEvent(ctx, ev); err != nil {
		s.Log.Errorf("scheduler: record task event %s/%s %s: %v", pr.Name, pr.Point.String(), event, err)
	}
}

func (s *Scheduler) dispatchHandlers(pr *pool.Proxy, job *jobs.Job, event string) {
	ids, err := s.Handlers.Dispatch(pr.Name, pr.Point, eventCtxFor(s.WorkflowID, pr, job, event))
	if err != nil {
		s.Log.Warnf("scheduler: handler dispatch for %s/%s event %s: %v", pr.Name, pr.Point.String(), event, err)
		return
	}
	for _, id := range ids {
		s.pending[id] = pendingCommand{kind: cmdKindHandler, proxy: pr}
	}
}

func (s *Scheduler) recordOutput(ctx context.Context, pr *pool.Proxy, qualifier string) {
	// An output some absolute-point trigger references is additionally
	// recorded once-for-all-dependents, so it keeps satisfying future
	// instances after this proxy is evicted.
	if s.absRefs[absRefKey(pr.Name, pr.Point.String(), graph.Qualifier(qualifier))] {
		s.Pool.RecordAbsOutput(pr.Name, pr.Point, graph.Qualifier(qualifier))
		if s.Store != nil {
			if err := s.Store.RecordAbsOutput(ctx, pr.Name, pr.Point.String(), qualifier); err != nil {
				s.Log.Errorf("scheduler: record abs output %s/%s %s: %v", pr.Name, pr.Point.String(), qualifier, err)
			}
		}
	}
	if s.Store == nil {
		return
	}
	for flow := range pr.Flows {
		if err := s.Store.RecordOutput(ctx, pr.Name, pr.Point.String(), flow, qualifier); err != nil {
			s.Log.Errorf("scheduler: record output %s/%s %s: %v", pr.Name, pr.Point.String(), qualifier, err)
		}
	}
}

func (s *Scheduler) recordJobRow(ctx context.Context, pr *pool.Proxy, j *jobs.Job) {
	if s.Store == nil {
		return
	}
	row := store.TaskJobRow{
		Name:        pr.Name,
		CyclePoint:  pr.Point.String(),
		Flow:        firstFlowOf(pr),
		SubmitNum:   j.SubmitNum,
		TryNumber:   j.TryNumber,
		State:       string(j.State),
		Platform:    j.Platform,
		BatchSystem: j.BatchSys,
		JobID:       j.JobID,
		SubmittedAt: timePtr(j.SubmittedAt),
		StartedAt:   timePtr(j.StartedAt),
		FinishedAt:  timePtr(j.FinishedAt),
	}
	if err := s.Store.UpsertJob(ctx, row); err != nil {
		s.Log.Errorf("scheduler: upsert job row %s/%s: %v", pr.Name, pr.Point.String(), err)
	}
}

// handleResult applies a completed subprocess command's outcome,
// dispatching on the kind recorded at submission time.
func (s *Scheduler) handleResult(ctx context.Context, res subprocess.Result) {
	pc, ok := s.pending[res.CommandID]
	if !ok {
		if res.Category == subprocess.CategoryXtrigger {
			s.handleXtriggerResult(res)
		}
		return
	}
	delete(s.pending, res.CommandID)

	switch pc.kind {
	case cmdKindSubmit:
		s.handleSubmitResult(ctx, pc.proxy, res)
	case cmdKindPoll:
		s.handlePollResult(ctx, pc.proxy, res)
	case cmdKindKill:
		s.handleKillResult(ctx, pc.proxy, res)
	case cmdKindHandler:
		if res.Err != nil {
			s.Log.Warnf("scheduler: handler command %s failed: %v", res.CommandID, res.Err)
		}
	}
}

func (s *Scheduler) handleSubmitResult(ctx context.Context, pr *pool.Proxy, res subprocess.Result) {
	job, ok := s.Jobs[pr]
	if !ok {
		return
	}
	now := s.Clk.Now()
	ev := jobs.EventSubmitOK
	if res.Err != nil {
		ev = jobs.EventSubmitFailed
	} else if len(res.Output) > 0 {
		job.JobID = string(res.Output)
	}
	outcome, err := job.Apply(ev, now)
	if err != nil {
		s.Log.Warnf("scheduler: submit-result transition rejected for %s/%s: %v", pr.Name, pr.Point.String(), err)
		return
	}
	s.afterJobOutcome(ctx, pr, job, outcome, "", false, now)
}

func (s *Scheduler) handlePollResult(ctx context.Context, pr *pool.Proxy, res subprocess.Result) {
	job, ok := s.Jobs[pr]
	if !ok || res.Err != nil {
		return
	}
	now := s.Clk.Now()
	prevState := job.State
	outcome, err := job.ApplyPollResult(res.Done, res.ExitCode, now)
	if err != nil {
		s.Log.Warnf("scheduler: poll-result transition rejected for %s/%s: %v", pr.Name, pr.Point.String(), err)
		return
	}
	if outcome.NewState == prevState {
		return // the poll merely confirmed the existing state; nothing forced
	}
	s.afterJobOutcome(ctx, pr, job, outcome, "", false, now)
}

func (s *Scheduler) handleKillResult(ctx context.Context, pr *pool.Proxy, res subprocess.Result) {
	job, ok := s.Jobs[pr]
	if !ok {
		return
	}
	now := s.Clk.Now()
	outcome, err := job.Apply(jobs.EventKillResult, now)
	if err != nil {
		return
	}
	s.afterJobOutcome(ctx, pr, job, outcome, "", false, now)
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *command.Command) {
	var err error
	switch cmd.Kind {
	case command.KindHold:
		err = s.applyHold(ctx, cmd.Target, true)
	case command.KindRelease:
		err = s.applyHold(ctx, cmd.Target, false)
	case command.KindPause:
		s.setPaused(true)
	case command.KindResume:
		s.setPaused(false)
	case command.KindStop:
		err = s.beginStop(cmd)
	case command.KindTrigger:
		err = s.applyTrigger(ctx, cmd)
	case command.KindKill:
		err = s.applyKill(ctx, cmd.Target)
	case command.KindPoll:
		err = s.applyPoll(ctx, cmd.Target)
	case command.KindRemove:
		err = s.applyRemove(cmd.Target)
	case command.KindReset:
		err = s.applyReset(cmd.Target, cmd.ResetState)
	case command.KindBroadcastSet:
		s.applyBroadcastSet(ctx, cmd)
	case command.KindBroadcastClear:
		s.applyBroadcastClear(ctx, cmd)
	case command.KindCheckpoint:
		err = s.applyCheckpoint(ctx, cmd.CheckpointName)
	case command.KindInsert:
		err = s.applyInsert(cmd.Target, cmd.FlowSelector)
	case command.KindReload:
		err = s.applyReload(ctx, cmd)
	default:
		err = fmt.Errorf("unrecognized command kind %q", cmd.Kind)
	}
	cmd.Done(err)
}

func (s *Scheduler) selectProxies(sel command.TaskSelector) []*pool.Proxy {
	if sel.CyclePoint == "" {
		var out []*pool.Proxy
		for _, pr := range s.Pool.All() {
			if pr.Name == sel.Name {
				out = append(out, pr)
			}
		}
		return out
	}
	point, err := s.parsePoint(sel.CyclePoint)
	if err != nil {
		return nil
	}
	all := s.Pool.ProxiesAt(sel.Name, point)
	if sel.Flow == 0 {
		return all
	}
	var out []*pool.Proxy
	for _, pr := range all {
		if pr.InFlow(sel.Flow) {
			out = append(out, pr)
		}
	}
	return out
}

func (s *Scheduler) applyHold(ctx context.Context, sel command.TaskSelector, held bool) error {
	event := "held"
	if !held {
		event = "released"
	}
	for _, pr := range s.selectProxies(sel) {
		if pr.IsHeld() == held {
			continue // already in the requested hold state; no event
		}
		pr.SetHeld(held)
		s.recordTaskEvent(ctx, pr, pr.CurrentSubmitNum(), event, "")
		s.persistProxy(ctx, pr)
		s.publishTask(pr)
	}
	return nil
}

func (s *Scheduler) applyRemove(sel command.TaskSelector) error {
	for _, pr := range s.selectProxies(sel) {
		for flow := range pr.Flows {
			s.Pool.Remove(pool.KeyFor(pr.Name, pr.Point, flow))
		}
		s.clearIncomplete(pr)
		delete(s.Jobs, pr)
	}
	return nil
}

func (s *Scheduler) applyReset(sel command.TaskSelector, state pool.State) error {
	for _, pr := range s.selectProxies(sel) {
		pr.SetState(state)
		s.clearIncomplete(pr)
		s.publishTask(pr)
	}
	return nil
}

func (s *Scheduler) applyBroadcastSet(ctx context.Context, cmd *command.Command) {
	target := broadcastTargetFrom(s, cmd)
	s.Broadcast.Set(target, cmd.BroadcastSettings)
	if s.Store != nil {
		settingsJSON := encodeSettings(cmd.BroadcastSettings)
		point := cmd.BroadcastPoint
		if err := s.Store.SetBroadcast(ctx, point, cmd.BroadcastNamespace, settingsJSON, false); err != nil {
			s.Log.Errorf("scheduler: persist broadcast set: %v", err)
		}
	}
}

func (s *Scheduler) applyBroadcastClear(ctx context.Context, cmd *command.Command) {
	target := broadcastTargetFrom(s, cmd)
	if len(cmd.BroadcastPaths) > 0 {
		remaining := s.Broadcast.ClearPaths(target, cmd.BroadcastPaths)
		if s.Store != nil {
			// A partial clear leaves the record in place with its
			// surviving settings; only a now-empty record is removed.
			var err error
			if len(remaining) == 0 {
				err = s.Store.SetBroadcast(ctx, cmd.BroadcastPoint, cmd.BroadcastNamespace, "", true)
			} else {
				err = s.Store.SetBroadcast(ctx, cmd.BroadcastPoint, cmd.BroadcastNamespace, encodeSettings(remaining), false)
			}
			if err != nil {
				s.Log.Errorf("scheduler: persist broadcast clear: %v", err)
			}
		}
		return
	}
	s.Broadcast.Clear(target)
	if s.Store != nil {
		if err := s.Store.SetBroadcast(ctx, cmd.BroadcastPoint, cmd.BroadcastNamespace, "", true); err != nil {
			s.Log.Errorf("scheduler: persist broadcast clear: %v", err)
		}
	}
}

func (s *Scheduler) applyCheckpoint(ctx context.Context, name string) error {
	if s.Store == nil {
		return fmt.Errorf("checkpoint requested with no run database configured")
	}
	return s.Store.WriteCheckpoint(ctx, checkpointIDFor(name))
}

func (s *Scheduler) applyKill(ctx context.Context, sel command.TaskSelector) error {
	for _, pr := range s.selectProxies(sel) {
		job, ok := s.Jobs[pr]
		if !ok || job.JobID == "" {
			continue
		}
		adapter, ok := s.Batch.Get(job.BatchSys)
		if !ok {
			continue
		}
		id := fmt.Sprintf("kill:%s@%s:%d", pr.Name, pr.Point.String(), job.SubmitNum)
		s.pending[id] = pendingCommand{kind: cmdKindKill, proxy: pr}
		jobID := job.JobID
		s.Sub.Submit(&subprocess.Command{
			ID:       id,
			Category: subprocess.CategoryKill,
			QueuedAt: s.Clk.Now(),
			Run: func(cctx context.Context) (subprocess.Result, error) {
				return subprocess.Result{}, adapter.Kill(cctx, jobID)
			},
		})
	}
	return nil
}

func (s *Scheduler) applyPoll(ctx context.Context, sel command.TaskSelector) error {
	for _, pr := range s.selectProxies(sel) {
		s.pollProxy(pr)
	}
	return nil
}

func (s *Scheduler) pollProxy(pr *pool.Proxy) {
	job, ok := s.Jobs[pr]
	if !ok || job.JobID == "" {
		return
	}
	adapter, ok := s.Batch.Get(job.BatchSys)
	if !ok {
		return
	}
	id := fmt.Sprintf("poll:%s@%s:%d", pr.Name, pr.Point.String(), job.SubmitNum)
	s.pending[id] = pendingCommand{kind: cmdKindPoll, proxy: pr}
	jobID := job.JobID
	s.Sub.Submit(&subprocess.Command{
		ID:       id,
		Category: subprocess.CategoryPoll,
		QueuedAt: s.Clk.Now(),
		Run: func(cctx context.Context) (subprocess.Result, error) {
			res, err := adapter.Poll(cctx, jobID)
			return subprocess.Result{Done: res.Finished, ExitCode: res.ExitCode}, err
		},
	})
}

func (s *Scheduler) applyInsert(sel command.TaskSelector, flowSel command.FlowSelector) error {
	point, err := s.parsePoint(sel.CyclePoint)
	if err != nil {
		return err
	}
	flow := sel.Flow
	if flow == 0 {
		flow = s.ActiveFlow()
	}
	if flowSel == command.FlowNew {
		flow = s.NewFlow()
	}
	pr, err := s.Pool.Spawn(sel.Name, point, flow)
	if err != nil {
		return err
	}
	s.publishTask(pr)
	return nil
}

func (s *Scheduler) applyTrigger(ctx context.Context, cmd *command.Command) error {
	for _, pr := range s.selectProxies(cmd.Target) {
		if cmd.FlowSelector == command.FlowNew {
			pr.AddFlow(s.NewFlow())
		}
		pr.SetHeld(false)
		pr.SetState(pool.StateReady)
		s.publishTask(pr)
	}
	return nil
}

// applyReload swaps in a re-parsed configuration and its compiled task
// definitions. A checkpoint is taken first so the pre-reload pool is
// recoverable. Live proxies keep the definitions they were spawned
// with; a task removed from the new configuration spawns no successors
// but its already-declared outputs continue to satisfy existing
// children.
func (s *Scheduler) applyReload(ctx context.Context, cmd *command.Command) error {
	if cmd.ReloadConfig == nil || cmd.ReloadDefs == nil {
		return fmt.Errorf("reload command carries no re-parsed configuration")
	}
	if s.Store != nil {
		if err := s.Store.WriteCheckpoint(ctx, checkpointIDFor("pre-reload")); err != nil {
			return fmt.Errorf("reload: pre-reload checkpoint: %w", err)
		}
	}

	s.Pool.ReplaceDefinitions(cmd.ReloadDefs)

	queues := make([]*pool.Queue, 0, len(cmd.ReloadConfig.Queues))
	for name, qc := range cmd.ReloadConfig.Queues {
		q := pool.NewQueue(name, qc.Limit)
		for _, member := range qc.Members {
			q.AddMember(member)
		}
		queues = append(queues, q)
	}
	s.Pool.ReconfigureQueues(queues)

	if cmd.ReloadConfig.Scheduling.RunaheadLimit != "" {
		if s.IsInteger {
			s.Pool.SetRunaheadLimit(cycle.IntegerDelta(mustAtoi(cmd.ReloadConfig.Scheduling.RunaheadLimit)))
		} else if iv, err := cycle.ParseISODuration(cmd.ReloadConfig.Scheduling.RunaheadLimit); err == nil {
			s.Pool.SetRunaheadLimit(iv)
		}
	}
	for namespace, rt := range cmd.ReloadConfig.Runtime {
		s.Handlers.Configure(namespace, rt.EventHandlers)
	}
	s.childrenIndex = buildChildrenIndex(cmd.ReloadDefs)
	s.absRefs = buildAbsRefs(cmd.ReloadDefs)
	s.Config = cmd.ReloadConfig

	// Spawn cursors for removed tasks point at definitions that no
	// longer exist; drop them so the spawn pass skips cleanly.
	for name := range s.spawnCursors {
		if _, ok := cmd.ReloadDefs[name]; !ok {
			delete(s.spawnCursors, name)
		}
	}
	s.Log.Info("scheduler: configuration reloaded", map[string]interface{}{
		"tasks": len(cmd.ReloadDefs),
	})
	return nil
}

func (s *Scheduler) beginStop(cmd *command.Command) error {
	s.mu.Lock()
	s.stopping = true
	s.stopMode = string(cmd.StopMode)
	if cmd.StopMode == command.StopAfterPoint && cmd.StopAtPoint != "" {
		if p, err := s.parsePoint(cmd.StopAtPoint); err == nil {
			s.stopAtPoint = p
		}
	}
	s.mu.Unlock()
	return nil
}

func encodeSettings(m map[string]string) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
