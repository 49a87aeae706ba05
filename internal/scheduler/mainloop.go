package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cylc-go/scheduler/internal/batchsys"
	"github.com/cylc-go/scheduler/internal/command"
	"github.com/cylc-go/scheduler/internal/config"
	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/jobs"
	"github.com/cylc-go/scheduler/internal/jobscript"
	"github.com/cylc-go/scheduler/internal/messaging"
	"github.com/cylc-go/scheduler/internal/pool"
	"github.com/cylc-go/scheduler/internal/schederr"
	"github.com/cylc-go/scheduler/internal/store"
	"github.com/cylc-go/scheduler/internal/subprocess"
	"github.com/cylc-go/scheduler/internal/xtrigger"
)

// defaultTickInterval bounds how long the main loop ever sleeps with
// nothing scheduled, so periodic housekeeping (stall detection, public
// store refresh) still runs on an otherwise-idle workflow.
const defaultTickInterval = 60 * time.Second

// stallCheckInterval is how often DetectStall runs; it need not run
// every iteration since stall-worthy inactivity persists for minutes,
// not ticks.
const stallCheckInterval = 30 * time.Second

// Run drives the scheduler's single goroutine until ctx is canceled or
// an operator stop command completes. Each iteration: spawn
// parentless tasks up to the runahead horizon, release
// newly-ready tasks into submission, fire due job timers and
// xtriggers, evict completed proxies, persist every change, refresh
// the public store and event bus, and sleep until the next deadline.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)

	go s.forwardSubprocessResults(ctx)

	var busServer *http.Server
	if s.Bus != nil && s.Config.EventBus.ListenAddr != "" {
		busServer = &http.Server{Addr: s.Config.EventBus.ListenAddr, Handler: s.Bus.Handler()}
		go func() {
			if err := busServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.Log.Errorf("scheduler: event bus server: %v", err)
			}
		}()
	}
	stopBusServer := func() {
		if busServer == nil {
			return
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = busServer.Shutdown(shutCtx)
	}

	timer := s.Clk.NewTimer(defaultTickInterval)
	defer timer.Stop()
	lastStall := s.Clk.Now()

	for {
		select {
		case <-ctx.Done():
			stopBusServer()
			return s.shutdown(context.Background())
		case item := <-s.Inbound:
			s.applyInbound(ctx, item)
			s.drainInbound(ctx)
		case <-timer.C():
		}

		now := s.Clk.Now()

		s.spawnParentless(ctx)
		s.applySuicideTriggers(ctx)
		for _, pr := range s.Pool.RefreshPrerequisites() {
			if pr.GetState() == pool.StateExpired {
				s.recordTaskEvent(ctx, pr, pr.CurrentSubmitNum(), "expired", "")
				s.dispatchHandlers(pr, s.Jobs[pr], "expired")
			}
			s.persistProxy(ctx, pr)
			s.publishTask(pr)
		}
		s.releaseAndSubmit(ctx, now)
		s.fireJobTimers(ctx, now)
		s.pollXTriggers(ctx, now)

		for _, pr := range s.Pool.Housekeep(s.incomplete) {
			s.deleteProxyRows(ctx, pr)
			delete(s.Jobs, pr)
			s.publishTask(pr)
		}

		if s.Store != nil {
			// Checkpoint 0 is the continuously-maintained "latest"
			// snapshot the restart protocol reads by default.
			if err := s.Store.WriteCheckpoint(ctx, 0); err != nil {
				s.Log.Errorf("scheduler: update latest checkpoint: %v", err)
			}
		}
		s.updateSnapshot()

		if now.Sub(lastStall) >= stallCheckInterval {
			lastStall = now
			if report := s.Pool.DetectStall(); report.Stalled {
				s.Log.Warn("scheduler: workflow stalled", map[string]interface{}{
					"waiting": len(report.WaitingOnInput),
				})
			}
		}

		if s.Public != nil {
			if err := s.Public.RefreshIfStale(ctx, now); err != nil {
				s.Log.Warnf("scheduler: public store refresh: %v", err)
			}
		}

		if s.checkStopCondition() {
			stopBusServer()
			return s.shutdown(ctx)
		}

		timer.Reset(s.nextWakeInterval(now))
	}
}

// forwardSubprocessResults relays completed subprocess commands onto
// the scheduler's single inbound queue, so every state mutation
// — whether triggered by a task message, an operator command, or a
// submit/poll/kill outcome — happens on the one goroutine running Run.
func (s *Scheduler) forwardSubprocessResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-s.Sub.Results():
			if !ok {
				return
			}
			select {
			case s.Inbound <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// spawnParentless advances every task definition with no graph
// prerequisites along its recurrence, spawning new proxies up to the
// runahead horizon. Every other task spawns only as a side effect of
// an upstream output completing, via spawnChildren.
func (s *Scheduler) spawnParentless(ctx context.Context) {
	s.mu.Lock()
	blocked := s.paused || (s.stopping && command.StopMode(s.stopMode) == command.StopNow)
	s.mu.Unlock()
	if blocked {
		return
	}
	for name, def := range s.Pool.Definitions() {
		if len(def.Prerequisites) > 0 || def.Sequence == nil {
			continue
		}
		s.advanceSequence(ctx, name, def)
	}
}

// spawnCeiling returns the furthest cycle point spawnParentless may
// spawn into: the workflow's final cycle point, tightened to an
// operator's "stop after point" target if one is active.
func (s *Scheduler) spawnCeiling() (cycle.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ceiling := s.finalPoint
	if s.stopping && command.StopMode(s.stopMode) == command.StopAfterPoint && s.stopAtPoint != nil {
		if ceiling == nil || cycle.Before(s.stopAtPoint, ceiling) {
			ceiling = s.stopAtPoint
		}
	}
	return ceiling, ceiling != nil
}

func (s *Scheduler) advanceSequence(ctx context.Context, name string, def *graph.TaskDefinition) {
	ceiling, hasCeiling := s.spawnCeiling()
	for {
		cursor, has := s.spawnCursors[name]
		var next cycle.Point
		var ok bool
		if !has {
			next, ok = def.Sequence.First()
		} else {
			next, ok = def.Sequence.Next(cursor)
		}
		if !ok {
			return
		}
		if hasCeiling && cycle.After(next, ceiling) {
			return
		}
		if !s.Pool.RunaheadOK(next) {
			return
		}
		s.spawnCursors[name] = next

		pr, err := s.Pool.Spawn(name, next, s.ActiveFlow())
		if err != nil {
			if errors.Is(err, schederr.ErrDuplicateProxy) {
				continue
			}
			s.Log.Warnf("scheduler: spawn %s/%s: %v", name, next.String(), err)
			return
		}
		s.persistProxy(ctx, pr)
		s.publishTask(pr)
	}
}

// spawnChildren creates, in waiting state, every downstream proxy
// whose trigger expression references the just-completed output and
// that does not exist yet: a child triggered by "up[-P1D]:succeeded"
// lives one period after up's point, so its point is the upstream
// point minus the trigger's offset. Spawning respects the child's
// owning sequence, the runahead window, and the workflow's final
// cycle point.
func (s *Scheduler) spawnChildren(ctx context.Context, pr *pool.Proxy, qualifier graph.Qualifier) {
	ceiling, hasCeiling := s.spawnCeiling()
	for _, edge := range s.childrenIndex[pr.Name] {
		if edge.Qualifier != qualifier {
			continue
		}
		def, ok := s.Pool.Definition(edge.Child)
		if !ok || def.Sequence == nil {
			continue
		}
		if edge.AbsPoint != nil {
			// An absolute-point trigger pins every instance of the
			// child to this one upstream instance: when it completes,
			// the child becomes spawnable along its whole sequence.
			if !cycle.Equal(pr.Point, edge.AbsPoint) {
				continue
			}
			for childPoint, more := def.Sequence.First(); more; childPoint, more = def.Sequence.Next(childPoint) {
				if hasCeiling && cycle.After(childPoint, ceiling) {
					break
				}
				if !s.Pool.RunaheadOK(childPoint) {
					break
				}
				s.spawnChildAt(ctx, pr, edge.Child, childPoint)
			}
			continue
		}
		childPoint := pr.Point
		if edge.Offset != nil {
			childPoint = pr.Point.Add(edge.Offset.Negate())
		}
		if !def.Sequence.Contains(childPoint) {
			continue
		}
		if hasCeiling && cycle.After(childPoint, ceiling) {
			continue
		}
		if !s.Pool.RunaheadOK(childPoint) {
			continue
		}
		s.spawnChildAt(ctx, pr, edge.Child, childPoint)
	}
}

// spawnChildAt spawns one child proxy in each of the parent's flows,
// tolerating proxies that already exist.
func (s *Scheduler) spawnChildAt(ctx context.Context, pr *pool.Proxy, child string, point cycle.Point) {
	for flow := range pr.Flows {
		spawned, err := s.Pool.Spawn(child, point, flow)
		if err != nil {
			if !errors.Is(err, schederr.ErrDuplicateProxy) {
				s.Log.Warnf("scheduler: spawn child %s/%s: %v", child, point.String(), err)
			}
			continue
		}
		s.persistProxy(ctx, spawned)
		s.publishTask(spawned)
	}
}

// applySuicideTriggers removes every waiting proxy whose suicide
// dependency has fired: a suicide trigger withdraws a task from
// consideration entirely rather than satisfying it, distinct from the
// normal AND/OR satisfaction path.
func (s *Scheduler) applySuicideTriggers(ctx context.Context) {
	for _, pr := range s.Pool.All() {
		// A suicide firing mid-preparation is honored: the in-flight
		// submit result, if one later arrives, targets a proxy the pool
		// no longer tracks and is logged and discarded.
		switch pr.GetState() {
		case pool.StateWaiting, pool.StateQueued, pool.StateReady:
		default:
			continue
		}
		if !s.suicideFired(pr) {
			continue
		}
		for flow := range pr.Flows {
			s.Pool.Remove(pool.KeyFor(pr.Name, pr.Point, flow))
		}
		s.deleteProxyRows(ctx, pr)
		s.recordTaskEvent(ctx, pr, pr.CurrentSubmitNum(), "removed", "suicide trigger")
		delete(s.Jobs, pr)
		s.publishTask(pr)
	}
}

// suicideFired reports whether any of the proxy's removal prerequisite
// groups is fully satisfied.
func (s *Scheduler) suicideFired(pr *pool.Proxy) bool {
	for _, rp := range pr.RemovalPrereqs {
		for flow := range pr.Flows {
			rp.Refresh(pr.Point, flow, s.Pool)
		}
		if rp.Satisfied() {
			return true
		}
	}
	return false
}

// releaseAndSubmit pops as many proxies as each internal queue's
// capacity allows and dispatches a submission for every StateReady
// proxy not already mid-submission or mid-retry-backoff.
func (s *Scheduler) releaseAndSubmit(ctx context.Context, now time.Time) {
	for _, pr := range s.Pool.ReleaseQueues() {
		s.persistProxy(ctx, pr)
		s.publishTask(pr)
	}
	if s.Paused() {
		return
	}
	for _, pr := range s.Pool.All() {
		if pr.GetState() == pool.StateReady {
			s.maybeSubmit(ctx, pr, now)
		}
	}
}

func (s *Scheduler) hasPendingSubmit(pr *pool.Proxy) bool {
	for _, pc := range s.pending {
		if pc.kind == cmdKindSubmit && pc.proxy == pr {
			return true
		}
	}
	return false
}

func (s *Scheduler) maybeSubmit(ctx context.Context, pr *pool.Proxy, now time.Time) {
	if s.hasPendingSubmit(pr) {
		return
	}
	if !s.xtriggersSatisfied(pr) {
		return
	}
	job, existing := s.Jobs[pr]
	if existing {
		switch job.State {
		case jobs.StateSubmitted, jobs.StateRunning:
			return
		case jobs.StatePreparing:
			if dl, ok := job.NextDeadline(); ok && now.Before(dl) {
				return
			}
		}
	}
	s.dispatchSubmit(ctx, pr, job)
}

// dispatchSubmit renders a fresh job script and hands it to the
// configured batch-system adapter via the subprocess pool, reusing an
// existing job record (bumping submit_num, keeping try_number) when
// this is a scheduled retry rather than a first attempt.
func (s *Scheduler) dispatchSubmit(ctx context.Context, pr *pool.Proxy, existing *jobs.Job) {
	rt := s.Config.Runtime[pr.Name]
	submitNum := pr.NextSubmitNum()

	job := existing
	if job == nil {
		job = jobs.NewJob(pr.Name, pr.Point, submitNum)
		job.Platform = rt.Platform
		job.BatchSys = rt.BatchSystem
		if job.BatchSys == "" {
			job.BatchSys = "background"
		}
		if delays, err := parseISODurationListGo(rt.SubmissionRetryDelays); err == nil {
			job.SubmissionRetryDelays = delays
		}
		if delays, err := parseISODurationListGo(rt.ExecutionRetryDelays); err == nil {
			job.ExecutionRetryDelays = delays
		}
		if d, err := parseISODurationGo(rt.SubmissionTimeout); err == nil {
			job.SubmissionTimeout = d
		}
		if d, err := parseISODurationGo(rt.ExecutionTimeLimit); err == nil {
			job.ExecutionTimeout = d
		}
		s.Jobs[pr] = job
	} else {
		job.ResetForResubmit(submitNum)
	}

	adapter, ok := s.Batch.Get(job.BatchSys)
	if !ok {
		s.Log.Errorf("scheduler: no batch-system adapter registered for %q", job.BatchSys)
		return
	}

	env := s.resolveEnvironment(pr, rt)
	scriptPath, workDir, err := jobscript.Render(s.Config.RunDir(), jobscript.Spec{
		WorkflowID:    s.WorkflowID,
		TaskName:      pr.Name,
		CyclePoint:    pr.Point.String(),
		SubmitNum:     submitNum,
		TryNumber:     job.TryNumber,
		Platform:      job.Platform,
		BatchSystem:   job.BatchSys,
		PreScript:     rt.PreScript,
		Script:        rt.Script,
		PostScript:    rt.PostScript,
		Environment:   env,
		MessageSecret: s.Auth.Secret(),
	})
	if err != nil {
		s.Log.Errorf("scheduler: render job script for %s/%s: %v", pr.Name, pr.Point.String(), err)
		return
	}
	job.StatusPath = filepath.Join(workDir, "job.status")
	s.watchJobStatus(job.StatusPath, pr.Name, pr.Point.String(), submitNum)

	id := fmt.Sprintf("submit:%s@%s:%d", pr.Name, pr.Point.String(), submitNum)
	s.pending[id] = pendingCommand{kind: cmdKindSubmit, proxy: pr}
	platform := job.Platform
	s.Sub.Submit(&subprocess.Command{
		ID:       id,
		Category: subprocess.CategorySubmit,
		QueuedAt: s.Clk.Now(),
		Run: func(cctx context.Context) (subprocess.Result, error) {
			// The batch-system job ID rides back in Result.Output; the
			// main loop applies it to the job record, keeping all
			// job-state mutation on the scheduling goroutine.
			res, err := adapter.Submit(cctx, batchsys.SubmitRequest{
				JobScriptPath: scriptPath,
				WorkingDir:    workDir,
				Environment:   env,
				Platform:      platform,
			})
			if err != nil {
				return subprocess.Result{}, err
			}
			return subprocess.Result{Output: []byte(res.JobID)}, nil
		},
	})
	s.recordJobRow(ctx, pr, job)
	s.publishJob(pr, job)
}

func (s *Scheduler) resolveEnvironment(pr *pool.Proxy, rt config.RuntimeConfig) map[string]string {
	env := make(map[string]string, len(rt.Environment))
	for k, v := range rt.Environment {
		env[k] = v
	}
	// Satisfied xtrigger result values reach the job before broadcasts,
	// so an operator override still wins.
	for _, label := range rt.XTriggers {
		call, ok := s.xtriggerCallFor(label)
		if !ok {
			continue
		}
		if res, satisfied := s.XTrig.Satisfied(call); satisfied {
			for k, v := range res.Values {
				env[k] = v
			}
		}
	}
	for k, v := range s.Broadcast.Resolve(pr.Point, pr.Name) {
		env[k] = v
	}
	return env
}

// xtriggerCallFor resolves a configured xtrigger label into its Call.
func (s *Scheduler) xtriggerCallFor(label string) (xtrigger.Call, bool) {
	xc, ok := s.Config.XTriggers[label]
	if !ok {
		return xtrigger.Call{}, false
	}
	interval, _ := parseISODurationGo(xc.Interval)
	return xtrigger.Call{Label: label, Function: xc.Function, Args: xc.Args, Interval: interval}, true
}

// xtriggersSatisfied reports whether every xtrigger gating pr's
// namespace has a satisfied cached result.
func (s *Scheduler) xtriggersSatisfied(pr *pool.Proxy) bool {
	rt := s.Config.Runtime[pr.Name]
	for _, label := range rt.XTriggers {
		call, ok := s.xtriggerCallFor(label)
		if !ok {
			continue // unknown label; validated at load, never blocks here
		}
		if _, satisfied := s.XTrig.Satisfied(call); !satisfied {
			return false
		}
	}
	return true
}

// watchJobStatus tails a job's status file off the main loop,
// forwarding each lifecycle line it observes back onto the inbound
// queue as an authenticated Message, the same path a live networked
// job-to-scheduler transport would use.
func (s *Scheduler) watchJobStatus(statusPath, taskName, cyclePoint string, submitNum int) {
	if s.statusWatcher == nil {
		return
	}
	go func() {
		watchCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err := s.statusWatcher.Watch(watchCtx, statusPath, func(event string) {
			msg := messaging.Message{
				TaskName:   taskName,
				CyclePoint: cyclePoint,
				SubmitNum:  submitNum,
				Event:      event,
			}
			msg.MAC = s.Auth.Sign(msg)
			select {
			case s.Inbound <- msg:
			case <-watchCtx.Done():
			}
		})
		if err != nil {
			s.Log.Warnf("scheduler: status watch for %s/%s: %v", taskName, cyclePoint, err)
		}
	}()
}

// fireJobTimers applies submission/execution timeouts that have
// elapsed. Scheduled-retry wakeups need no explicit firing here:
// maybeSubmit already checks each StateReady proxy's job deadline on
// every iteration.
func (s *Scheduler) fireJobTimers(ctx context.Context, now time.Time) {
	for pr, job := range s.Jobs {
		dl, ok := job.NextDeadline()
		if !ok || now.Before(dl) {
			continue
		}
		switch job.State {
		case jobs.StateSubmitted:
			outcome, err := job.Apply(jobs.EventSubmitTimeout, now)
			if err != nil {
				continue
			}
			s.afterJobOutcome(ctx, pr, job, outcome, "", false, now)
		case jobs.StateRunning:
			outcome, err := job.Apply(jobs.EventExecTimeout, now)
			if err != nil {
				continue
			}
			if outcome.SchedulePoll {
				s.pollProxy(pr)
			}
		}
	}
}

// pollXTriggers evaluates every configured external trigger due for
// re-check.
func (s *Scheduler) pollXTriggers(ctx context.Context, now time.Time) {
	if len(s.Config.XTriggers) == 0 {
		return
	}
	calls := make([]xtrigger.Call, 0, len(s.Config.XTriggers))
	for label, xc := range s.Config.XTriggers {
		interval, _ := parseISODurationGo(xc.Interval)
		call := xtrigger.Call{Label: label, Function: xc.Function, Args: xc.Args, Interval: interval}
		s.xtriggerCalls[call.Signature()] = call
		calls = append(calls, call)
	}
	s.XTrig.Poll(ctx, calls, now)
	if s.Store == nil {
		return
	}
	for _, call := range calls {
		if res, ok := s.XTrig.Satisfied(call); ok {
			if err := s.Store.RecordXTrigger(ctx, call.Signature(), res.Satisfied, encodeSettings(res.Values)); err != nil {
				s.Log.Warnf("scheduler: record xtrigger %s: %v", call.Signature(), err)
			}
		}
	}
}

func (s *Scheduler) persistProxy(ctx context.Context, pr *pool.Proxy) {
	if s.Store == nil {
		return
	}
	row := store.TaskPoolRow{
		Name:       pr.Name,
		CyclePoint: pr.Point.String(),
		State:      string(pr.GetState()),
		SubmitNum:  pr.CurrentSubmitNum(),
		Held:       pr.IsHeld(),
		SpawnedAt:  pr.SpawnedAt,
	}
	for flow := range pr.Flows {
		row.Flow = flow
		if err := s.Store.UpsertTaskPool(ctx, row); err != nil {
			s.Log.Errorf("scheduler: persist proxy %s/%s: %v", pr.Name, pr.Point.String(), err)
		}
	}
}

func (s *Scheduler) deleteProxyRows(ctx context.Context, pr *pool.Proxy) {
	if s.Store == nil {
		return
	}
	for flow := range pr.Flows {
		if err := s.Store.DeleteTaskPool(ctx, pr.Name, pr.Point.String(), flow); err != nil {
			s.Log.Errorf("scheduler: delete proxy row %s/%s: %v", pr.Name, pr.Point.String(), err)
		}
	}
}

// checkStopCondition reports whether the active shutdown mode's exit
// criteria are met: "now" and "kill" are immediate once commanded,
// while "stop-after-point" waits for every live proxy to reach a
// terminal state.
func (s *Scheduler) checkStopCondition() bool {
	s.mu.Lock()
	stopping := s.stopping
	mode := command.StopMode(s.stopMode)
	s.mu.Unlock()
	if !stopping {
		return false
	}
	if mode == command.StopAfterPoint {
		for _, pr := range s.Pool.All() {
			switch pr.GetState() {
			case pool.StateSucceeded, pool.StateFailed, pool.StateSubmitFailed, pool.StateExpired:
				continue
			default:
				return false
			}
		}
	}
	return true
}

// shutdown runs the scheduler's exit sequence: kill active jobs if the
// stop mode demands it, drain the subprocess pool, close the status
// watcher, and take a final checkpoint.
func (s *Scheduler) shutdown(ctx context.Context) error {
	s.mu.Lock()
	mode := command.StopMode(s.stopMode)
	s.mu.Unlock()

	if mode == command.StopKill {
		for pr, job := range s.Jobs {
			if job.JobID == "" {
				continue
			}
			adapter, ok := s.Batch.Get(job.BatchSys)
			if !ok {
				continue
			}
			if err := adapter.Kill(ctx, job.JobID); err != nil {
				s.Log.Warnf("scheduler: shutdown kill %s/%s: %v", pr.Name, pr.Point.String(), err)
			}
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Sub.Shutdown(drainCtx); err != nil {
		s.Log.Warnf("scheduler: subprocess pool shutdown: %v", err)
	}
	if s.statusWatcher != nil {
		_ = s.statusWatcher.Close()
	}
	if s.Store != nil {
		if err := s.Store.WriteCheckpoint(context.Background(), 0); err != nil {
			s.Log.Warnf("scheduler: final checkpoint: %v", err)
		}
	}
	return nil
}

// nextWakeInterval computes how long the main loop's single timer
// should sleep: the soonest outstanding job deadline, capped at
// defaultTickInterval so periodic housekeeping still runs on an
// otherwise quiet workflow.
func (s *Scheduler) nextWakeInterval(now time.Time) time.Duration {
	wake := defaultTickInterval
	for _, job := range s.Jobs {
		dl, ok := job.NextDeadline()
		if !ok {
			continue
		}
		if d := dl.Sub(now); d < wake {
			if d < 100*time.Millisecond {
				d = 100 * time.Millisecond
			}
			wake = d
		}
	}
	return wake
}
