package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cylc-go/scheduler/internal/broadcast"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/jobs"
	"github.com/cylc-go/scheduler/internal/pool"
	"github.com/cylc-go/scheduler/internal/store"
)

// Restart implements the restart protocol against a configured
// Store: it refuses an incompatible cycling-mode
// resume, then rebuilds the live pool, broadcast overlay, and
// in-flight jobs from the run database before the main loop starts,
// so a restarted scheduler never boots with an empty pool. A nil
// Store (no durability configured) is a no-op, matching cmd/cylc-
// scheduler's "no store.dsn configured" branch.
func (s *Scheduler) Restart(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	if err := s.Store.VerifyCompatibleRestart(ctx, s.Config.Scheduling.CyclingMode); err != nil {
		return err
	}
	snap, err := s.Store.Reconcile(ctx)
	if err != nil {
		return err
	}

	s.restoreBroadcasts(snap.Broadcasts)

	for _, row := range snap.XTriggers {
		var values map[string]string
		if row.ResultJSON != "" {
			if err := json.Unmarshal([]byte(row.ResultJSON), &values); err != nil {
				s.Log.Warnf("scheduler: restart: unparseable xtrigger result for %s: %v", row.Signature, err)
				continue
			}
		}
		s.XTrig.Seed(row.Signature, row.Satisfied, values)
	}

	for _, row := range snap.AbsOutputs {
		point, err := s.parsePoint(row.CyclePoint)
		if err != nil {
			s.Log.Warnf("scheduler: restart: unparseable abs_output point %q: %v", row.CyclePoint, err)
			continue
		}
		s.Pool.RecordAbsOutput(row.Name, point, graph.Qualifier(row.Qualifier))
	}

	for _, row := range snap.TaskPool {
		pr, err := s.restoreProxy(row)
		if err != nil {
			s.Log.Warnf("scheduler: restart: skipping %s/%s: %v", row.Name, row.CyclePoint, err)
			continue
		}
		key := row.Name + "/" + row.CyclePoint + "/" + fmt.Sprint(row.Flow)
		for _, qualifier := range snap.Outputs[key] {
			pr.MarkOutput(graph.Qualifier(qualifier))
		}
		s.restoreJobAndRepoll(pr, snap.Jobs[key])
	}

	s.Pool.RefreshPrerequisites()
	return nil
}

// restoreBroadcasts replays every durable broadcast row into the
// in-memory broadcast store, mirroring applyBroadcastSet's Target
// construction.
func (s *Scheduler) restoreBroadcasts(rows []store.BroadcastRow) {
	for _, row := range rows {
		target := broadcast.Target{Namespace: row.Namespace}
		if row.Point != "" {
			p, err := s.parsePoint(row.Point)
			if err != nil {
				s.Log.Warnf("scheduler: restart: unparseable broadcast point %q: %v", row.Point, err)
				continue
			}
			target.Point = p
		}
		var settings map[string]string
		if err := json.Unmarshal([]byte(row.SettingsJSON), &settings); err != nil {
			s.Log.Warnf("scheduler: restart: unparseable broadcast settings: %v", err)
			continue
		}
		s.Broadcast.Set(target, settings)
	}
}

// restoreProxy reconstructs one live task proxy from its durable row,
// spawning it into the pool and replaying its state, held flag, and
// submit-number counter.
func (s *Scheduler) restoreProxy(row store.TaskPoolRow) (*pool.Proxy, error) {
	point, err := s.parsePoint(row.CyclePoint)
	if err != nil {
		return nil, fmt.Errorf("invalid cycle point %q: %w", row.CyclePoint, err)
	}
	pr, err := s.Pool.Spawn(row.Name, point, row.Flow)
	if err != nil {
		return nil, fmt.Errorf("respawning proxy: %w", err)
	}
	pr.SetState(pool.State(row.State))
	pr.SetHeld(row.Held)
	for pr.CurrentSubmitNum() < row.SubmitNum {
		pr.NextSubmitNum()
	}
	return pr, nil
}

// restoreJobAndRepoll reconstructs the most recent job attempt for a
// restored proxy and, if that attempt was still submitted or running
// when the scheduler stopped, schedules an immediate poll so its
// actual batch-system status is reconciled rather than assumed.
func (s *Scheduler) restoreJobAndRepoll(pr *pool.Proxy, jobRows []store.TaskJobRow) {
	if len(jobRows) == 0 {
		return
	}
	last := jobRows[len(jobRows)-1]
	state := jobs.State(last.State)
	if state != jobs.StateSubmitted && state != jobs.StateRunning {
		return
	}

	j := jobs.NewJob(pr.Name, pr.Point, last.SubmitNum)
	j.TryNumber = last.TryNumber
	j.State = state
	j.Platform = last.Platform
	j.BatchSys = last.BatchSystem
	j.JobID = last.JobID
	if last.SubmittedAt != nil {
		j.SubmittedAt = *last.SubmittedAt
	}
	if last.StartedAt != nil {
		j.StartedAt = *last.StartedAt
	}
	s.Jobs[pr] = j
	s.pollProxy(pr)
}
