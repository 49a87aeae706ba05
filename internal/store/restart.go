package store

import (
	"context"
	"fmt"
)

// RestartSnapshot is everything Reconcile needs handed back to the
// scheduler to rebuild in-memory state: the live task pool rows, any
// broadcasts, and outstanding jobs to poll.
type RestartSnapshot struct {
	TaskPool   []TaskPoolRow
	Broadcasts []BroadcastRow
	Jobs       map[string][]TaskJobRow // keyed by "name/cycle_point/flow"
	Outputs    map[string][]string     // keyed by "name/cycle_point/flow", values are completed qualifiers
	XTriggers  []XTriggerRow
	AbsOutputs []AbsOutputRow
}

// AbsOutputRow is one row of the abs_outputs table: an output some
// absolute-point trigger references, satisfied once for all future
// dependents.
type AbsOutputRow struct {
	Name       string
	CyclePoint string
	Qualifier  string
}

// ListAbsOutputs returns every recorded absolute-point output, so a
// restarted scheduler keeps satisfying dependents of long-evicted
// upstream instances.
func (s *PrivateStore) ListAbsOutputs(ctx context.Context) ([]AbsOutputRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, cycle_point, qualifier FROM abs_outputs`)
	if err != nil {
		return nil, fmt.Errorf("store: list abs_outputs: %w", err)
	}
	defer rows.Close()

	var out []AbsOutputRow
	for rows.Next() {
		var r AbsOutputRow
		if err := rows.Scan(&r.Name, &r.CyclePoint, &r.Qualifier); err != nil {
			return nil, fmt.Errorf("store: scan abs_outputs row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// XTriggerRow is one row of the xtriggers table.
type XTriggerRow struct {
	Signature  string
	Satisfied  bool
	ResultJSON string
}

// ListXTriggers returns every recorded xtrigger result, so a restarted
// scheduler never re-evaluates an already-satisfied trigger.
func (s *PrivateStore) ListXTriggers(ctx context.Context) ([]XTriggerRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT signature, satisfied, result_json FROM xtriggers`)
	if err != nil {
		return nil, fmt.Errorf("store: list xtriggers: %w", err)
	}
	defer rows.Close()

	var out []XTriggerRow
	for rows.Next() {
		var r XTriggerRow
		if err := rows.Scan(&r.Signature, &r.Satisfied, &r.ResultJSON); err != nil {
			return nil, fmt.Errorf("store: scan xtrigger row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reconcile gathers the restart snapshot: load the live task pool,
// active broadcasts, recorded outputs, the jobs of every pool row (so
// the scheduler can poll each one's batch system before resuming the
// main loop), xtriggers and absolute outputs. Cycling-mode
// compatibility is checked separately, by VerifyCompatibleRestart.
func (s *PrivateStore) Reconcile(ctx context.Context) (*RestartSnapshot, error) {
	poolRows, err := s.ListTaskPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reconcile: list task pool: %w", err)
	}
	broadcasts, err := s.ListBroadcasts(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reconcile: list broadcasts: %w", err)
	}

	outputRows, err := s.ListOutputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reconcile: list outputs: %w", err)
	}
	outputs := make(map[string][]string)
	for _, row := range outputRows {
		key := row.Name + "/" + row.CyclePoint + "/" + fmt.Sprint(row.Flow)
		outputs[key] = append(outputs[key], row.Qualifier)
	}

	jobs := make(map[string][]TaskJobRow)
	for _, row := range poolRows {
		key := row.Name + "/" + row.CyclePoint + "/" + fmt.Sprint(row.Flow)
		jobRows, err := s.ListJobsForTask(ctx, row.Name, row.CyclePoint, row.Flow)
		if err != nil {
			return nil, fmt.Errorf("store: reconcile: list jobs for %s: %w", key, err)
		}
		jobs[key] = jobRows
	}

	xtriggers, err := s.ListXTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reconcile: %w", err)
	}
	absOutputs, err := s.ListAbsOutputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reconcile: %w", err)
	}

	return &RestartSnapshot{
		TaskPool:   poolRows,
		Broadcasts: broadcasts,
		Jobs:       jobs,
		Outputs:    outputs,
		XTriggers:  xtriggers,
		AbsOutputs: absOutputs,
	}, nil
}

// VerifyCompatibleRestart checks that a restarting scheduler's cycling
// configuration matches what the previous run recorded, refusing an
// incompatible resume rather than silently reinterpreting cycle points
// under a different calendar.
func (s *PrivateStore) VerifyCompatibleRestart(ctx context.Context, cyclingMode string) error {
	prev, found, err := s.GetWorkflowParam(ctx, "cycling_mode")
	if err != nil {
		return fmt.Errorf("store: verify restart: %w", err)
	}
	if !found {
		return s.SetWorkflowParam(ctx, "cycling_mode", cyclingMode)
	}
	if prev != cyclingMode {
		return fmt.Errorf("store: restart cycling_mode mismatch: run database has %q, configuration has %q", prev, cyclingMode)
	}
	return nil
}
