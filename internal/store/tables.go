package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TaskPoolRow is one row of the task_pool table: the durable record of
// a live task proxy, enough to reconstruct it on restart.
type TaskPoolRow struct {
	Name       string
	CyclePoint string
	Flow       int
	State      string
	SubmitNum  int
	Held       bool
	SpawnedAt  time.Time
}

// UpsertTaskPool writes or updates a task proxy's durable row. Called
// on every pool state transition so a crash never loses more than the
// in-flight transition.
func (s *PrivateStore) UpsertTaskPool(ctx context.Context, row TaskPoolRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_pool (name, cycle_point, flow, state, submit_num, held, spawned_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (name, cycle_point, flow) DO UPDATE SET
			state = EXCLUDED.state,
			submit_num = EXCLUDED.submit_num,
			held = EXCLUDED.held,
			updated_at = NOW()`,
		row.Name, row.CyclePoint, row.Flow, row.State, row.SubmitNum, row.Held, row.SpawnedAt)
	if err != nil {
		return fmt.Errorf("store: upsert task_pool: %w", err)
	}
	return nil
}

// DeleteTaskPool removes a proxy's row once it leaves the live pool
// (completion without restart relevance, or suicide).
func (s *PrivateStore) DeleteTaskPool(ctx context.Context, name, cyclePoint string, flow int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_pool WHERE name=$1 AND cycle_point=$2 AND flow=$3`,
		name, cyclePoint, flow)
	if err != nil {
		return fmt.Errorf("store: delete task_pool: %w", err)
	}
	return nil
}

// ListTaskPool returns every row currently in the live task pool, used
// both for restart reconciliation and for PublicStore's refresh.
func (s *PrivateStore) ListTaskPool(ctx context.Context) ([]TaskPoolRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, cycle_point, flow, state, submit_num, held, spawned_at FROM task_pool`)
	if err != nil {
		return nil, fmt.Errorf("store: list task_pool: %w", err)
	}
	defer rows.Close()

	var out []TaskPoolRow
	for rows.Next() {
		var r TaskPoolRow
		if err := rows.Scan(&r.Name, &r.CyclePoint, &r.Flow, &r.State, &r.SubmitNum, &r.Held, &r.SpawnedAt); err != nil {
			return nil, fmt.Errorf("store: scan task_pool row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WriteCheckpoint copies the current task_pool contents into
// task_pool_checkpoints under checkpointID, replacing any rows
// already recorded under that id. Checkpoint id 0 is the
// continuously-rewritten "latest" checkpoint the restart protocol
// reads by default.
func (s *PrivateStore) WriteCheckpoint(ctx context.Context, checkpointID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin checkpoint tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM task_pool_checkpoints WHERE checkpoint_id = $1`, checkpointID); err != nil {
		return fmt.Errorf("store: clear checkpoint %d: %w", checkpointID, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO task_pool_checkpoints (checkpoint_id, name, cycle_point, flow, state, submit_num, taken_at)
		SELECT $1, name, cycle_point, flow, state, submit_num, NOW() FROM task_pool`, checkpointID)
	if err != nil {
		return fmt.Errorf("store: write checkpoint: %w", err)
	}
	return tx.Commit(ctx)
}

// ReadCheckpoint restores the task_pool rows recorded under
// checkpointID, used by the restart protocol.
func (s *PrivateStore) ReadCheckpoint(ctx context.Context, checkpointID int) ([]TaskPoolRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, cycle_point, flow, state, submit_num FROM task_pool_checkpoints WHERE checkpoint_id=$1`,
		checkpointID)
	if err != nil {
		return nil, fmt.Errorf("store: read checkpoint: %w", err)
	}
	defer rows.Close()

	var out []TaskPoolRow
	for rows.Next() {
		var r TaskPoolRow
		if err := rows.Scan(&r.Name, &r.CyclePoint, &r.Flow, &r.State, &r.SubmitNum); err != nil {
			return nil, fmt.Errorf("store: scan checkpoint row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordOutput durably marks (name, cyclePoint, flow) as having
// completed qualifier. Idempotent: re-recording the same output is a
// no-op rather than an error, since restart reconciliation may replay
// an already-applied message.
func (s *PrivateStore) RecordOutput(ctx context.Context, name, cyclePoint string, flow int, qualifier string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_outputs (name, cycle_point, flow, qualifier, completed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name, cycle_point, flow, qualifier) DO NOTHING`,
		name, cyclePoint, flow, qualifier)
	if err != nil {
		return fmt.Errorf("store: record output: %w", err)
	}
	return nil
}

// OutputSatisfied reports whether (name, cyclePoint, flow, qualifier)
// has a durable output record, used to confirm a stale-looking message
// against history during restart reconciliation.
func (s *PrivateStore) OutputSatisfied(ctx context.Context, name, cyclePoint string, flow int, qualifier string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM task_outputs WHERE name=$1 AND cycle_point=$2 AND flow=$3 AND qualifier=$4)`,
		name, cyclePoint, flow, qualifier).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check output: %w", err)
	}
	return exists, nil
}

// TaskOutputRow is one row of the task_outputs table: one completed
// output on one task instance.
type TaskOutputRow struct {
	Name        string
	CyclePoint  string
	Flow        int
	Qualifier   string
	CompletedAt time.Time
}

// ListOutputs returns every recorded output across the whole run,
// used by restart reconciliation to rehydrate each rebuilt proxy's
// completed outputs.
func (s *PrivateStore) ListOutputs(ctx context.Context) ([]TaskOutputRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, cycle_point, flow, qualifier, completed_at FROM task_outputs`)
	if err != nil {
		return nil, fmt.Errorf("store: list task_outputs: %w", err)
	}
	defer rows.Close()

	var out []TaskOutputRow
	for rows.Next() {
		var r TaskOutputRow
		if err := rows.Scan(&r.Name, &r.CyclePoint, &r.Flow, &r.Qualifier, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("store: scan task_outputs row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskEvent is one row of the task_events audit trail.
type TaskEvent struct {
	Name       string
	CyclePoint string
	Flow       int
	SubmitNum  int
	Event      string
	Message    string
	OccurredAt time.Time
}

// RecordEvent appends an immutable audit entry. Never updated or
// deleted: task_events is the durable record used to distinguish a
// genuinely stale message from a late-arriving duplicate.
func (s *PrivateStore) RecordEvent(ctx context.Context, ev TaskEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (name, cycle_point, flow, submit_num, event, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		ev.Name, ev.CyclePoint, ev.Flow, ev.SubmitNum, ev.Event, ev.Message)
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

// TaskJobRow is one row of the task_jobs table: one job attempt.
type TaskJobRow struct {
	Name        string
	CyclePoint  string
	Flow        int
	SubmitNum   int
	TryNumber   int
	State       string
	Platform    string
	BatchSystem string
	JobID       string
	SubmittedAt *time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// UpsertJob writes or updates a job attempt's row.
func (s *PrivateStore) UpsertJob(ctx context.Context, j TaskJobRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_jobs (name, cycle_point, flow, submit_num, try_number, state, platform, batch_system, job_id, submitted_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (name, cycle_point, flow, submit_num) DO UPDATE SET
			try_number = EXCLUDED.try_number,
			state = EXCLUDED.state,
			platform = EXCLUDED.platform,
			batch_system = EXCLUDED.batch_system,
			job_id = EXCLUDED.job_id,
			submitted_at = EXCLUDED.submitted_at,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		j.Name, j.CyclePoint, j.Flow, j.SubmitNum, j.TryNumber, j.State, j.Platform, j.BatchSystem, j.JobID,
		j.SubmittedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("store: upsert task_jobs: %w", err)
	}
	return nil
}

// ListJobsForTask returns every recorded submission attempt for a task
// instance, ordered by submit_num, used for restart polling and for
// reporting retry history.
func (s *PrivateStore) ListJobsForTask(ctx context.Context, name, cyclePoint string, flow int) ([]TaskJobRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, cycle_point, flow, submit_num, try_number, state, platform, batch_system, job_id, submitted_at, started_at, finished_at
		FROM task_jobs WHERE name=$1 AND cycle_point=$2 AND flow=$3 ORDER BY submit_num`,
		name, cyclePoint, flow)
	if err != nil {
		return nil, fmt.Errorf("store: list task_jobs: %w", err)
	}
	defer rows.Close()

	var out []TaskJobRow
	for rows.Next() {
		var j TaskJobRow
		if err := rows.Scan(&j.Name, &j.CyclePoint, &j.Flow, &j.SubmitNum, &j.TryNumber, &j.State,
			&j.Platform, &j.BatchSystem, &j.JobID, &j.SubmittedAt, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, fmt.Errorf("store: scan task_jobs row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetBroadcast persists a broadcast record (settingsJSON is the
// caller's already-marshaled Settings map), or removes it entirely
// when clear is true. An empty point or namespace is the "all points" /
// "all namespaces" target, stored as the empty string.
func (s *PrivateStore) SetBroadcast(ctx context.Context, point, namespace, settingsJSON string, clear bool) error {
	if clear {
		_, err := s.pool.Exec(ctx, `DELETE FROM broadcast_states WHERE target_point=$1 AND target_namespace=$2`,
			point, namespace)
		if err != nil {
			return fmt.Errorf("store: clear broadcast: %w", err)
		}
	} else {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO broadcast_states (target_point, target_namespace, settings_json)
			VALUES ($1, $2, $3)
			ON CONFLICT (target_point, target_namespace) DO UPDATE SET settings_json = EXCLUDED.settings_json`,
			point, namespace, settingsJSON)
		if err != nil {
			return fmt.Errorf("store: set broadcast: %w", err)
		}
	}
	change := "set"
	if clear {
		change = "clear"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcast_events (target_point, target_namespace, change, settings_json, occurred_at)
		VALUES ($1, $2, $3, $4, NOW())`, point, namespace, change, settingsJSON)
	if err != nil {
		return fmt.Errorf("store: record broadcast event: %w", err)
	}
	return nil
}

// ListBroadcasts returns every active broadcast row, for restart
// reconciliation into internal/broadcast.Store.
func (s *PrivateStore) ListBroadcasts(ctx context.Context) ([]BroadcastRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT target_point, target_namespace, settings_json FROM broadcast_states`)
	if err != nil {
		return nil, fmt.Errorf("store: list broadcasts: %w", err)
	}
	defer rows.Close()

	var out []BroadcastRow
	for rows.Next() {
		var b BroadcastRow
		if err := rows.Scan(&b.Point, &b.Namespace, &b.SettingsJSON); err != nil {
			return nil, fmt.Errorf("store: scan broadcast row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BroadcastRow is one row of broadcast_states. An empty Point or
// Namespace means the broadcast targets all cycle points / all
// namespaces respectively.
type BroadcastRow struct {
	Point        string
	Namespace    string
	SettingsJSON string
}

// RecordXTrigger persists an xtrigger result keyed by its call
// signature (function name + sorted args), so an already-satisfied
// xtrigger is never re-evaluated after restart.
func (s *PrivateStore) RecordXTrigger(ctx context.Context, signature string, satisfied bool, resultJSON string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO xtriggers (signature, satisfied, result_json, checked_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (signature) DO UPDATE SET satisfied = EXCLUDED.satisfied, result_json = EXCLUDED.result_json, checked_at = NOW()`,
		signature, satisfied, resultJSON)
	if err != nil {
		return fmt.Errorf("store: record xtrigger: %w", err)
	}
	return nil
}

// GetXTrigger looks up a previously-recorded xtrigger result.
func (s *PrivateStore) GetXTrigger(ctx context.Context, signature string) (satisfied bool, resultJSON string, found bool, err error) {
	row := s.pool.QueryRow(ctx, `SELECT satisfied, result_json FROM xtriggers WHERE signature=$1`, signature)
	if err := row.Scan(&satisfied, &resultJSON); err != nil {
		if err == pgx.ErrNoRows {
			return false, "", false, nil
		}
		return false, "", false, fmt.Errorf("store: get xtrigger: %w", err)
	}
	return satisfied, resultJSON, true, nil
}

// RecordAbsOutput persists a completed output that an absolute-cycle-
// point trigger (one that waits on a fixed, non-relative cycle point
// rather than an offset from its own point) references, so it keeps
// satisfying dependents across restart after the upstream proxy is gone.
func (s *PrivateStore) RecordAbsOutput(ctx context.Context, name, cyclePoint, qualifier string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO abs_outputs (name, cycle_point, qualifier) VALUES ($1, $2, $3)
		ON CONFLICT (name, cycle_point, qualifier) DO NOTHING`, name, cyclePoint, qualifier)
	if err != nil {
		return fmt.Errorf("store: record abs_output: %w", err)
	}
	return nil
}

// SetWorkflowParam persists one workflow_params key/value pair (e.g.
// the active flow counter, UUID, or the workflow's cycling mode at
// startup, used to detect an incompatible restart).
func (s *PrivateStore) SetWorkflowParam(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_params (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set workflow_param: %w", err)
	}
	return nil
}

// GetWorkflowParam reads one workflow_params value.
func (s *PrivateStore) GetWorkflowParam(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM workflow_params WHERE key=$1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: get workflow_param: %w", err)
	}
	return value, true, nil
}
