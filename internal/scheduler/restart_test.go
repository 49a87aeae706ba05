package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cylc-go/scheduler/internal/clock"
	"github.com/cylc-go/scheduler/internal/config"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/obslog"
	"github.com/cylc-go/scheduler/internal/pool"
	"github.com/cylc-go/scheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRestartStore implements Store with just enough behavior to drive
// Restart in a test, without a live Postgres instance.
type fakeRestartStore struct {
	cyclingMode string
	snapshot    *store.RestartSnapshot
}

func (f *fakeRestartStore) UpsertTaskPool(ctx context.Context, row store.TaskPoolRow) error { return nil }
func (f *fakeRestartStore) DeleteTaskPool(ctx context.Context, name, cyclePoint string, flow int) error {
	return nil
}
func (f *fakeRestartStore) RecordOutput(ctx context.Context, name, cyclePoint string, flow int, qualifier string) error {
	return nil
}
func (f *fakeRestartStore) RecordAbsOutput(ctx context.Context, name, cyclePoint, qualifier string) error {
	return nil
}
func (f *fakeRestartStore) RecordEvent(ctx context.Context, ev store.TaskEvent) error { return nil }
func (f *fakeRestartStore) UpsertJob(ctx context.Context, j store.TaskJobRow) error   { return nil }
func (f *fakeRestartStore) SetBroadcast(ctx context.Context, point, namespace, settingsJSON string, clear bool) error {
	return nil
}
func (f *fakeRestartStore) WriteCheckpoint(ctx context.Context, checkpointID int) error { return nil }
func (f *fakeRestartStore) RecordXTrigger(ctx context.Context, signature string, satisfied bool, resultJSON string) error {
	return nil
}
func (f *fakeRestartStore) SetWorkflowParam(ctx context.Context, key, value string) error { return nil }
func (f *fakeRestartStore) Reconcile(ctx context.Context) (*store.RestartSnapshot, error) {
	return f.snapshot, nil
}
func (f *fakeRestartStore) VerifyCompatibleRestart(ctx context.Context, cyclingMode string) error {
	if f.cyclingMode != "" && f.cyclingMode != cyclingMode {
		return assert.AnError
	}
	return nil
}

func newTestScheduler(t *testing.T, st Store) *Scheduler {
	t.Helper()
	cfg := &config.Config{
		Scheduling: config.SchedulingConfig{
			CyclingMode:       "gregorian",
			InitialCyclePoint: "2020-01-01T00:00:00Z",
		},
	}
	defs := map[string]*graph.TaskDefinition{
		"foo": {Name: "foo"},
	}
	clk := clock.NewFake(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC))
	log := obslog.New(obslog.DefaultConfig())
	sched, err := New(cfg, defs, st, clk, log)
	require.NoError(t, err)
	return sched
}

func TestRestartRehydratesPoolAndOutputs(t *testing.T) {
	snap := &store.RestartSnapshot{
		TaskPool: []store.TaskPoolRow{
			{Name: "foo", CyclePoint: "2020-01-01T00:00:00Z", Flow: 1, State: "submitted", SubmitNum: 1, SpawnedAt: time.Now()},
		},
		Outputs: map[string][]string{
			"foo/2020-01-01T00:00:00Z/1": {"submitted"},
		},
		Jobs: map[string][]store.TaskJobRow{
			"foo/2020-01-01T00:00:00Z/1": {
				{Name: "foo", CyclePoint: "2020-01-01T00:00:00Z", Flow: 1, SubmitNum: 1, TryNumber: 1, State: "submitted", BatchSystem: "background", JobID: "999"},
			},
		},
	}
	st := &fakeRestartStore{cyclingMode: "gregorian", snapshot: snap}
	sched := newTestScheduler(t, st)

	require.NoError(t, sched.Restart(context.Background()))

	proxies := sched.Pool.All()
	require.Len(t, proxies, 1)
	pr := proxies[0]
	assert.Equal(t, pool.StateSubmitted, pr.GetState())
	assert.True(t, pr.HasOutput(graph.Qualifier("submitted")))
	assert.Equal(t, 1, pr.CurrentSubmitNum())

	job, ok := sched.Jobs[pr]
	require.True(t, ok, "a non-terminal job row must be reconstructed for re-polling")
	assert.Equal(t, "999", job.JobID)
}

func TestRestartRejectsIncompatibleCyclingMode(t *testing.T) {
	st := &fakeRestartStore{cyclingMode: "integer", snapshot: &store.RestartSnapshot{}}
	sched := newTestScheduler(t, st)

	err := sched.Restart(context.Background())
	assert.Error(t, err)
}

func TestRestartNoStoreIsNoOp(t *testing.T) {
	sched := newTestScheduler(t, nil)
	require.NoError(t, sched.Restart(context.Background()))
	assert.Empty(t, sched.Pool.All())
}
