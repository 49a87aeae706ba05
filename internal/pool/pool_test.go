package pool

import (
	"testing"
	"time"

	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoint(t *testing.T, s string) cycle.Point {
	t.Helper()
	p, err := cycle.ParseISOPoint(s, cycle.ProlepticGregorian)
	require.NoError(t, err)
	return p
}

func TestPoolSpawnRejectsDuplicate(t *testing.T) {
	p := New(nil, func() time.Time { return time.Now() })
	p.AddDefinition(&graph.TaskDefinition{Name: "foo"})
	point := testPoint(t, "2020-01-01T00:00:00Z")

	_, err := p.Spawn("foo", point, 1)
	require.NoError(t, err)
	_, err = p.Spawn("foo", point, 1)
	assert.Error(t, err)

	// A new flow number may reoccupy the same name/point.
	_, err = p.Spawn("foo", point, 2)
	assert.NoError(t, err)
}

func TestPoolRefreshPrerequisitesAdvancesToQueued(t *testing.T) {
	p := New(nil, func() time.Time { return time.Now() })
	fooDef := &graph.TaskDefinition{Name: "foo"}
	barDef := &graph.TaskDefinition{
		Name: "bar",
		Prerequisites: []*graph.Prerequisite{
			{All: []graph.Dependency{{UpstreamName: "foo", Qualifier: graph.QualSucceeded}}},
		},
	}
	p.AddDefinition(fooDef)
	p.AddDefinition(barDef)
	point := testPoint(t, "2020-01-01T00:00:00Z")

	foo, err := p.Spawn("foo", point, 1)
	require.NoError(t, err)
	bar, err := p.Spawn("bar", point, 1)
	require.NoError(t, err)

	advanced := p.RefreshPrerequisites()
	require.Len(t, advanced, 1, "only the parentless foo advances; bar still waits on foo")
	assert.Equal(t, "foo", advanced[0].Name)
	assert.Equal(t, StateWaiting, bar.GetState())

	foo.MarkOutput(graph.QualSucceeded)
	advanced = p.RefreshPrerequisites()
	require.Len(t, advanced, 1)
	assert.Equal(t, StateQueued, bar.GetState())
}

func TestPoolReleaseQueuesRespectsLimit(t *testing.T) {
	p := New(nil, func() time.Time { return time.Now() })
	def := &graph.TaskDefinition{Name: "worker"}
	p.AddDefinition(def)
	q := NewQueue("default", 1)
	q.AddMember("worker")
	p.AddQueue(q)

	point1 := testPoint(t, "2020-01-01T00:00:00Z")
	point2 := testPoint(t, "2020-01-02T00:00:00Z")
	_, err := p.Spawn("worker", point1, 1)
	require.NoError(t, err)
	_, err = p.Spawn("worker", point2, 1)
	require.NoError(t, err)

	p.RefreshPrerequisites()
	released := p.ReleaseQueues()
	require.Len(t, released, 1, "only one should be released under a limit of 1")
	assert.True(t, cycle.Equal(released[0].Point, point1), "the earlier cycle point must release first, per the deterministic tie-break rule")

	more := p.ReleaseQueues()
	assert.Empty(t, more, "no capacity left until the first finishes")
}

// TestPoolRefreshPrerequisitesDeterministicOrder pins the release
// tie-break rule directly against RefreshPrerequisites: when two
// proxies become simultaneously ready, release order must be (cycle
// point, then task name), never Go's randomized map iteration order.
func TestPoolRefreshPrerequisitesDeterministicOrder(t *testing.T) {
	p := New(nil, func() time.Time { return time.Now() })
	p.AddDefinition(&graph.TaskDefinition{Name: "bravo"})
	p.AddDefinition(&graph.TaskDefinition{Name: "alpha"})
	point := testPoint(t, "2020-01-01T00:00:00Z")

	_, err := p.Spawn("bravo", point, 1)
	require.NoError(t, err)
	_, err = p.Spawn("alpha", point, 1)
	require.NoError(t, err)

	q := NewQueue("default", 0)
	q.AddMember("bravo")
	q.AddMember("alpha")
	p.AddQueue(q)

	p.RefreshPrerequisites()
	released := p.ReleaseQueues()
	require.Len(t, released, 2)
	assert.Equal(t, "alpha", released[0].Name, "lexically earlier task name must release first at the same cycle point")
	assert.Equal(t, "bravo", released[1].Name)
}

// TestPoolClockGates exercises the wall-clock trigger
// and expiry gates: a clock-trigger offset in the future holds a proxy
// back even with prerequisites satisfied, and a passed clock-expire
// offset forces StateExpired regardless of prerequisites.
func TestPoolClockGates(t *testing.T) {
	point := testPoint(t, "2020-01-01T00:00:00Z")
	now := testPoint(t, "2020-01-01T00:00:00Z")
	nowTime, _ := cycle.AsTime(now)

	t.Run("trigger not yet due", func(t *testing.T) {
		p := New(nil, func() time.Time { return nowTime })
		def := &graph.TaskDefinition{Name: "foo", ClockTriggerOffset: cycle.MustParseISODuration("P1D")}
		p.AddDefinition(def)
		_, err := p.Spawn("foo", point, 1)
		require.NoError(t, err)

		advanced := p.RefreshPrerequisites()
		assert.Empty(t, advanced, "the clock-trigger gate has not arrived yet")
	})

	t.Run("trigger due", func(t *testing.T) {
		p := New(nil, func() time.Time { return nowTime })
		def := &graph.TaskDefinition{Name: "foo", ClockTriggerOffset: cycle.MustParseISODuration("-P1D")}
		p.AddDefinition(def)
		foo, err := p.Spawn("foo", point, 1)
		require.NoError(t, err)

		advanced := p.RefreshPrerequisites()
		require.Len(t, advanced, 1)
		assert.Equal(t, StateQueued, foo.GetState())
	})

	t.Run("expire gate forces expired", func(t *testing.T) {
		p := New(nil, func() time.Time { return nowTime })
		def := &graph.TaskDefinition{Name: "foo", ClockExpireOffset: cycle.MustParseISODuration("-P1D")}
		p.AddDefinition(def)
		foo, err := p.Spawn("foo", point, 1)
		require.NoError(t, err)

		advanced := p.RefreshPrerequisites()
		require.Len(t, advanced, 1)
		assert.Equal(t, StateExpired, foo.GetState())
	})
}

// TestPoolPreInitialOffsetTriviallySatisfied pins the initial-point
// boundary rule: an inter-cycle trigger whose offset reaches before
// the workflow's first cycle point holds trivially instead of
// stalling the first instance forever.
func TestPoolPreInitialOffsetTriviallySatisfied(t *testing.T) {
	p := New(nil, func() time.Time { return time.Now() })
	initial := testPoint(t, "2020-01-01T00:00:00Z")
	p.SetInitialPoint(initial)

	def := &graph.TaskDefinition{
		Name: "model",
		Prerequisites: []*graph.Prerequisite{
			{All: []graph.Dependency{{
				UpstreamName: "model",
				Offset:       cycle.MustParseISODuration("-P1D"),
				Qualifier:    graph.QualSucceeded,
			}}},
		},
	}
	p.AddDefinition(def)

	model, err := p.Spawn("model", initial, 1)
	require.NoError(t, err)

	advanced := p.RefreshPrerequisites()
	require.Len(t, advanced, 1)
	assert.Equal(t, StateQueued, model.GetState())

	// The next instance must genuinely wait on its predecessor.
	next := testPoint(t, "2020-01-02T00:00:00Z")
	second, err := p.Spawn("model", next, 1)
	require.NoError(t, err)
	p.RefreshPrerequisites()
	assert.Equal(t, StateWaiting, second.GetState())

	model.MarkOutput(graph.QualSucceeded)
	p.RefreshPrerequisites()
	assert.Equal(t, StateQueued, second.GetState())
}

// TestPoolAbsoluteOutputSurvivesEviction pins the once-for-all rule
// for absolute-point dependencies: after the upstream proxy is gone,
// a recorded absolute output still satisfies late-spawned dependents.
func TestPoolAbsoluteOutputSurvivesEviction(t *testing.T) {
	p := New(nil, func() time.Time { return time.Now() })
	installPoint := testPoint(t, "2020-01-01T00:00:00Z")

	modelDef := &graph.TaskDefinition{
		Name: "model",
		Prerequisites: []*graph.Prerequisite{
			{All: []graph.Dependency{{
				UpstreamName: "install",
				AbsPoint:     installPoint,
				Qualifier:    graph.QualSucceeded,
			}}},
		},
	}
	p.AddDefinition(modelDef)
	p.RecordAbsOutput("install", installPoint, graph.QualSucceeded)

	// No live install proxy exists; the recorded absolute output alone
	// must satisfy a dependent at a later cycle point.
	later := testPoint(t, "2020-06-01T00:00:00Z")
	model, err := p.Spawn("model", later, 1)
	require.NoError(t, err)

	advanced := p.RefreshPrerequisites()
	require.Len(t, advanced, 1)
	assert.Equal(t, StateQueued, model.GetState())
}

func TestPoolRunaheadLimit(t *testing.T) {
	limit := cycle.MustParseISODuration("P2D")
	p := New(limit, func() time.Time { return time.Now() })
	oldest := testPoint(t, "2020-01-01T00:00:00Z")
	def := &graph.TaskDefinition{Name: "foo"}
	p.AddDefinition(def)
	_, err := p.Spawn("foo", oldest, 1)
	require.NoError(t, err)

	within := testPoint(t, "2020-01-03T00:00:00Z")
	beyond := testPoint(t, "2020-01-04T00:00:00Z")
	assert.True(t, p.RunaheadOK(within))
	assert.False(t, p.RunaheadOK(beyond))
}

func TestDetectStall(t *testing.T) {
	p := New(nil, func() time.Time { return time.Now() })
	barDef := &graph.TaskDefinition{
		Name: "bar",
		Prerequisites: []*graph.Prerequisite{
			{All: []graph.Dependency{{UpstreamName: "foo", Qualifier: graph.QualSucceeded}}},
		},
	}
	p.AddDefinition(barDef)
	point := testPoint(t, "2020-01-01T00:00:00Z")
	_, err := p.Spawn("bar", point, 1)
	require.NoError(t, err)

	report := p.DetectStall()
	assert.True(t, report.Stalled)
	assert.Len(t, report.WaitingOnInput, 1)
}
