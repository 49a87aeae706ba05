package xtrigger

import (
	"context"
	"testing"
	"time"

	"github.com/cylc-go/scheduler/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSignatureIsArgOrderIndependent(t *testing.T) {
	a := Call{Function: "check_data", Args: map[string]string{"host": "h1", "path": "/data"}}
	b := Call{Function: "check_data", Args: map[string]string{"path": "/data", "host": "h1"}}
	assert.Equal(t, a.Signature(), b.Signature())
	assert.Equal(t, "check_data(host=h1,path=/data)", a.Signature())
}

func TestWallClockFunction(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	fn := WallClockFunction(clk)

	deadline := start.Add(time.Hour).Format(time.RFC3339)
	res, err := fn(context.Background(), map[string]string{"at": deadline})
	require.NoError(t, err)
	assert.False(t, res.Satisfied)

	clk.Advance(2 * time.Hour)
	res, err = fn(context.Background(), map[string]string{"at": deadline})
	require.NoError(t, err)
	assert.True(t, res.Satisfied)
	assert.NotEmpty(t, res.Values["triggered_at"])
}

func TestManagerClockCallSatisfiesInProcess(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	m := NewManager(nil, clk)
	m.RegisterClockFunction("wall_clock", WallClockFunction(clk))

	call := Call{
		Label:    "clk",
		Function: "wall_clock",
		Args:     map[string]string{"at": start.Add(-time.Minute).Format(time.RFC3339)},
		Interval: time.Minute,
	}
	m.Poll(context.Background(), []Call{call}, clk.Now())

	res, ok := m.Satisfied(call)
	require.True(t, ok)
	assert.True(t, res.Satisfied)
}

func TestManagerUnsatisfiedCallWaitsForInterval(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	m := NewManager(nil, clk)

	evals := 0
	m.RegisterClockFunction("count", func(ctx context.Context, args map[string]string) (Result, error) {
		evals++
		return Result{Satisfied: false}, nil
	})

	call := Call{Label: "c", Function: "count", Interval: time.Minute}
	m.Poll(context.Background(), []Call{call}, clk.Now())
	require.Equal(t, 1, evals)

	// Not yet due for re-check.
	m.Poll(context.Background(), []Call{call}, clk.Now().Add(time.Second))
	assert.Equal(t, 1, evals)

	// Past the interval: re-evaluated.
	m.Poll(context.Background(), []Call{call}, clk.Now().Add(2*time.Minute))
	assert.Equal(t, 2, evals)
}

func TestManagerSeedRestoresSatisfiedResult(t *testing.T) {
	clk := clock.NewFake(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(nil, clk)

	call := Call{Function: "check_data", Args: map[string]string{"path": "/data"}}
	m.Seed(call.Signature(), true, map[string]string{"size": "42"})

	res, ok := m.Satisfied(call)
	require.True(t, ok)
	assert.Equal(t, "42", res.Values["size"])
}

func TestManagerApplyRemoteResult(t *testing.T) {
	clk := clock.NewFake(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(nil, clk)

	call := Call{Function: "check_data", Interval: time.Minute}
	m.ApplyRemoteResult("xtrigger:"+call.Signature(), call,
		Result{Satisfied: true, Values: map[string]string{"k": "v"}}, nil, clk.Now())

	res, ok := m.Satisfied(call)
	require.True(t, ok)
	assert.Equal(t, "v", res.Values["k"])
}
