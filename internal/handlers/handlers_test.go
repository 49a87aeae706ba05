package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/subprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesContextFields(t *testing.T) {
	got, err := render("notify {{.TaskName}}@{{.CyclePoint}} {{.Event}}", EventContext{
		TaskName:   "model",
		CyclePoint: "2020-01-01T00:00:00Z",
		Event:      "failed",
	})
	require.NoError(t, err)
	assert.Equal(t, "notify model@2020-01-01T00:00:00Z failed", got)
}

func TestRenderRejectsMalformedTemplate(t *testing.T) {
	_, err := render("notify {{.Task", EventContext{})
	assert.Error(t, err)
}

func TestDispatchSubmitsOneCommandPerTemplate(t *testing.T) {
	pool := subprocess.NewPool(map[subprocess.Category]int{subprocess.CategoryHandler: 2}, 10)
	defer pool.Shutdown(context.Background())

	d := NewDispatcher(pool, 0)
	d.Configure("model", map[string][]string{
		"failed": {"true", "true"},
	})

	point, err := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cycle.ProlepticGregorian)
	require.NoError(t, err)

	ids, err := d.Dispatch("model", point, EventContext{TaskName: "model", CyclePoint: point.String(), Event: "failed"})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for i := 0; i < 2; i++ {
		select {
		case res := <-pool.Results():
			assert.Equal(t, 0, res.ExitCode)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for handler result %d", i)
		}
	}
}

func TestDispatchUnconfiguredEventIsNoOp(t *testing.T) {
	d := NewDispatcher(nil, 0)
	point, err := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cycle.ProlepticGregorian)
	require.NoError(t, err)

	ids, err := d.Dispatch("model", point, EventContext{Event: "succeeded"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBatchMailHandlerFlush(t *testing.T) {
	b := NewBatchMailHandler(time.Minute)
	b.Add(EventContext{TaskName: "a", Event: "failed"})
	b.Add(EventContext{TaskName: "b", Event: "failed"})

	events := b.Flush()
	require.Len(t, events, 2)
	assert.Empty(t, b.Flush(), "a second flush with nothing queued returns nothing")

	body := DigestBody(events)
	assert.Contains(t, body, "a/")
	assert.Contains(t, body, "b/")
}
