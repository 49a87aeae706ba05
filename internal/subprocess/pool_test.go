package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsWithinLimit(t *testing.T) {
	p := NewPool(map[Category]int{CategorySubmit: 2}, 10)
	defer p.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		p.Submit(&Command{
			ID:       "cmd",
			Category: CategorySubmit,
			Run: func(ctx context.Context) (Result, error) {
				time.Sleep(10 * time.Millisecond)
				return Result{ExitCode: 0}, nil
			},
		})
	}

	for i := 0; i < 5; i++ {
		select {
		case res := <-p.Results():
			assert.Equal(t, 0, res.ExitCode)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
}

func TestPoolCarriesErrorIntoResult(t *testing.T) {
	p := NewPool(nil, 1)
	defer p.Shutdown(context.Background())

	p.Submit(&Command{
		ID:       "fails",
		Category: CategoryPoll,
		Run: func(ctx context.Context) (Result, error) {
			return Result{ExitCode: 1}, assert.AnError
		},
	})

	res := <-p.Results()
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunGroupCollectsAllResults(t *testing.T) {
	cmds := []*Command{
		{ID: "a", Category: CategoryHandler, Run: func(ctx context.Context) (Result, error) { return Result{ExitCode: 0}, nil }},
		{ID: "b", Category: CategoryHandler, Run: func(ctx context.Context) (Result, error) { return Result{ExitCode: 0}, nil }},
	}
	results, err := RunGroup(context.Background(), cmds)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].CommandID)
	assert.Equal(t, "b", results[1].CommandID)
}
