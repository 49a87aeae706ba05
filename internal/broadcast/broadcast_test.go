package broadcast

import (
	"testing"

	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoint(t *testing.T, s string) cycle.Point {
	t.Helper()
	p, err := cycle.ParseISOPoint(s, cycle.ProlepticGregorian)
	require.NoError(t, err)
	return p
}

func TestBroadcastLayeringSpecificityOrder(t *testing.T) {
	s := New()
	point := testPoint(t, "2020-01-01T00:00:00Z")

	s.Set(Target{}, map[string]string{"script": "global"})
	s.Set(Target{Namespace: "foo"}, map[string]string{"script": "ns"})
	s.Set(Target{Point: point}, map[string]string{"script": "point"})
	s.Set(Target{Point: point, Namespace: "foo"}, map[string]string{"script": "exact"})

	got := s.Resolve(point, "foo")
	assert.Equal(t, "exact", got["script"])

	other := testPoint(t, "2020-01-02T00:00:00Z")
	got = s.Resolve(other, "foo")
	assert.Equal(t, "ns", got["script"])
}

func TestBroadcastClear(t *testing.T) {
	s := New()
	point := testPoint(t, "2020-01-01T00:00:00Z")
	s.Set(Target{Point: point}, map[string]string{"k": "v"})
	s.Clear(Target{Point: point})
	assert.Empty(t, s.Resolve(point, "foo"))
}

func TestBroadcastClearPaths(t *testing.T) {
	s := New()
	point := testPoint(t, "2020-01-01T00:00:00Z")
	s.Set(Target{Point: point}, map[string]string{"script": "x", "platform": "hpc"})

	remaining := s.ClearPaths(Target{Point: point}, []string{"script"})
	assert.Equal(t, map[string]string{"platform": "hpc"}, remaining)
	assert.Equal(t, "hpc", s.Resolve(point, "foo")["platform"])

	remaining = s.ClearPaths(Target{Point: point}, []string{"platform"})
	assert.Nil(t, remaining, "clearing the last path removes the record")
	assert.Empty(t, s.Resolve(point, "foo"))
}

func TestBroadcastExpireBefore(t *testing.T) {
	s := New()
	old := testPoint(t, "2020-01-01T00:00:00Z")
	recent := testPoint(t, "2020-06-01T00:00:00Z")
	s.Set(Target{Point: old}, map[string]string{"k": "v"})
	s.Set(Target{Point: recent}, map[string]string{"k": "v"})

	cutoff := testPoint(t, "2020-03-01T00:00:00Z")
	removed := s.ExpireBefore(cutoff)
	assert.Equal(t, 1, removed)
	assert.Len(t, s.All(), 1)
}
