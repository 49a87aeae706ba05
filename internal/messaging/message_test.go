package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthenticatorSignAndVerify(t *testing.T) {
	a := NewAuthenticator([]byte("shared-secret"))
	m := Message{TaskName: "foo", CyclePoint: "2020-01-01T00:00:00Z", SubmitNum: 1, Event: "succeeded"}
	m.MAC = a.Sign(m)
	assert.True(t, a.Verify(m))

	tampered := m
	tampered.Event = "failed"
	assert.False(t, a.Verify(tampered))
}

func TestDedupFilterMarksSeen(t *testing.T) {
	f := NewDedupFilter(1000, 0.01)
	m := Message{TaskName: "foo", CyclePoint: "2020-01-01T00:00:00Z", SubmitNum: 1, Event: "succeeded"}

	assert.False(t, f.MaybeSeen(m))
	f.MarkSeen(m)
	assert.True(t, f.MaybeSeen(m))

	other := Message{TaskName: "bar", CyclePoint: "2020-01-01T00:00:00Z", SubmitNum: 1, Event: "succeeded"}
	assert.False(t, f.MaybeSeen(other))
}
