package eventbus

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEndpoint(t *testing.T) {
	bus := New(func() interface{} { return map[string]int{"count": 3} })
	srv := httptest.NewServer(bus.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 3, got["count"])
}

func TestWebsocketReceivesSnapshotThenPublishedEvent(t *testing.T) {
	bus := New(func() interface{} { return "hello" })
	srv := httptest.NewServer(bus.Handler())
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Kind)

	// give the server a moment to register the client before publishing.
	deadline := time.Now().Add(time.Second)
	for bus.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, bus.ClientCount())

	bus.Publish(Event{Kind: "task", Data: "foo"})

	var second Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "task", second.Kind)
}
