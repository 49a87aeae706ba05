// Package eventbus implements the in-process event-publication
// contract: a snapshot/event sink other processes can subscribe to.
// This is the scheduler's only outward-facing surface; a full network
// API and any GUI live outside the core.
package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Event is one scheduler state change published to subscribers: a
// task state transition, a job state transition, or a pool-wide
// snapshot refresh.
type Event struct {
	Kind string      `json:"kind"` // "task", "job", "snapshot"
	Data interface{} `json:"data"`
}

// Bus fans published events out to every connected websocket client
// and serves a point-in-time snapshot over plain HTTP.
type Bus struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Event

	snapshotFn func() interface{}

	router *mux.Router
}

// New creates a Bus. snapshotFn is called on every GET /snapshot
// request and on new websocket connections, to produce the current
// point-in-time view.
func New(snapshotFn func() interface{}) *Bus {
	b := &Bus{
		clients:    make(map[*websocket.Conn]chan Event),
		snapshotFn: snapshotFn,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	r := mux.NewRouter()
	r.HandleFunc("/snapshot", b.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/events", b.handleWebsocket)
	b.router = r
	return b
}

// Handler returns the bus's http.Handler for mounting into an
// http.Server.
func (b *Bus) Handler() http.Handler { return b.router }

func (b *Bus) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b.snapshotFn())
}

func (b *Bus) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.clients[conn] = ch
	b.mu.Unlock()

	initial := Event{Kind: "snapshot", Data: b.snapshotFn()}
	select {
	case ch <- initial:
	default:
	}

	go b.writeLoop(conn, ch)
	b.readLoop(conn)
}

func (b *Bus) writeLoop(conn *websocket.Conn, ch chan Event) {
	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (b *Bus) readLoop(conn *websocket.Conn) {
	defer b.disconnect(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bus) disconnect(conn *websocket.Conn) {
	b.mu.Lock()
	ch, ok := b.clients[conn]
	if ok {
		delete(b.clients, conn)
		close(ch)
	}
	b.mu.Unlock()
	conn.Close()
}

// Publish fans ev out to every connected subscriber. Slow or
// disconnected clients are dropped from delivery rather than blocking
// the publisher, since the main loop publishes synchronously after
// every state transition and must never stall on a subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ClientCount reports how many subscribers are currently connected.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
