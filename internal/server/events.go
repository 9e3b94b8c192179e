package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI is served from arbitrary hosts on the LAN
	},
}

const (
	// clientBuffer bounds per-client queueing. A slow client loses
	// events instead of stalling the broadcaster.
	clientBuffer = 16

	writeTimeout = 5 * time.Second
)

// event is one message on the stream: an axis state document.
type event struct {
	Event string      `json:"event"`
	Data  servo.State `json:"data"`
}

// subscription is an inbound client message selecting axes of interest.
type subscription struct {
	Action string `json:"action"`
	Device string `json:"device"`
}

// client is one websocket consumer.
type client struct {
	conn *websocket.Conn
	send chan event

	mu      sync.Mutex
	devices map[string]bool // empty means all axes
}

func (c *client) wants(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.devices) == 0 {
		return true
	}
	return c.devices[name]
}

func (c *client) subscribe(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.devices == nil {
		c.devices = make(map[string]bool)
	}
	c.devices[name] = true
}

// EventBus fans axis state documents out to websocket clients. Publish
// never blocks: events to slow clients are dropped.
type EventBus struct {
	mu      sync.Mutex
	clients map[*client]bool
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{clients: make(map[*client]bool)}
}

// Publish delivers one state document to every interested client.
func (b *EventBus) Publish(state servo.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		if !c.wants(state.Name) {
			continue
		}
		select {
		case c.send <- event{Event: "position", Data: state}:
		default:
			// Drop for this client; the stream is a live view, not a
			// log.
		}
	}
}

// ClientCount reports the number of connected clients.
func (b *EventBus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *EventBus) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = true
}

func (b *EventBus) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[c] {
		delete(b.clients, c)
		close(c.send)
	}
}

// HandleWS upgrades the connection and streams events until the client
// goes away.
func (b *EventBus) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan event, clientBuffer),
	}
	b.register(c)

	go b.writeLoop(c)
	b.readLoop(c)
}

// writeLoop drains the client's queue onto the wire.
func (b *EventBus) writeLoop(c *client) {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readLoop consumes subscription messages and detects disconnects.
func (b *EventBus) readLoop(c *client) {
	defer func() {
		b.unregister(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var sub subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			continue
		}
		if sub.Action == "subscribe" && sub.Device != "" {
			c.subscribe(sub.Device)
		}
	}
}
