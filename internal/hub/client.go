// SPDX-License-Identifier: MIT

package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API carries bearer-token auth; origin checks add nothing for
	// non-browser controller clients.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one attached WebSocket connection.
type client struct {
	id  uint64
	hub *Hub
	ws  *websocket.Conn

	mu      sync.Mutex
	sub     Subscription
	backlog []model.Event
	drops   int
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// subscribeMessage is the client-to-hub filter update. A message replaces
// the connection's whole subscription set.
type subscribeMessage struct {
	All      bool    `json:"all"`
	Trains   []int64 `json:"trains,omitempty"`
	Sections []int64 `json:"sections,omitempty"`
}

// ServeWS upgrades one HTTP request into a hub connection. The initial
// filter comes from query parameters (`train`, `section`, repeated);
// without any, the connection subscribes to everything.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("hub")
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	q := r.URL.Query()
	sub := Subscription{
		Trains:   parseIDs(q["train"]),
		Sections: parseIDs(q["section"]),
	}
	if len(sub.Trains) == 0 && len(sub.Sections) == 0 {
		sub.All = true
	}

	c := &client{
		id:   h.nextConnID.Add(1),
		hub:  h,
		ws:   ws,
		sub:  sub,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.register(c)
	metrics.AddHubClients(1)

	go c.writePump()
	go c.readPump()
}

func (c *client) subscription() Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *client) setSubscription(msg subscribeMessage) {
	sub := Subscription{All: msg.All}
	if !msg.All {
		if len(msg.Trains) > 0 {
			sub.Trains = make(map[int64]struct{}, len(msg.Trains))
			for _, id := range msg.Trains {
				sub.Trains[id] = struct{}{}
			}
		}
		if len(msg.Sections) > 0 {
			sub.Sections = make(map[int64]struct{}, len(msg.Sections))
			for _, id := range msg.Sections {
				sub.Sections[id] = struct{}{}
			}
		}
		if sub.Trains == nil && sub.Sections == nil {
			sub.All = true
		}
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// enqueue appends an event to the outbound backlog. Past max_client_backlog
// the oldest event is dropped; a connection whose cumulative drops overflow
// the hard limit is too slow to keep and gets closed.
func (c *client) enqueue(ev model.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.backlog) >= c.hub.maxBacklog {
		copy(c.backlog, c.backlog[1:])
		c.backlog = c.backlog[:len(c.backlog)-1]
		c.drops++
		metrics.IncBacklogDrop()
		if c.drops >= c.hub.hardBacklog {
			c.mu.Unlock()
			metrics.IncSlowClientClose()
			// Broadcast holds the shard read lock; detach asynchronously so
			// unregister does not self-deadlock on the same shard.
			go c.shutdown()
			return
		}
	}
	c.backlog = append(c.backlog, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takeBacklog swaps out the pending events.
func (c *client) takeBacklog() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.backlog
	c.backlog = nil
	return out
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.wake:
			for _, ev := range c.takeBacklog() {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(ev); err != nil {
					return
				}
				metrics.IncHubDelivered(string(ev.Kind))
			}
		}
	}
}

func (c *client) readPump() {
	defer c.shutdown()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg subscribeMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		c.setSubscription(msg)
	}
}

// shutdown detaches and closes the connection exactly once.
func (c *client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.hub.unregister(c)
	metrics.AddHubClients(-1)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}
