// Package ws fans out pool and proposal updates to websocket subscribers.
// Rooms are pool IDs, plus the "proposals" room fed by the governance ledger.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// maxRooms bounds the subscriptions of one connection.
	maxRooms = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type string    `json:"type"`
	Room string    `json:"room"`
	Data any       `json:"data"`
	TS   time.Time `json:"ts"`
}

// Hub manages per-room WebSocket subscriptions.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // room -> set of conns
	allConn map[*conn]bool
	log     *slog.Logger
	dropped func()
}

type conn struct {
	ws    *websocket.Conn
	send  chan []byte
	hub   *Hub
	rooms map[string]bool // guarded by hub.mu
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
		log:     logger.With("component", "ws"),
		dropped: func() {},
	}
}

// OnDrop registers a callback invoked whenever a message is dropped for a
// slow client.
func (h *Hub) OnDrop(fn func()) {
	if fn != nil {
		h.dropped = fn
	}
}

// Publish sends a message to all subscribers of a room. It never blocks:
// clients whose buffer is full miss the message.
func (h *Hub) Publish(room, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, Room: room, Data: data, TS: time.Now().UTC()})
	if err != nil {
		h.log.Error("marshal message", "room", room, "type", msgType, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- b:
		default:
			h.dropped()
		}
	}
}

// Subscribers returns the number of connections in room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// HandleWS is the HTTP handler for WebSocket connections. A ?room= query
// parameter subscribes the connection immediately.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "err", err)
		return
	}
	c := &conn{
		ws:    wsConn,
		send:  make(chan []byte, 64),
		hub:   h,
		rooms: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()
	if room := r.URL.Query().Get("room"); room != "" {
		h.subscribe(c, room)
	}

	go c.writePump()
	go c.readPump()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.allConn))
	for c := range h.allConn {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","room":"<pool id>|proposals"}
		var sub struct {
			Action string `json:"action"`
			Room   string `json:"room"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Room == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.Room)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.Room)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] || c.rooms[room] || len(c.rooms) >= maxRooms {
		return
	}
	c.rooms[room] = true
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]bool)
		h.rooms[room] = members
	}
	members[c] = true
}

func (h *Hub) unsubscribe(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, room)
}

// leave requires h.mu held for writing.
func (h *Hub) leave(c *conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] {
		return
	}
	delete(h.allConn, c)
	for room := range c.rooms {
		h.leave(c, room)
	}
	close(c.send)
}
