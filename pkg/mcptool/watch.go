package mcptool

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/logger"
)

// watchUpgrader accepts requests with no Origin header or a localhost /
// 127.0.0.1 origin only. The
// watch stream is an internal push channel for agents that already hold a
// caller id, not a public API.
var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
				return true
			}
		}
		return false
	},
}

// watchClient is one connected watch-stream subscriber.
type watchClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WatchHub
}

// WatchHub pushes bus.SystemEvents to connected agents over a WebSocket, so
// an agent can learn of a lease reclamation or task completion the moment it
// happens instead of polling request_next_task. It relays from a single
// bus.Subscribe channel to N fan-out client channels.
type WatchHub struct {
	events <-chan bus.SystemEvent

	mu      sync.RWMutex
	clients map[*watchClient]bool
	log     *logger.Logger
}

// NewWatchHub subscribes name on publisher and returns a hub ready to Run.
func NewWatchHub(publisher *bus.MessageBus, name string) *WatchHub {
	return &WatchHub{
		events:  publisher.Subscribe(name),
		clients: make(map[*watchClient]bool),
		log:     logger.Get("mcptool.watch"),
	}
}

// Run relays bus events to every connected client until events closes (the
// MessageBus was shut down) or ctx-style cancellation is signaled by the
// caller closing events' owning bus.
func (h *WatchHub) Run() {
	for event := range h.events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		h.mu.RLock()
		for c := range h.clients {
			select {
			case c.send <- data:
			default:
				h.log.WarnF("watch client too slow, dropping", nil)
			}
		}
		h.mu.RUnlock()
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = nil
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket and streams events to it
// until the client disconnects. The watch stream is unfiltered; every
// connected agent sees every event.
func (h *WatchHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnF("watch upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &watchClient{conn: conn, send: make(chan []byte, 64), hub: h}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

func (c *watchClient) readPump() {
	defer func() {
		c.hub.mu.Lock()
		if _, ok := c.hub.clients[c]; ok {
			delete(c.hub.clients, c)
			close(c.send)
		}
		c.hub.mu.Unlock()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *watchClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
