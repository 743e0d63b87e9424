// Package broadcast pushes connectivity transitions to the collector UI
// over websockets, replacing in-page polling of the server.
package broadcast

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// StatusEvent is the frame pushed to connected clients.
type StatusEvent struct {
	Response string `json:"response"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks the gateway's view of server reachability and fans out a
// frame to every client when it flips. Repeated observations of the same
// state are absorbed, so clients only ever see transitions.
type Hub struct {
	logger *zap.Logger

	stateMux sync.RWMutex
	online   bool
	seeded   bool

	clients    map[*websocket.Conn]bool
	clientsMux sync.Mutex
	broadcast  chan StatusEvent
}

func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan StatusEvent, 8),
	}
	go h.fanOut()
	return h
}

// Observe records the outcome of one network attempt. The first
// observation and every flip afterwards are broadcast.
func (h *Hub) Observe(online bool) {
	h.stateMux.Lock()
	changed := !h.seeded || h.online != online
	h.online = online
	h.seeded = true
	h.stateMux.Unlock()

	if !changed {
		return
	}
	state := StateOffline
	if online {
		state = StateOnline
	}
	h.logger.Info("connectivity changed", zap.String("state", state))
	h.broadcast <- StatusEvent{Response: state}
}

// Current returns the last observed state. Before any observation the
// gateway assumes it is online.
func (h *Hub) Current() string {
	h.stateMux.RLock()
	defer h.stateMux.RUnlock()
	if !h.seeded || h.online {
		return StateOnline
	}
	return StateOffline
}

func (h *Hub) fanOut() {
	for ev := range h.broadcast {
		h.clientsMux.Lock()
		for client := range h.clients {
			if err := client.WriteJSON(ev); err != nil {
				client.Close()
				delete(h.clients, client)
			}
		}
		h.clientsMux.Unlock()
	}
}

// ServeHTTP upgrades the connection, pushes the current state, then holds
// the socket open until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.clientsMux.Lock()
	h.clients[conn] = true
	greeting := StatusEvent{Response: h.Current()}
	err = conn.WriteJSON(greeting)
	h.clientsMux.Unlock()
	if err != nil {
		h.clientsMux.Lock()
		delete(h.clients, conn)
		h.clientsMux.Unlock()
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.clientsMux.Lock()
			delete(h.clients, conn)
			h.clientsMux.Unlock()
			break
		}
	}
}
