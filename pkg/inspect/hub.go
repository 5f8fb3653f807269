package inspect

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/httpseal/nettrace/pkg/logger"
)

// writeWait bounds a single websocket write so a stalled client cannot hold
// the hub.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local debugging tool
	},
}

// ChangeEvent is pushed to websocket clients after the log changed.
type ChangeEvent struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Hub manages websocket clients and broadcasts change events.
type Hub struct {
	mu      sync.Mutex
	clients   map[*websocket.Conn]bool
	logger    logger.Logger
	writeWait time.Duration
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		logger:    log,
		writeWait: writeWait,
	}
}

// HandleWebSocket upgrades the connection, registers the client and sends
// it the current state produced by initial.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, initial ChangeEvent) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	if err := conn.WriteJSON(initial); err != nil {
		h.logger.Debug("Websocket initial write failed: %v", err)
	}
	h.mu.Unlock()

	// read loop only detects disconnects
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends event to every connected client.
func (h *Hub) Broadcast(event ChangeEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Websocket marshal failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Websocket write failed: %v", err)
			// the read goroutine removes it
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
}
