package console

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const websocketWriteTimeout = 100 * time.Millisecond

// WebSocketEvent is one message on the mock device's live feed.
type WebSocketEvent struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type websocketClient struct {
	conn *websocket.Conn
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

// WebSocketHub fans events out to every connected browser. A client that
// cannot keep up is dropped.
type WebSocketHub struct {
	clients  map[*websocket.Conn]*websocketClient
	mu       sync.Mutex
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewWebSocketHub(logger *log.Logger) *WebSocketHub {
	if logger == nil {
		panic("WebSocketHub: logger cannot be nil")
	}
	return &WebSocketHub{
		clients: make(map[*websocket.Conn]*websocketClient),
		upgrader: websocket.Upgrader{
			// the page is served from localhost only
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request and keeps the client until it goes away.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("WebSocketHub: upgrade failed: %v", err)
		return
	}
	h.AddClient(conn)

	// Reads only serve to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.RemoveClient(conn)
			return
		}
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &websocketClient{conn: conn}
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WebSocketHub) Broadcast(eventType string, payload any) {
	event := WebSocketEvent{Type: eventType, Payload: payload, Timestamp: time.Now()}

	h.mu.Lock()
	clients := make([]*websocketClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, client := range clients {
		wg.Add(1)
		go func(c *websocketClient) {
			defer wg.Done()
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(client)
	}
	wg.Wait()

	for _, conn := range failed {
		h.RemoveClient(conn)
	}
}

// Close disconnects every client.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
