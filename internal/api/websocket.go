package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/printflow-ai/printflow/pkg/job"
	"github.com/printflow-ai/printflow/pkg/printer"
)

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketHub fans status and lifecycle events out to connected clients.
// Slow or broken clients are dropped, never waited on.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan WebSocketMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.Mutex
	logger     logr.Logger
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(l logr.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     l,
	}
}

// Run pumps registrations and broadcasts until the process exits
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("websocket client connected", "clients", n)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteJSON(message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *WebSocketHub) send(msg WebSocketMessage) {
	select {
	case h.broadcast <- msg:
	default:
		// channel full, drop the update
	}
}

// BroadcastStatus pushes a printer snapshot to all clients
func (h *WebSocketHub) BroadcastStatus(status printer.Status) {
	h.send(WebSocketMessage{Type: "printer_status", Data: status, Timestamp: time.Now()})
}

// BroadcastJobEvent pushes a job lifecycle event to all clients
func (h *WebSocketHub) BroadcastJobEvent(event string, j *job.PrintJob) {
	h.send(WebSocketMessage{Type: event, Data: j, Timestamp: time.Now()})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and parks it in the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(err, "websocket upgrade failed")
		return
	}
	s.hub.register <- conn

	// drain reads so pings and closes are processed
	go func() {
		defer func() { s.hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
