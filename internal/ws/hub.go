// Package ws broadcasts accepted mutations to WebSocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names carried by broadcast messages.
const (
	EventPutMachine      = "put_machine"
	EventDeleteMachine   = "delete_machine"
	EventPutMachineState = "put_machine_state"
)

// sendBufferSize is the per-client outbound message buffer size. Clients that
// fall further behind have messages dropped rather than stalling the hub.
const sendBufferSize = 256

// Message is the envelope sent to WebSocket clients.
type Message struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub manages WebSocket connections and broadcasts events to all of them.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex
}

// Client represents a connected WebSocket client.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Run blocks until the context is cancelled, then closes all clients.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Serve upgrades the HTTP request to a WebSocket connection and registers the
// client with the hub.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register(client)

	go client.writePump()
	go client.readPump()
	return nil
}

// Broadcast sends an event carrying the entity snapshot to every client.
// The hub read-lock is held across the sends; sends never block because
// trySend drops on a full buffer, and unregistration takes the write lock, so
// a send channel cannot be closed mid-broadcast.
func (h *Hub) Broadcast(event string, payload any) {
	msg := Message{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: failed to marshal %s broadcast: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	log.Printf("ws: client connected (%d total)", h.ClientCount())
}

// unregister removes a client. Only the goroutine that removes the client
// from the map closes its send channel, preventing double-close during
// shutdown.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		close(client.send)
	}
}

func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow client; drop the message instead of blocking the hub.
	}
}

// readPump discards inbound messages and tears the client down when the
// connection drops. Clients only listen; there is no inbound protocol.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards buffered messages to the connection until the send
// channel is closed.
func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
