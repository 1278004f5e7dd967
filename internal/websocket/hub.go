// Package websocket tracks live viewer connections per conversation.
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// WriteJSON writes v as one text frame. Safe for concurrent use.
func (c *Client) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Ping sends a ping control frame.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub manages active WebSocket connections per conversation.
// A conversation can be watched from several tabs at once.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // conversationID -> set of clients
	max     int
	logger  zerolog.Logger
}

// NewHub creates a new Hub with a per-conversation connection limit.
func NewHub(maxPerConversation int, logger zerolog.Logger) *Hub {
	if maxPerConversation <= 0 {
		maxPerConversation = 10
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		max:     maxPerConversation,
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a WebSocket connection for the given conversation.
// If the limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(conversationID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	conversationClients, ok := h.clients[conversationID]
	if !ok {
		conversationClients = make(map[*Client]struct{})
		h.clients[conversationID] = conversationClients
	}

	if len(conversationClients) >= h.max {
		h.logger.Warn().
			Str("conversation_id", conversationID).
			Int("max", h.max).
			Msg("too many viewers, closing new connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this conversation"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	conversationClients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(conversationID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if conversationClients, ok := h.clients[conversationID]; ok {
		delete(conversationClients, client)
		if len(conversationClients) == 0 {
			delete(h.clients, conversationID)
		}
	}

	_ = client.conn.Close()
}

// ActiveConnections returns the number of viewers of a conversation.
func (h *Hub) ActiveConnections(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[conversationID])
}
