package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/auth"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/notify"
	ws "github.com/vdavid/vchat/backend/internal/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscriber hands out live message streams per conversation.
type Subscriber interface {
	Subscribe(conversationID string) *notify.Subscription
}

// LiveMessage is one frame pushed to viewers.
type LiveMessage struct {
	Type    string                `json:"type"`
	Message models.MessageSummary `json:"message"`
}

// WebSocketHandler handles the /api/v1/ws endpoint for live conversation updates.
type WebSocketHandler struct {
	pool       *pgxpool.Pool
	hub        *ws.Hub
	subscriber Subscriber
	logger     zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(pool *pgxpool.Pool, hub *ws.Hub, subscriber Subscriber, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		pool:       pool,
		hub:        hub,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "api").Str("handler", "ws").Logger(),
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server is expected to run behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the connection and streams new messages of
// ?conversation_id=... to the viewer until either side goes away.
// Browsers cannot set headers on WebSocket requests, so the token comes from
// ?token=..., with the Authorization header as a fallback for tools.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	owner, err := auth.ValidateToken(token)
	if err != nil {
		h.logger.Info().Err(err).Msg("token validation failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if !validID(conversationID) {
		http.Error(w, "conversation_id query parameter is required", http.StatusBadRequest)
		return
	}

	_, err = db.GetConversationForOwner(r.Context(), h.pool, owner, conversationID)
	if errors.Is(err, db.ErrConversationNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to upgrade connection")
		return
	}

	client := h.hub.Register(conversationID, conn)
	if client == nil {
		return
	}

	logger := h.logger.With().Str("conversation_id", conversationID).Logger()
	logger.Debug().Msg("viewer connected")

	// Subscribing before returning means nothing recorded after this point is missed.
	sub := h.subscriber.Subscribe(conversationID)
	ctx, cancel := context.WithCancel(context.Background())

	go h.writeLoop(ctx, client, sub, logger)
	go h.readLoop(conversationID, client, sub, cancel, logger)
}

// writeLoop pushes summaries and keepalive pings until ctx ends or a write fails.
func (h *WebSocketHandler) writeLoop(ctx context.Context, client *ws.Client, sub *notify.Subscription, logger zerolog.Logger) {
	summaries := make(chan models.MessageSummary)
	go func() {
		defer close(summaries)
		for {
			summary, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case summaries <- summary:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case summary, ok := <-summaries:
			if !ok {
				return
			}
			if err := client.WriteJSON(LiveMessage{Type: "message", Message: summary}); err != nil {
				logger.Debug().Err(err).Msg("failed to write to viewer")
				_ = client.Conn().Close()
				return
			}
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				_ = client.Conn().Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop reads until the connection is closed, then releases everything
// held for this viewer.
func (h *WebSocketHandler) readLoop(conversationID string, client *ws.Client, sub *notify.Subscription, cancel context.CancelFunc, logger zerolog.Logger) {
	conn := client.Conn()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	sub.Close()
	h.hub.Unregister(conversationID, client)
	logger.Debug().Msg("viewer disconnected")
}
