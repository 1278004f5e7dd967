package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/notify"
	"github.com/vdavid/vchat/backend/internal/testutil"
	ws "github.com/vdavid/vchat/backend/internal/websocket"
)

func TestWebSocketHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)

	// Without test mode every token authenticates as test@example.com.
	seeded := seedConversation(t, pool, "test@example.com")
	foreign := seedConversation(t, pool, "someone-else@example.com")

	broker := notify.NewBroker()
	hub := ws.NewHub(10, zerolog.Nop())
	handler := NewWebSocketHandler(pool, hub, broker, zerolog.Nop())

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()

	wsURL := func(query string) string {
		return "ws" + server.URL[len("http"):] + query
	}

	t.Run("streams new messages of the conversation", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL("?token=token&conversation_id="+seeded.ConversationID), nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		require.Eventually(t, func() bool {
			return broker.Subscribers(seeded.ConversationID) == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, hub.ActiveConnections(seeded.ConversationID))

		summary := models.MessageSummary{
			ID:                uuid.NewString(),
			ConversationID:    seeded.ConversationID,
			ExternalMessageID: 102,
			Content:           "new one",
			Direction:         models.DirectionInbound,
			Timestamp:         time.Now().UTC(),
		}
		require.NoError(t, broker.Deliver(context.Background(), summary))

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame LiveMessage
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, "message", frame.Type)
		assert.Equal(t, int64(102), frame.Message.ExternalMessageID)
		assert.Equal(t, "new one", frame.Message.Content)
	})

	t.Run("releases the subscription when the viewer leaves", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return broker.Subscribers(seeded.ConversationID) == 0 && hub.ActiveConnections(seeded.ConversationID) == 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("rejects connection without token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL("?conversation_id="+seeded.ConversationID), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("accepts the token from the Authorization header", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer token"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL("?conversation_id="+seeded.ConversationID), header)
		require.NoError(t, err)
		_ = conn.Close()
	})

	t.Run("requires a conversation id", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL("?token=token"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("hides other owners' conversations", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL("?token=token&conversation_id="+foreign.ConversationID), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
