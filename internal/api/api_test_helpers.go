package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vchat/backend/internal/auth"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/testutil"
)

// seededConversation is a conversation with one inbound message.
type seededConversation struct {
	AccountID      string
	ContactID      string
	ConversationID string
}

// seedConversation creates an account for owner, a contact and a
// conversation holding one unread inbound message.
func seedConversation(t *testing.T, pool *pgxpool.Pool, owner string) seededConversation {
	t.Helper()
	ctx := context.Background()

	accountID := testutil.InsertAccount(t, pool, owner, "telegram")
	contact, _, err := db.UpsertContact(ctx, pool, accountID, models.Sender{
		ExternalUserID: 42,
		Username:       "alice",
		FirstName:      "Alice",
	})
	require.NoError(t, err)

	conversation, err := db.EnsureConversation(ctx, pool, accountID, contact.ID)
	require.NoError(t, err)

	_, _, err = db.RecordMessage(ctx, pool, models.MessageRecord{
		ConversationID:    conversation.ID,
		ExternalMessageID: 101,
		Direction:         models.DirectionInbound,
		Body:              "hello",
		SentAt:            time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	return seededConversation{AccountID: accountID, ContactID: contact.ID, ConversationID: conversation.ID}
}

// createRequestWithUser creates an HTTP request with user email in context.
// pathValues are name/value pairs for the route wildcards.
func createRequestWithUser(method, url, email string, body any, pathValues ...string) *http.Request {
	var reader io.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, url, reader)
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	ctx := context.WithValue(req.Context(), auth.UserEmailKey, email)
	return req.WithContext(ctx)
}

// FailingResponseWriter is a ResponseWriter that fails on Write to test error handling.
type FailingResponseWriter struct {
	http.ResponseWriter
	WriteShouldFail bool
}

func (f *FailingResponseWriter) Write(p []byte) (int, error) {
	if f.WriteShouldFail {
		return 0, fmt.Errorf("write failed")
	}
	return f.ResponseWriter.Write(p)
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no user is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no user email in context")
}
