package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/testutil"
	"github.com/vdavid/vchat/backend/internal/testutil/mocks"
)

func TestAccountsHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	encryptor := testutil.GetTestEncryptor(t)
	networks := []string{"mail", "telegram"}

	newHandler := func(sessions SessionController) *AccountsHandler {
		return NewAccountsHandler(pool, encryptor, sessions, mocks.NewHandler(t), networks, zerolog.Nop())
	}

	connectRequest := models.ConnectAccountRequest{
		Network:     "telegram",
		DisplayName: "My bot",
		Credentials: map[string]string{"token": "123:abc"},
	}

	t.Run("List returns 401 when no user email in context", func(t *testing.T) {
		VerifyAuthCheck(t, newHandler(mocks.NewSessionController(t)).List, "GET", "/api/v1/accounts")
	})

	t.Run("Connect stores encrypted credentials and opens the session", func(t *testing.T) {
		owner := "connect@example.com"
		sessions := mocks.NewSessionController(t)
		sessions.On("Open", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(nil, nil).Once()

		rr := httptest.NewRecorder()
		newHandler(sessions).Connect(rr, createRequestWithUser("POST", "/api/v1/accounts", owner, connectRequest))
		require.Equal(t, http.StatusCreated, rr.Code)

		var account models.Account
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&account))
		assert.Equal(t, "telegram", account.Network)
		assert.Equal(t, "My bot", account.DisplayName)
		assert.Equal(t, owner, account.OwnerEmail)

		stored, err := db.GetAccount(context.Background(), pool, account.ID)
		require.NoError(t, err)
		var credentials map[string]string
		require.NoError(t, encryptor.DecryptJSON(stored.EncryptedCredentials, &credentials))
		assert.Equal(t, "123:abc", credentials["token"])
		assert.NotContains(t, rr.Body.String(), "123:abc")
	})

	t.Run("Connect reports a rejected login", func(t *testing.T) {
		owner := "rejected@example.com"
		sessions := mocks.NewSessionController(t)
		sessions.On("Open", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, network.AuthError("invalid token")).Once()

		rr := httptest.NewRecorder()
		newHandler(sessions).Connect(rr, createRequestWithUser("POST", "/api/v1/accounts", owner, connectRequest))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		accounts, err := db.ListAccountsForOwner(context.Background(), pool, owner)
		require.NoError(t, err)
		assert.Len(t, accounts, 1)
	})

	t.Run("Connect validates the request", func(t *testing.T) {
		tests := []struct {
			name string
			req  models.ConnectAccountRequest
		}{
			{name: "missing network", req: models.ConnectAccountRequest{Credentials: map[string]string{"a": "b"}}},
			{name: "unknown network", req: models.ConnectAccountRequest{Network: "fax", Credentials: map[string]string{"a": "b"}}},
			{name: "missing credentials", req: models.ConnectAccountRequest{Network: "mail"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := httptest.NewRecorder()
				newHandler(mocks.NewSessionController(t)).Connect(rr,
					createRequestWithUser("POST", "/api/v1/accounts", "invalid@example.com", tt.req))
				assert.Equal(t, http.StatusBadRequest, rr.Code)
			})
		}
	})

	t.Run("List returns the owner's accounts", func(t *testing.T) {
		owner := "list@example.com"
		testutil.InsertAccount(t, pool, owner, "mail")

		rr := httptest.NewRecorder()
		newHandler(mocks.NewSessionController(t)).List(rr, createRequestWithUser("GET", "/api/v1/accounts", owner, nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var accounts []models.Account
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&accounts))
		require.Len(t, accounts, 1)
		assert.Equal(t, "mail", accounts[0].Network)
		assert.True(t, accounts[0].IsActive)
	})

	t.Run("Disconnect stops the session and deactivates", func(t *testing.T) {
		owner := "disconnect@example.com"
		accountID := testutil.InsertAccount(t, pool, owner, "telegram")
		sessions := mocks.NewSessionController(t)
		sessions.On("Close", accountID).Return().Once()

		req := createRequestWithUser("DELETE", "/api/v1/accounts/x", owner, nil, "id", accountID)
		rr := httptest.NewRecorder()
		newHandler(sessions).Disconnect(rr, req)
		require.Equal(t, http.StatusNoContent, rr.Code)

		account, err := db.GetAccount(context.Background(), pool, accountID)
		require.NoError(t, err)
		assert.False(t, account.IsActive)
		assert.Equal(t, "disconnected", account.StatusReason)
	})

	t.Run("Disconnect hides other owners' accounts", func(t *testing.T) {
		accountID := testutil.InsertAccount(t, pool, "victim@example.com", "telegram")

		req := createRequestWithUser("DELETE", "/api/v1/accounts/x", "attacker@example.com", nil, "id", accountID)
		rr := httptest.NewRecorder()
		newHandler(mocks.NewSessionController(t)).Disconnect(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Stats reports today's counters", func(t *testing.T) {
		owner := "stats@example.com"
		seeded := seedConversation(t, pool, owner)

		req := createRequestWithUser("GET", "/api/v1/accounts/x/stats", owner, nil, "id", seeded.AccountID)
		rr := httptest.NewRecorder()
		newHandler(mocks.NewSessionController(t)).Stats(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var stats models.AccountDailyStats
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
		assert.Equal(t, 1, stats.MessagesReceived)
		assert.Equal(t, 0, stats.MessagesSent)
		assert.Equal(t, 1, stats.NewContacts)
	})

	t.Run("Stats rejects a malformed day", func(t *testing.T) {
		owner := "stats-bad@example.com"
		accountID := testutil.InsertAccount(t, pool, owner, "mail")

		req := createRequestWithUser("GET", "/api/v1/accounts/x/stats?day=yesterday", owner, nil, "id", accountID)
		rr := httptest.NewRecorder()
		newHandler(mocks.NewSessionController(t)).Stats(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
