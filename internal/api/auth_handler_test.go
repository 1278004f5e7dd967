package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/vdavid/vchat/backend/internal/auth"
	"github.com/vdavid/vchat/backend/internal/testutil"
)

func TestAuthHandler_GetAuthStatus(t *testing.T) {
	pool := testutil.NewTestDB(t)

	handler := NewAuthHandler(pool, zerolog.Nop())

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		VerifyAuthCheck(t, handler.GetAuthStatus, "GET", "/api/v1/auth/status")
	})

	t.Run("returns isSetupComplete false for new user", func(t *testing.T) {
		req := createRequestWithUser("GET", "/api/v1/auth/status", "newuser@example.com", nil)
		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var response AuthStatusResponse
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
		assert.True(t, response.IsAuthenticated)
		assert.False(t, response.IsSetupComplete)
	})

	t.Run("returns isSetupComplete true once an account is linked", func(t *testing.T) {
		email := "setupuser@example.com"
		testutil.InsertAccount(t, pool, email, "telegram")

		req := createRequestWithUser("GET", "/api/v1/auth/status", email, nil)
		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var response AuthStatusResponse
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
		assert.True(t, response.IsSetupComplete)
	})

	t.Run("returns 500 when the account lookup fails", func(t *testing.T) {
		canceledCtx, cancel := context.WithCancel(context.Background())
		cancel()

		req := httptest.NewRequest("GET", "/api/v1/auth/status", nil)
		req = req.WithContext(context.WithValue(canceledCtx, auth.UserEmailKey, "test@example.com"))

		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
