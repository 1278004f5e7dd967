package db

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/testutil"
)

func TestAccountLifecycle(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	account := &models.Account{
		OwnerEmail:           "owner@example.com",
		Network:              "telegram",
		DisplayName:          "Work",
		EncryptedCredentials: []byte("sealed"),
	}
	require.NoError(t, CreateAccount(ctx, pool, account))
	require.NotEmpty(t, account.ID)
	assert.False(t, account.IsActive, "new accounts wait for a successful login")

	t.Run("activates with session material", func(t *testing.T) {
		require.NoError(t, SetAccountStatus(ctx, pool, account.ID, "login failed"))
		require.NoError(t, ActivateAccount(ctx, pool, account.ID, []byte("session")))

		got, err := GetAccount(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Empty(t, got.StatusReason, "activation clears the last failure")
		assert.Equal(t, []byte("session"), got.EncryptedSession)
		assert.Equal(t, []byte("sealed"), got.EncryptedCredentials)

		active, err := ListActiveAccounts(ctx, pool)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, account.ID, active[0].ID)
	})

	t.Run("updates only the session", func(t *testing.T) {
		require.NoError(t, UpdateAccountSession(ctx, pool, account.ID, []byte("refreshed")))

		got, err := GetAccount(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("refreshed"), got.EncryptedSession)
		assert.True(t, got.IsActive)
	})

	t.Run("records a status without deactivating", func(t *testing.T) {
		require.NoError(t, SetAccountStatus(ctx, pool, account.ID, "network unreachable"))

		got, err := GetAccount(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Equal(t, "network unreachable", got.StatusReason)
	})

	t.Run("deactivates with a reason", func(t *testing.T) {
		require.NoError(t, DeactivateAccount(ctx, pool, account.ID, "session revoked"))

		got, err := GetAccount(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, "session revoked", got.StatusReason)

		active, err := ListActiveAccounts(ctx, pool)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("scopes lookups to the owner", func(t *testing.T) {
		got, err := GetAccountForOwner(ctx, pool, "owner@example.com", account.ID)
		require.NoError(t, err)
		assert.Equal(t, "Work", got.DisplayName)

		_, err = GetAccountForOwner(ctx, pool, "someone@example.com", account.ID)
		assert.ErrorIs(t, err, ErrAccountNotFound)

		owned, err := ListAccountsForOwner(ctx, pool, "owner@example.com")
		require.NoError(t, err)
		assert.Len(t, owned, 1)
	})

	t.Run("reports missing accounts", func(t *testing.T) {
		_, err := GetAccount(ctx, pool, uuid.NewString())
		assert.ErrorIs(t, err, ErrAccountNotFound)

		err = DeactivateAccount(ctx, pool, uuid.NewString(), "gone")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
