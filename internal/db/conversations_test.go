package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/testutil"
)

func seedContact(t *testing.T, pool *pgxpool.Pool, accountID string, externalUserID int64, name string) *models.Contact {
	t.Helper()

	contact, _, err := UpsertContact(context.Background(), pool, accountID, models.Sender{ExternalUserID: externalUserID, FirstName: name})
	require.NoError(t, err)
	return contact
}

func TestEnsureConversation(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	accountID := testutil.InsertAccount(t, pool, "owner@example.com", "telegram")
	contact := seedContact(t, pool, accountID, 42, "Alice")

	t.Run("is idempotent", func(t *testing.T) {
		first, err := EnsureConversation(ctx, pool, accountID, contact.ID)
		require.NoError(t, err)
		assert.True(t, first.IsActive)
		assert.Zero(t, first.UnreadCount)
		assert.Nil(t, first.LastMessageAt)

		second, err := EnsureConversation(ctx, pool, accountID, contact.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("concurrent callers get the same conversation", func(t *testing.T) {
		other := seedContact(t, pool, accountID, 43, "Bob")

		const workers = 8
		ids := make([]string, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conversation, err := EnsureConversation(ctx, pool, accountID, other.ID)
				if assert.NoError(t, err) {
					ids[i] = conversation.ID
				}
			}()
		}
		wg.Wait()

		for i := range workers {
			assert.Equal(t, ids[0], ids[i])
		}
	})
}

func TestListConversationsForOwner(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	telegram := testutil.InsertAccount(t, pool, "owner@example.com", "telegram")
	mailAccount := testutil.InsertAccount(t, pool, "owner@example.com", "mail")
	foreign := testutil.InsertAccount(t, pool, "other@example.com", "telegram")

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	record := func(accountID string, externalUserID int64, name string, sentAt time.Time) *models.Conversation {
		contact := seedContact(t, pool, accountID, externalUserID, name)
		conversation, err := EnsureConversation(ctx, pool, accountID, contact.ID)
		require.NoError(t, err)
		_, _, err = RecordMessage(ctx, pool, models.MessageRecord{
			ConversationID:    conversation.ID,
			ExternalMessageID: externalUserID,
			Direction:         models.DirectionInbound,
			Body:              "hi",
			SentAt:            sentAt,
		})
		require.NoError(t, err)
		return conversation
	}

	older := record(telegram, 1, "Alice", base)
	newer := record(mailAccount, 2, "Bob", base.Add(time.Hour))
	hidden := record(foreign, 3, "Mallory", base.Add(2*time.Hour))

	t.Run("lists across accounts by latest activity", func(t *testing.T) {
		conversations, total, err := ListConversationsForOwner(ctx, pool, "owner@example.com", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, conversations, 2)
		assert.Equal(t, newer.ID, conversations[0].ID)
		assert.Equal(t, older.ID, conversations[1].ID)
		require.NotNil(t, conversations[0].Contact)
		assert.Equal(t, "Bob", conversations[0].Contact.FirstName)
		assert.Equal(t, 1, conversations[0].UnreadCount)
	})

	t.Run("pages", func(t *testing.T) {
		conversations, total, err := ListConversationsForOwner(ctx, pool, "owner@example.com", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, conversations, 1)
		assert.Equal(t, older.ID, conversations[0].ID)
	})

	t.Run("hides other owners' conversations", func(t *testing.T) {
		_, err := GetConversationForOwner(ctx, pool, "owner@example.com", hidden.ID)
		assert.ErrorIs(t, err, ErrConversationNotFound)

		got, err := GetConversationForOwner(ctx, pool, "other@example.com", hidden.ID)
		require.NoError(t, err)
		assert.Equal(t, foreign, got.AccountID)
	})

	t.Run("reports missing conversations", func(t *testing.T) {
		_, err := GetConversation(ctx, pool, uuid.NewString())
		assert.ErrorIs(t, err, ErrConversationNotFound)

		err = MarkConversationRead(ctx, pool, uuid.NewString())
		assert.ErrorIs(t, err, ErrConversationNotFound)
	})
}
