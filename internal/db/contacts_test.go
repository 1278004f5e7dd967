package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/testutil"
)

func TestUpsertContact(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	accountID := testutil.InsertAccount(t, pool, "owner@example.com", "telegram")
	today := time.Now().UTC()

	t.Run("creates once and returns the same contact afterwards", func(t *testing.T) {
		sender := models.Sender{ExternalUserID: 42, Username: "alice", FirstName: "Alice"}

		first, created, err := UpsertContact(ctx, pool, accountID, sender)
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := UpsertContact(ctx, pool, accountID, sender)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("fills blank fields but keeps stored values", func(t *testing.T) {
		_, _, err := UpsertContact(ctx, pool, accountID, models.Sender{ExternalUserID: 43, FirstName: "Bob"})
		require.NoError(t, err)

		contact, created, err := UpsertContact(ctx, pool, accountID, models.Sender{
			ExternalUserID: 43,
			Username:       "bobby",
			FirstName:      "Robert",
			LastName:       "Builder",
			Phone:          "+100",
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "Bob", contact.FirstName)
		assert.Equal(t, "bobby", contact.Username)
		assert.Equal(t, "Builder", contact.LastName)
		assert.Equal(t, "+100", contact.PhoneNumber)

		stored, err := GetContact(ctx, pool, accountID, contact.ID)
		require.NoError(t, err)
		assert.Equal(t, "Bob", stored.FirstName)
	})

	t.Run("concurrent first messages create a single contact", func(t *testing.T) {
		const workers = 8
		ids := make([]string, workers)
		createdCount := make([]bool, workers)

		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				contact, created, err := UpsertContact(ctx, pool, accountID, models.Sender{ExternalUserID: 77, FirstName: "Carol"})
				assert.NoError(t, err)
				if contact != nil {
					ids[i] = contact.ID
				}
				createdCount[i] = created
			}()
		}
		wg.Wait()

		creators := 0
		for i := range workers {
			assert.Equal(t, ids[0], ids[i])
			if createdCount[i] {
				creators++
			}
		}
		assert.Equal(t, 1, creators)

		var rows int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM contacts WHERE account_id = $1 AND external_user_id = 77`, accountID).Scan(&rows))
		assert.Equal(t, 1, rows)
	})

	t.Run("counts each new contact in the daily stats", func(t *testing.T) {
		stats, err := GetDailyStats(ctx, pool, accountID, today)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.NewContacts)
	})

	t.Run("scopes contacts to their account", func(t *testing.T) {
		other := testutil.InsertAccount(t, pool, "owner@example.com", "mail")
		contact, created, err := UpsertContact(ctx, pool, other, models.Sender{ExternalUserID: 42})
		require.NoError(t, err)
		assert.True(t, created, "the same external id on another account is another contact")

		_, err = GetContact(ctx, pool, accountID, contact.ID)
		assert.ErrorIs(t, err, ErrContactNotFound)
	})
}
