package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vchat/backend/internal/models"
)

// GetDailyStats returns the counters of one account for one day. A day
// without activity yields zero counters.
func GetDailyStats(ctx context.Context, pool *pgxpool.Pool, accountID string, day time.Time) (*models.AccountDailyStats, error) {
	stats := models.AccountDailyStats{AccountID: accountID, Day: day}
	err := pool.QueryRow(ctx, `
		SELECT messages_sent, messages_received, new_contacts
		FROM account_daily_stats
		WHERE account_id = $1 AND day = $2::date
	`, accountID, day.Format(time.DateOnly)).Scan(&stats.MessagesSent, &stats.MessagesReceived, &stats.NewContacts)
	if errors.Is(err, pgx.ErrNoRows) {
		return &stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}
	return &stats, nil
}
