package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vchat/backend/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id,
	conversation_id,
	external_message_id,
	direction,
	body,
	sent_at,
	is_read,
	created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.ExternalMessageID,
		&msg.Direction,
		&msg.Body,
		&msg.SentAt,
		&msg.IsRead,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecordMessage stores a message exactly once per (conversation, external id).
//
// When the row is new, the conversation activity (last_message_at, and
// unread_count for inbound messages), the contact's last interaction and the
// account's daily counters are updated in the same transaction. When the
// message was already recorded, the stored row is returned with recorded=false
// and nothing else changes.
func RecordMessage(ctx context.Context, pool *pgxpool.Pool, record models.MessageRecord) (*models.Message, bool, error) {
	if !record.Direction.Valid() {
		return nil, false, fmt.Errorf("invalid message direction %q", record.Direction)
	}

	var msg *models.Message
	var recorded bool

	err := withTx(ctx, pool, func(tx pgx.Tx) error {
		inserted, err := scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, external_message_id, direction, body, sent_at, is_read)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (conversation_id, external_message_id) DO NOTHING
			RETURNING `+messageColumns+`
		`,
			record.ConversationID,
			record.ExternalMessageID,
			record.Direction,
			record.Body,
			record.SentAt,
			record.Direction == models.DirectionOutbound,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			existing, err := scanMessage(tx.QueryRow(ctx, `
				SELECT `+messageColumns+` FROM messages
				WHERE conversation_id = $1 AND external_message_id = $2
			`, record.ConversationID, record.ExternalMessageID))
			if err != nil {
				return fmt.Errorf("failed to load existing message: %w", err)
			}
			msg = existing
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if err := applyActivity(ctx, tx, record); err != nil {
			return err
		}

		msg = inserted
		recorded = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record message: %w", err)
	}

	return msg, recorded, nil
}

// applyActivity updates the counters a newly recorded message affects. Each
// statement is a single atomic read-modify-write, so concurrent recorders of
// the same conversation serialize on its row lock and no increment is lost.
func applyActivity(ctx context.Context, tx pgx.Tx, record models.MessageRecord) error {
	unreadDelta := 0
	received, sent := 0, 0
	if record.Direction == models.DirectionInbound {
		unreadDelta = 1
		received = 1
	} else {
		sent = 1
	}

	var accountID, contactID string
	err := tx.QueryRow(ctx, `
		UPDATE conversations SET
			unread_count = unread_count + $2,
			last_message_at = GREATEST(last_message_at, $3)
		WHERE id = $1
		RETURNING account_id, contact_id
	`, record.ConversationID, unreadDelta, record.SentAt).Scan(&accountID, &contactID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update conversation activity: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE contacts SET last_interaction_at = GREATEST(last_interaction_at, $2) WHERE id = $1
	`, contactID, record.SentAt); err != nil {
		return fmt.Errorf("failed to update contact interaction: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO account_daily_stats (account_id, day, messages_sent, messages_received)
		VALUES ($1, CURRENT_DATE, $2, $3)
		ON CONFLICT (account_id, day) DO UPDATE SET
			messages_sent = account_daily_stats.messages_sent + EXCLUDED.messages_sent,
			messages_received = account_daily_stats.messages_received + EXCLUDED.messages_received
	`, accountID, sent, received); err != nil {
		return fmt.Errorf("failed to update daily stats: %w", err)
	}

	return nil
}

// GetMessagesForConversation returns a page of messages in conversation order:
// network timestamp ascending, external id as the tie-breaker.
func GetMessagesForConversation(ctx context.Context, pool *pgxpool.Pool, conversationID string, limit, offset int) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at ASC, external_message_id ASC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// CountMessagesForConversation returns how many messages the conversation holds.
func CountMessagesForConversation(ctx context.Context, pool *pgxpool.Pool, conversationID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// GetMessageByExternalID returns a message by its network id within a conversation.
func GetMessageByExternalID(ctx context.Context, pool *pgxpool.Pool, conversationID string, externalMessageID int64) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND external_message_id = $2
	`, conversationID, externalMessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}
