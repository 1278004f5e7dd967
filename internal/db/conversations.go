package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vchat/backend/internal/models"
)

// ErrConversationNotFound is returned when a requested conversation cannot be found.
var ErrConversationNotFound = errors.New("conversation not found")

const conversationColumns = `
	conversations.id,
	conversations.account_id,
	conversations.contact_id,
	conversations.is_active,
	conversations.unread_count,
	conversations.last_message_at,
	conversations.created_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conversation models.Conversation
	err := row.Scan(
		&conversation.ID,
		&conversation.AccountID,
		&conversation.ContactID,
		&conversation.IsActive,
		&conversation.UnreadCount,
		&conversation.LastMessageAt,
		&conversation.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// EnsureConversation returns the conversation between the account and the
// contact, creating it if needed. Concurrent callers get the same row.
func EnsureConversation(ctx context.Context, pool *pgxpool.Pool, accountID, contactID string) (*models.Conversation, error) {
	conversation, err := scanConversation(pool.QueryRow(ctx, `
		INSERT INTO conversations (account_id, contact_id)
		VALUES ($1, $2)
		ON CONFLICT (account_id, contact_id) DO UPDATE SET account_id = EXCLUDED.account_id
		RETURNING `+conversationColumns+`
	`, accountID, contactID))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return conversation, nil
}

// GetConversation returns the conversation with the given id.
func GetConversation(ctx context.Context, pool *pgxpool.Pool, conversationID string) (*models.Conversation, error) {
	conversation, err := scanConversation(pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1
	`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conversation, nil
}

// GetConversationForOwner returns the conversation only if its account belongs to ownerEmail.
func GetConversationForOwner(ctx context.Context, pool *pgxpool.Pool, ownerEmail, conversationID string) (*models.Conversation, error) {
	conversation, err := scanConversation(pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		JOIN accounts ON accounts.id = conversations.account_id
		WHERE conversations.id = $1 AND accounts.owner_email = $2
	`, conversationID, ownerEmail))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conversation, nil
}

// ListConversationsForOwner returns the owner's conversations across all
// accounts with their contacts, most recent activity first.
func ListConversationsForOwner(ctx context.Context, pool *pgxpool.Pool, ownerEmail string, limit, offset int) ([]*models.Conversation, int, error) {
	var total int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM conversations
		JOIN accounts ON accounts.id = conversations.account_id
		WHERE accounts.owner_email = $1
	`, ownerEmail).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	rows, err := pool.Query(ctx, `
		SELECT `+conversationColumns+`,`+contactColumnsQualified+`
		FROM conversations
		JOIN accounts ON accounts.id = conversations.account_id
		JOIN contacts ON contacts.id = conversations.contact_id
		WHERE accounts.owner_email = $1
		ORDER BY conversations.last_message_at DESC NULLS LAST, conversations.created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerEmail, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		var conversation models.Conversation
		var contact models.Contact
		if err := rows.Scan(
			&conversation.ID,
			&conversation.AccountID,
			&conversation.ContactID,
			&conversation.IsActive,
			&conversation.UnreadCount,
			&conversation.LastMessageAt,
			&conversation.CreatedAt,
			&contact.ID,
			&contact.AccountID,
			&contact.ExternalUserID,
			&contact.Username,
			&contact.FirstName,
			&contact.LastName,
			&contact.PhoneNumber,
			&contact.Notes,
			&contact.Tags,
			&contact.LastInteractionAt,
			&contact.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversation.Contact = &contact
		conversations = append(conversations, &conversation)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating conversations: %w", err)
	}

	return conversations, total, nil
}

const contactColumnsQualified = `
	contacts.id,
	contacts.account_id,
	contacts.external_user_id,
	contacts.username,
	contacts.first_name,
	contacts.last_name,
	contacts.phone_number,
	contacts.notes,
	contacts.tags,
	contacts.last_interaction_at,
	contacts.created_at`

// MarkConversationRead resets the unread counter and marks every inbound
// message of the conversation as read. It is the only way the counter goes down.
func MarkConversationRead(ctx context.Context, pool *pgxpool.Pool, conversationID string) error {
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = $1`, conversationID)
		if err != nil {
			return fmt.Errorf("failed to reset unread count: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConversationNotFound
		}

		if _, err := tx.Exec(ctx, `
			UPDATE messages SET is_read = TRUE
			WHERE conversation_id = $1 AND direction = 'inbound' AND NOT is_read
		`, conversationID); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}

		return nil
	})
}
