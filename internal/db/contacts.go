package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vchat/backend/internal/models"
)

// ErrContactNotFound is returned when a requested contact cannot be found.
var ErrContactNotFound = errors.New("contact not found")

const contactColumns = `
	id,
	account_id,
	external_user_id,
	username,
	first_name,
	last_name,
	phone_number,
	notes,
	tags,
	last_interaction_at,
	created_at`

func scanContact(row pgx.Row, extra ...any) (*models.Contact, error) {
	var contact models.Contact
	dest := []any{
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
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &contact, nil
}

// UpsertContact finds or creates the contact for a sender in one statement.
// Blank profile fields of an existing contact are filled from the sender;
// non-blank stored values are never overwritten. created reports whether the
// row was inserted by this call, in which case the day's new_contacts counter
// is bumped in the same statement.
func UpsertContact(ctx context.Context, pool *pgxpool.Pool, accountID string, sender models.Sender) (*models.Contact, bool, error) {
	var created bool
	contact, err := scanContact(pool.QueryRow(ctx, `
		WITH upserted AS (
			INSERT INTO contacts (account_id, external_user_id, username, first_name, last_name, phone_number)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_id, external_user_id) DO UPDATE SET
				username = COALESCE(NULLIF(contacts.username, ''), EXCLUDED.username),
				first_name = COALESCE(NULLIF(contacts.first_name, ''), EXCLUDED.first_name),
				last_name = COALESCE(NULLIF(contacts.last_name, ''), EXCLUDED.last_name),
				phone_number = COALESCE(NULLIF(contacts.phone_number, ''), EXCLUDED.phone_number)
			RETURNING `+contactColumns+`, (xmax = 0) AS inserted
		), stats AS (
			INSERT INTO account_daily_stats (account_id, day, new_contacts)
			SELECT account_id, CURRENT_DATE, 1 FROM upserted WHERE inserted
			ON CONFLICT (account_id, day) DO UPDATE SET
				new_contacts = account_daily_stats.new_contacts + 1
		)
		SELECT `+contactColumns+`, inserted FROM upserted
	`,
		accountID,
		sender.ExternalUserID,
		sender.Username,
		sender.FirstName,
		sender.LastName,
		sender.Phone,
	), &created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert contact: %w", err)
	}

	return contact, created, nil
}

// GetContact returns a contact of the given account.
func GetContact(ctx context.Context, pool *pgxpool.Pool, accountID, contactID string) (*models.Contact, error) {
	contact, err := scanContact(pool.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE id = $1 AND account_id = $2
	`, contactID, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}
