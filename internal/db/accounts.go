package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vchat/backend/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id,
	owner_email,
	network,
	display_name,
	encrypted_credentials,
	encrypted_session,
	is_active,
	status_reason,
	created_at,
	updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID,
		&account.OwnerEmail,
		&account.Network,
		&account.DisplayName,
		&account.EncryptedCredentials,
		&account.EncryptedSession,
		&account.IsActive,
		&account.StatusReason,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccount inserts a new inactive account and populates its ID and timestamps.
func CreateAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (owner_email, network, display_name, encrypted_credentials)
		VALUES ($1, $2, $3, $4)
		RETURNING id, is_active, status_reason, created_at, updated_at
	`, account.OwnerEmail, account.Network, account.DisplayName, account.EncryptedCredentials).Scan(
		&account.ID,
		&account.IsActive,
		&account.StatusReason,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount returns the account with the given id.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	account, err := scanAccount(pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetAccountForOwner returns the account only if it belongs to ownerEmail.
func GetAccountForOwner(ctx context.Context, pool *pgxpool.Pool, ownerEmail, accountID string) (*models.Account, error) {
	account, err := scanAccount(pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1 AND owner_email = $2
	`, accountID, ownerEmail))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccountsForOwner returns the owner's accounts, oldest first.
func ListAccountsForOwner(ctx context.Context, pool *pgxpool.Pool, ownerEmail string) ([]*models.Account, error) {
	return queryAccounts(ctx, pool, `
		SELECT `+accountColumns+` FROM accounts WHERE owner_email = $1 ORDER BY created_at
	`, ownerEmail)
}

// ListActiveAccounts returns every account whose session should be running.
func ListActiveAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	return queryAccounts(ctx, pool, `
		SELECT `+accountColumns+` FROM accounts WHERE is_active ORDER BY created_at
	`)
}

func queryAccounts(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// ActivateAccount stores fresh session material after a successful login,
// marks the account active and clears the last failure reason.
func ActivateAccount(ctx context.Context, pool *pgxpool.Pool, accountID string, encryptedSession []byte) error {
	return execAccountUpdate(ctx, pool, "activate account", `
		UPDATE accounts
		SET encrypted_session = $2, is_active = TRUE, status_reason = '', updated_at = now()
		WHERE id = $1
	`, accountID, encryptedSession)
}

// UpdateAccountSession replaces only the session material.
func UpdateAccountSession(ctx context.Context, pool *pgxpool.Pool, accountID string, encryptedSession []byte) error {
	return execAccountUpdate(ctx, pool, "update account session", `
		UPDATE accounts SET encrypted_session = $2, updated_at = now() WHERE id = $1
	`, accountID, encryptedSession)
}

// DeactivateAccount marks the account inactive and records why.
func DeactivateAccount(ctx context.Context, pool *pgxpool.Pool, accountID, reason string) error {
	return execAccountUpdate(ctx, pool, "deactivate account", `
		UPDATE accounts SET is_active = FALSE, status_reason = $2, updated_at = now() WHERE id = $1
	`, accountID, reason)
}

// SetAccountStatus records a failure reason without changing is_active.
func SetAccountStatus(ctx context.Context, pool *pgxpool.Pool, accountID, reason string) error {
	return execAccountUpdate(ctx, pool, "set account status", `
		UPDATE accounts SET status_reason = $2, updated_at = now() WHERE id = $1
	`, accountID, reason)
}

func execAccountUpdate(ctx context.Context, pool *pgxpool.Pool, op, query string, args ...any) error {
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
