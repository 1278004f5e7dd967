package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vchat/backend/internal/models"
)

// AccountStore is the account state the session manager reads and refreshes.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	ActivateAccount(ctx context.Context, accountID string, encryptedSession []byte) error
	UpdateAccountSession(ctx context.Context, accountID string, encryptedSession []byte) error
	DeactivateAccount(ctx context.Context, accountID, reason string) error
	SetAccountStatus(ctx context.Context, accountID, reason string) error
}

// ContactStore resolves senders to contacts.
type ContactStore interface {
	UpsertContact(ctx context.Context, accountID string, sender models.Sender) (*models.Contact, bool, error)
	GetContact(ctx context.Context, accountID, contactID string) (*models.Contact, error)
}

// ConversationStore tracks conversations and their read state.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, accountID, contactID string) (*models.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// MessageStore is the message ledger.
type MessageStore interface {
	RecordMessage(ctx context.Context, record models.MessageRecord) (*models.Message, bool, error)
}

// Store is everything the sync engine persists.
// This allows the pipeline to be tested with an in-memory implementation.
type Store interface {
	AccountStore
	ContactStore
	ConversationStore
	MessageStore
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given database pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

var _ Store = (*pgStore)(nil)

func (s *pgStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return GetAccount(ctx, s.pool, accountID)
}

func (s *pgStore) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return ListActiveAccounts(ctx, s.pool)
}

func (s *pgStore) ActivateAccount(ctx context.Context, accountID string, encryptedSession []byte) error {
	return ActivateAccount(ctx, s.pool, accountID, encryptedSession)
}

func (s *pgStore) UpdateAccountSession(ctx context.Context, accountID string, encryptedSession []byte) error {
	return UpdateAccountSession(ctx, s.pool, accountID, encryptedSession)
}

func (s *pgStore) DeactivateAccount(ctx context.Context, accountID, reason string) error {
	return DeactivateAccount(ctx, s.pool, accountID, reason)
}

func (s *pgStore) SetAccountStatus(ctx context.Context, accountID, reason string) error {
	return SetAccountStatus(ctx, s.pool, accountID, reason)
}

func (s *pgStore) UpsertContact(ctx context.Context, accountID string, sender models.Sender) (*models.Contact, bool, error) {
	return UpsertContact(ctx, s.pool, accountID, sender)
}

func (s *pgStore) GetContact(ctx context.Context, accountID, contactID string) (*models.Contact, error) {
	return GetContact(ctx, s.pool, accountID, contactID)
}

func (s *pgStore) EnsureConversation(ctx context.Context, accountID, contactID string) (*models.Conversation, error) {
	return EnsureConversation(ctx, s.pool, accountID, contactID)
}

func (s *pgStore) MarkConversationRead(ctx context.Context, conversationID string) error {
	return MarkConversationRead(ctx, s.pool, conversationID)
}

func (s *pgStore) RecordMessage(ctx context.Context, record models.MessageRecord) (*models.Message, bool, error) {
	return RecordMessage(ctx, s.pool, record)
}
