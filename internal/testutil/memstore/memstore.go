// Package memstore is an in-memory db.Store for pipeline tests. It keeps the
// same uniqueness and counter rules as the Postgres implementation.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
)

// ErrInjected is returned by operations armed with FailNext.
var ErrInjected = errors.New("injected storage failure")

type contactKey struct {
	accountID      string
	externalUserID int64
}

type conversationKey struct {
	accountID string
	contactID string
}

type messageKey struct {
	conversationID    string
	externalMessageID int64
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	accounts      map[string]*models.Account
	contacts      map[contactKey]*models.Contact
	conversations map[conversationKey]*models.Conversation
	messages      map[messageKey]*models.Message
	failures      map[string]int

	// AccountEvents records account state changes in order, e.g. "activate",
	// "session", "deactivate: auth: ...", "status: network: ...".
	AccountEvents []string
}

var _ db.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts:      make(map[string]*models.Account),
		contacts:      make(map[contactKey]*models.Contact),
		conversations: make(map[conversationKey]*models.Conversation),
		messages:      make(map[messageKey]*models.Message),
		failures:      make(map[string]int),
	}
}

// FailNext makes the next n calls of the named operation (for example
// "RecordMessage") return ErrInjected.
func (s *Store) FailNext(operation string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = n
}

func (s *Store) fail(operation string) error {
	if s.failures[operation] > 0 {
		s.failures[operation]--
		return fmt.Errorf("%s: %w", operation, ErrInjected)
	}
	return nil
}

// AddAccount stores a copy of account, assigning an id when empty.
func (s *Store) AddAccount(account *models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *account
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	s.accounts[stored.ID] = &stored
	copied := stored
	return &copied
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *Store) ListActiveAccounts(_ context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accounts []*models.Account
	for _, account := range s.accounts {
		if account.IsActive {
			copied := *account
			accounts = append(accounts, &copied)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *Store) updateAccount(accountID, event string, fn func(*models.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return db.ErrAccountNotFound
	}
	fn(account)
	account.UpdatedAt = time.Now()
	s.AccountEvents = append(s.AccountEvents, event)
	return nil
}

func (s *Store) ActivateAccount(_ context.Context, accountID string, encryptedSession []byte) error {
	return s.updateAccount(accountID, "activate", func(a *models.Account) {
		a.EncryptedSession = encryptedSession
		a.IsActive = true
		a.StatusReason = ""
	})
}

func (s *Store) UpdateAccountSession(_ context.Context, accountID string, encryptedSession []byte) error {
	return s.updateAccount(accountID, "session", func(a *models.Account) {
		a.EncryptedSession = encryptedSession
	})
}

func (s *Store) DeactivateAccount(_ context.Context, accountID, reason string) error {
	return s.updateAccount(accountID, "deactivate: "+reason, func(a *models.Account) {
		a.IsActive = false
		a.StatusReason = reason
	})
}

func (s *Store) SetAccountStatus(_ context.Context, accountID, reason string) error {
	return s.updateAccount(accountID, "status: "+reason, func(a *models.Account) {
		a.StatusReason = reason
	})
}

// Events returns a copy of AccountEvents.
func (s *Store) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.AccountEvents...)
}

func (s *Store) UpsertContact(_ context.Context, accountID string, sender models.Sender) (*models.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("UpsertContact"); err != nil {
		return nil, false, err
	}

	key := contactKey{accountID: accountID, externalUserID: sender.ExternalUserID}
	contact, ok := s.contacts[key]
	if !ok {
		contact = &models.Contact{
			ID:             uuid.NewString(),
			AccountID:      accountID,
			ExternalUserID: sender.ExternalUserID,
			Tags:           []string{},
			CreatedAt:      time.Now(),
		}
		s.contacts[key] = contact
	}
	fillBlank(&contact.Username, sender.Username)
	fillBlank(&contact.FirstName, sender.FirstName)
	fillBlank(&contact.LastName, sender.LastName)
	fillBlank(&contact.PhoneNumber, sender.Phone)

	copied := *contact
	return &copied, !ok, nil
}

func fillBlank(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func (s *Store) GetContact(_ context.Context, accountID, contactID string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, contact := range s.contacts {
		if key.accountID == accountID && contact.ID == contactID {
			copied := *contact
			return &copied, nil
		}
	}
	return nil, db.ErrContactNotFound
}

// Contacts returns how many contacts exist for the account.
func (s *Store) Contacts(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.contacts {
		if key.accountID == accountID {
			n++
		}
	}
	return n
}

// Conversations returns how many conversations exist for the account.
func (s *Store) Conversations(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.conversations {
		if key.accountID == accountID {
			n++
		}
	}
	return n
}

func (s *Store) EnsureConversation(_ context.Context, accountID, contactID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("EnsureConversation"); err != nil {
		return nil, err
	}

	key := conversationKey{accountID: accountID, contactID: contactID}
	conversation, ok := s.conversations[key]
	if !ok {
		conversation = &models.Conversation{
			ID:        uuid.NewString(),
			AccountID: accountID,
			ContactID: contactID,
			IsActive:  true,
			CreatedAt: time.Now(),
		}
		s.conversations[key] = conversation
	}
	copied := *conversation
	return &copied, nil
}

func (s *Store) conversationByID(conversationID string) (*models.Conversation, bool) {
	for _, conversation := range s.conversations {
		if conversation.ID == conversationID {
			return conversation, true
		}
	}
	return nil, false
}

// Conversation returns a copy of the conversation, or nil.
func (s *Store) Conversation(conversationID string) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversationByID(conversationID)
	if !ok {
		return nil
	}
	copied := *conversation
	return &copied
}

func (s *Store) MarkConversationRead(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversationByID(conversationID)
	if !ok {
		return db.ErrConversationNotFound
	}
	conversation.UnreadCount = 0
	for key, message := range s.messages {
		if key.conversationID == conversationID && message.Direction == models.DirectionInbound {
			message.IsRead = true
		}
	}
	return nil
}

func (s *Store) RecordMessage(_ context.Context, record models.MessageRecord) (*models.Message, bool, error) {
	if !record.Direction.Valid() {
		return nil, false, fmt.Errorf("invalid message direction %q", record.Direction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("RecordMessage"); err != nil {
		return nil, false, err
	}

	conversation, ok := s.conversationByID(record.ConversationID)
	if !ok {
		return nil, false, db.ErrConversationNotFound
	}

	key := messageKey{conversationID: record.ConversationID, externalMessageID: record.ExternalMessageID}
	if existing, ok := s.messages[key]; ok {
		copied := *existing
		return &copied, false, nil
	}

	message := &models.Message{
		ID:                uuid.NewString(),
		ConversationID:    record.ConversationID,
		ExternalMessageID: record.ExternalMessageID,
		Direction:         record.Direction,
		Body:              record.Body,
		SentAt:            record.SentAt,
		IsRead:            record.Direction == models.DirectionOutbound,
		CreatedAt:         time.Now(),
	}
	s.messages[key] = message

	if record.Direction == models.DirectionInbound {
		conversation.UnreadCount++
	}
	if conversation.LastMessageAt == nil || record.SentAt.After(*conversation.LastMessageAt) {
		at := record.SentAt
		conversation.LastMessageAt = &at
	}
	for _, contact := range s.contacts {
		if contact.ID == conversation.ContactID {
			if contact.LastInteractionAt == nil || record.SentAt.After(*contact.LastInteractionAt) {
				at := record.SentAt
				contact.LastInteractionAt = &at
			}
		}
	}

	copied := *message
	return &copied, true, nil
}

// Messages returns the conversation's messages ordered by sent time, then
// external id.
func (s *Store) Messages(conversationID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []*models.Message
	for key, message := range s.messages {
		if key.conversationID == conversationID {
			copied := *message
			messages = append(messages, &copied)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].SentAt.Equal(messages[j].SentAt) {
			return messages[i].SentAt.Before(messages[j].SentAt)
		}
		return messages[i].ExternalMessageID < messages[j].ExternalMessageID
	})
	return messages
}
