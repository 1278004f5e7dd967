package ingest

import (
	"context"

	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
)

// Tracker owns the conversation of each contact. Counter and last-activity
// updates happen inside the message transaction, see Recorder.
type Tracker struct {
	store db.ConversationStore
}

// NewTracker creates a Tracker.
func NewTracker(store db.ConversationStore) *Tracker {
	return &Tracker{store: store}
}

// Ensure returns the conversation of the contact, creating it if needed.
func (t *Tracker) Ensure(ctx context.Context, accountID, contactID string) (*models.Conversation, error) {
	return t.store.EnsureConversation(ctx, accountID, contactID)
}

// MarkRead resets the unread counter and marks inbound messages read.
// Replying does not reset the counter; only this does.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string) error {
	return t.store.MarkConversationRead(ctx, conversationID)
}
