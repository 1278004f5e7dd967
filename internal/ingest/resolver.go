// Package ingest turns network events into persisted conversation state:
// senders become contacts, contacts get a conversation, and every message is
// recorded exactly once before live viewers are notified.
package ingest

import (
	"context"

	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
)

// Resolver maps network senders to contacts of an account.
type Resolver struct {
	store db.ContactStore
}

// NewResolver creates a Resolver.
func NewResolver(store db.ContactStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve finds or creates the contact for sender. Known contacts keep their
// non-blank fields; blank ones are filled from sender. created reports
// whether this call inserted the contact.
func (r *Resolver) Resolve(ctx context.Context, accountID string, sender models.Sender) (*models.Contact, bool, error) {
	return r.store.UpsertContact(ctx, accountID, sender)
}

// Lookup returns an existing contact of the account.
func (r *Resolver) Lookup(ctx context.Context, accountID, contactID string) (*models.Contact, error) {
	return r.store.GetContact(ctx, accountID, contactID)
}
