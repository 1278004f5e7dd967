package ingest

import (
	"context"

	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/models"
)

// Recorder is the deduplicating message ledger.
type Recorder struct {
	store db.MessageStore
}

// NewRecorder creates a Recorder.
func NewRecorder(store db.MessageStore) *Recorder {
	return &Recorder{store: store}
}

// Record stores the message and applies its conversation activity in one
// transaction. A message already recorded under the same external id is
// returned as is with recorded = false, and no counters change.
func (r *Recorder) Record(ctx context.Context, record models.MessageRecord) (*models.Message, bool, error) {
	return r.store.RecordMessage(ctx, record)
}
