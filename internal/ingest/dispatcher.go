package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network"
)

// Pipeline stages, as they appear in logs and storage errors.
const (
	StageReceived            = "received"
	StageIdentityResolved    = "identity_resolved"
	StageConversationEnsured = "conversation_ensured"
	StageMessageRecorded     = "message_recorded"
	StageBroadcastRequested  = "broadcast_requested"
	StageSendRequested       = "send_requested"
	StageSent                = "sent"
	StageDone                = "done"
)

// Publisher receives summaries of newly recorded messages. Publish must not block.
type Publisher interface {
	Publish(conversationID string, summary models.MessageSummary)
}

// Sender is the send capability of the account sessions.
type Sender interface {
	Send(ctx context.Context, accountID string, to network.Recipient, text string) (*network.Sent, error)
}

// Dispatcher runs inbound events and outbound sends through the pipeline.
type Dispatcher struct {
	resolver  *Resolver
	tracker   *Tracker
	recorder  *Recorder
	sender    Sender
	publisher Publisher
	logger    zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(resolver *Resolver, tracker *Tracker, recorder *Recorder, sender Sender, publisher Publisher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		resolver:  resolver,
		tracker:   tracker,
		recorder:  recorder,
		sender:    sender,
		publisher: publisher,
		logger:    logging.Component(logger, "dispatcher"),
	}
}

// HandleEvent ingests one inbound event. Any persistence failure aborts the
// event with an error matching ErrStorage.
func (d *Dispatcher) HandleEvent(ctx context.Context, accountID string, event network.Event) error {
	_, _, err := d.Ingest(ctx, accountID, event)
	return err
}

// Ingest is HandleEvent that also returns the stored message. recorded is
// false for a redelivered event, which publishes nothing.
func (d *Dispatcher) Ingest(ctx context.Context, accountID string, event network.Event) (*models.Message, bool, error) {
	logger := d.logger.With().
		Str("account_id", accountID).
		Int64("external_message_id", event.ExternalMessageID).
		Logger()
	logger.Debug().Str("stage", StageReceived).Msg("Event received")

	contact, created, err := d.resolver.Resolve(ctx, accountID, event.Sender)
	if err != nil {
		return nil, false, storageError(StageIdentityResolved, err)
	}
	if created {
		logger.Info().Str("contact_id", contact.ID).Msg("New contact")
	}

	conversation, err := d.tracker.Ensure(ctx, accountID, contact.ID)
	if err != nil {
		return nil, false, storageError(StageConversationEnsured, err)
	}

	sentAt := event.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	message, recorded, err := d.recorder.Record(ctx, models.MessageRecord{
		ConversationID:    conversation.ID,
		ExternalMessageID: event.ExternalMessageID,
		Direction:         models.DirectionInbound,
		Body:              event.Text,
		SentAt:            sentAt.UTC(),
	})
	if err != nil {
		return nil, false, storageError(StageMessageRecorded, err)
	}
	if !recorded {
		logger.Debug().Str("conversation_id", conversation.ID).Msg("Duplicate event, already recorded")
		return message, false, nil
	}

	d.publisher.Publish(conversation.ID, message.Summary())
	logger.Debug().Str("stage", StageDone).Str("conversation_id", conversation.ID).Msg("Event ingested")
	return message, true, nil
}

// Send delivers content to the contact through the account's session and
// records it as an outbound message. A failed send leaves storage untouched
// and returns the network's typed error.
func (d *Dispatcher) Send(ctx context.Context, accountID, contactID, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	logger := d.logger.With().Str("account_id", accountID).Str("contact_id", contactID).Logger()
	logger.Debug().Str("stage", StageSendRequested).Msg("Send requested")

	contact, err := d.resolver.Lookup(ctx, accountID, contactID)
	if err != nil {
		return nil, lookupError(StageSendRequested, err)
	}

	sent, err := d.sender.Send(ctx, accountID, network.Recipient{
		ExternalUserID: contact.ExternalUserID,
		Username:       contact.Username,
	}, content)
	if err != nil {
		logger.Warn().Err(err).Str("kind", network.Kind(err)).Msg("Send failed")
		return nil, err
	}

	conversation, err := d.tracker.Ensure(ctx, accountID, contact.ID)
	if err != nil {
		logger.Error().Err(err).Int64("external_message_id", sent.ExternalMessageID).Msg("Message sent but not recorded")
		return nil, storageError(StageConversationEnsured, err)
	}

	sentAt := sent.At
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	message, recorded, err := d.recorder.Record(ctx, models.MessageRecord{
		ConversationID:    conversation.ID,
		ExternalMessageID: sent.ExternalMessageID,
		Direction:         models.DirectionOutbound,
		Body:              content,
		SentAt:            sentAt.UTC(),
	})
	if err != nil {
		logger.Error().Err(err).Int64("external_message_id", sent.ExternalMessageID).Msg("Message sent but not recorded")
		return nil, storageError(StageMessageRecorded, err)
	}

	if recorded {
		d.publisher.Publish(conversation.ID, message.Summary())
	}
	logger.Debug().Str("stage", StageDone).Str("conversation_id", conversation.ID).Msg("Message sent")
	return message, nil
}

// MarkRead resets the conversation's unread counter.
func (d *Dispatcher) MarkRead(ctx context.Context, conversationID string) error {
	if err := d.tracker.MarkRead(ctx, conversationID); err != nil {
		return lookupError("mark_read", err)
	}
	return nil
}

// lookupError passes not-found errors through unchanged so callers can map
// them; everything else is a storage failure.
func lookupError(stage string, err error) error {
	if isNotFound(err) {
		return err
	}
	return storageError(stage, err)
}
