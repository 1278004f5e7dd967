// Package queue hands inbound events that failed on storage to a Redis-backed
// asynq queue, and replays them through the dispatcher from a worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/ingest"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/session"
)

const (
	// TypeRedeliver replays one inbound event.
	TypeRedeliver = "ingest:redeliver"
	// Name is the asynq queue the tasks go to.
	Name = "ingest"

	defaultMaxRetry = 25
)

// RedeliverPayload is the task body of TypeRedeliver.
type RedeliverPayload struct {
	AccountID string        `json:"account_id"`
	Event     network.Event `json:"event"`
}

// NewRedeliverTask builds a TypeRedeliver task.
func NewRedeliverTask(accountID string, event network.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(RedeliverPayload{AccountID: accountID, Event: event})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal redeliver payload: %w", err)
	}
	return asynq.NewTask(TypeRedeliver, payload), nil
}

// Enqueuer accepts events for a later retry.
type Enqueuer interface {
	Enqueue(ctx context.Context, accountID string, event network.Event) error
}

// Client enqueues redeliver tasks.
type Client struct {
	client   *asynq.Client
	maxRetry int
	delay    time.Duration
}

var _ Enqueuer = (*Client)(nil)

// NewClient connects to the Redis server at redisURL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return &Client{
		client:   asynq.NewClient(opt),
		maxRetry: defaultMaxRetry,
		delay:    5 * time.Second,
	}, nil
}

// Enqueue schedules the event for replay after a short delay.
func (c *Client) Enqueue(ctx context.Context, accountID string, event network.Event) error {
	task, err := NewRedeliverTask(accountID, event)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(Name),
		asynq.MaxRetry(c.maxRetry),
		asynq.ProcessIn(c.delay),
	); err != nil {
		return fmt.Errorf("failed to enqueue redeliver task: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// RetryingHandler acknowledges events that failed on storage once they are
// safely queued for replay. Other failures pass through unchanged.
type RetryingHandler struct {
	next     session.Handler
	enqueuer Enqueuer
	logger   zerolog.Logger
}

var _ session.Handler = (*RetryingHandler)(nil)

// NewRetryingHandler wraps next.
func NewRetryingHandler(next session.Handler, enqueuer Enqueuer, logger zerolog.Logger) *RetryingHandler {
	return &RetryingHandler{
		next:     next,
		enqueuer: enqueuer,
		logger:   logging.Component(logger, "queue"),
	}
}

func (h *RetryingHandler) HandleEvent(ctx context.Context, accountID string, event network.Event) error {
	err := h.next.HandleEvent(ctx, accountID, event)
	if err == nil || !errors.Is(err, ingest.ErrStorage) {
		return err
	}

	logger := h.logger.With().
		Str("account_id", accountID).
		Int64("external_message_id", event.ExternalMessageID).
		Logger()

	if qerr := h.enqueuer.Enqueue(ctx, accountID, event); qerr != nil {
		logger.Error().Err(qerr).Msg("Failed to queue event for retry")
		return err
	}
	logger.Warn().Err(err).Msg("Event queued for retry")
	return nil
}
