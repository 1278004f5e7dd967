package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/models"
)

// EventMessageRecorded is the envelope type of published summaries.
const EventMessageRecorded = "vchat.message.recorded"

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope is the JSON body of every AMQP message.
type Envelope struct {
	Meta Meta                  `json:"meta"`
	Data models.MessageSummary `json:"data"`
}

// NewEnvelope wraps summary; the correlation id is the message id.
func NewEnvelope(summary models.MessageSummary) Envelope {
	correlationID := summary.ID
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          EventMessageRecorded,
			Time:          time.Now().UTC(),
			CorrelationID: &correlationID,
		},
		Data: summary,
	}
}

// RoutingKey is "conversation.inbound" or "conversation.outbound".
func RoutingKey(summary models.MessageSummary) string {
	return "conversation." + string(summary.Direction)
}

// AMQPSink publishes summaries to a topic exchange for downstream consumers.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
	logger   zerolog.Logger
}

var _ Sink = (*AMQPSink)(nil)

// NewAMQPSink connects and declares the durable topic exchange.
func NewAMQPSink(url, exchange string, logger zerolog.Logger) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange: %w", err)
	}

	return &AMQPSink{
		conn:     conn,
		exchange: exchange,
		logger:   logging.Component(logger, "amqp_sink"),
	}, nil
}

func (s *AMQPSink) Name() string {
	return "amqp"
}

// Deliver publishes one persistent message. Channels are not shared between
// shard workers, so each publish opens its own.
func (s *AMQPSink) Deliver(ctx context.Context, summary models.MessageSummary) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	envelope := NewEnvelope(summary)
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("amqp: marshal envelope: %w", err)
	}

	key := RoutingKey(summary)
	err = ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     envelope.Meta.ID,
		CorrelationId: *envelope.Meta.CorrelationID,
		Timestamp:     envelope.Meta.Time,
		Type:          envelope.Meta.Type,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish: %w", err)
	}

	s.logger.Debug().Str("key", key).Str("message_id", summary.ID).Msg("Published summary")
	return nil
}

// Close closes the connection.
func (s *AMQPSink) Close() error {
	return s.conn.Close()
}
