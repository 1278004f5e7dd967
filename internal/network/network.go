// Package network defines the contract between the sync engine and the
// external messaging networks, plus a registry of the available drivers.
package network

import (
	"context"
	"time"

	"github.com/vdavid/vchat/backend/internal/models"
)

// Event is one inbound message as reported by a network.
type Event struct {
	ExternalMessageID int64         `json:"external_message_id"`
	Sender            models.Sender `json:"sender"`
	Text              string        `json:"text"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Recipient addresses an outbound message.
type Recipient struct {
	ExternalUserID int64
	Username       string
}

// Sent is the network's receipt for an outbound message.
type Sent struct {
	ExternalMessageID int64
	At                time.Time
}

// Credentials are the decrypted, driver-specific login values of an account.
type Credentials map[string]string

// Connector logs in to a network.
type Connector interface {
	// Connect authenticates and returns a live connection. session is the
	// material saved from a previous connection, or nil on first login.
	Connect(ctx context.Context, credentials Credentials, session []byte) (Conn, error)
}

// Conn is a live, authenticated connection of one account.
type Conn interface {
	// SessionMaterial returns what a later Connect needs to resume. It changes
	// as the connection acknowledges events.
	SessionMaterial() []byte
	// Run pumps inbound events into out until ctx is done or the connection
	// fails. An event is only considered consumed once its delivery is
	// acknowledged; unacknowledged events are delivered again later.
	Run(ctx context.Context, out chan<- Delivery) error
	// Send delivers text to a recipient. It is safe to call while Run is active.
	Send(ctx context.Context, to Recipient, text string) (*Sent, error)
	Close() error
}

// Delivery hands one event to the consumer and carries back the outcome.
type Delivery struct {
	Event  Event
	result chan error
}

// NewDelivery wraps an event for sending to a consumer.
func NewDelivery(event Event) Delivery {
	return Delivery{Event: event, result: make(chan error, 1)}
}

// Done reports the processing outcome. nil acknowledges the event.
func (d Delivery) Done(err error) {
	d.result <- err
}

// Wait blocks until Done is called or ctx ends.
func (d Delivery) Wait(ctx context.Context) error {
	select {
	case err := <-d.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverBatch sends events to out in order, then waits for each outcome.
// It returns how many leading events were acknowledged; the first failure
// stops the count so the driver can redeliver from there.
func DeliverBatch(ctx context.Context, out chan<- Delivery, events []Event) (int, error) {
	deliveries := make([]Delivery, 0, len(events))
	for _, event := range events {
		delivery := NewDelivery(event)
		select {
		case out <- delivery:
			deliveries = append(deliveries, delivery)
		case <-ctx.Done():
			return countAcked(ctx, deliveries)
		}
	}
	return countAcked(ctx, deliveries)
}

func countAcked(ctx context.Context, deliveries []Delivery) (int, error) {
	for i, delivery := range deliveries {
		if err := delivery.Wait(ctx); err != nil {
			return i, err
		}
	}
	if err := ctx.Err(); err != nil {
		return len(deliveries), err
	}
	return len(deliveries), nil
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, credentials Credentials, session []byte) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, credentials Credentials, session []byte) (Conn, error) {
	return f(ctx, credentials, session)
}
