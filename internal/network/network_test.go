package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func consume(out <-chan Delivery, outcome func(Event) error) {
	for delivery := range out {
		delivery.Done(outcome(delivery.Event))
	}
}

func TestDeliverBatch(t *testing.T) {
	events := []Event{{ExternalMessageID: 1}, {ExternalMessageID: 2}, {ExternalMessageID: 3}}

	t.Run("all acknowledged", func(t *testing.T) {
		out := make(chan Delivery, 2)
		defer close(out)
		go consume(out, func(Event) error { return nil })

		acked, err := DeliverBatch(context.Background(), out, events)
		require.NoError(t, err)
		assert.Equal(t, 3, acked)
	})

	t.Run("stops counting at first failure", func(t *testing.T) {
		out := make(chan Delivery, 4)
		defer close(out)
		failure := errors.New("storage down")
		go consume(out, func(ev Event) error {
			if ev.ExternalMessageID == 2 {
				return failure
			}
			return nil
		})

		acked, err := DeliverBatch(context.Background(), out, events)
		assert.ErrorIs(t, err, failure)
		assert.Equal(t, 1, acked)
	})

	t.Run("context cancelled while nobody consumes", func(t *testing.T) {
		out := make(chan Delivery)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		acked, err := DeliverBatch(ctx, out, events)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, acked)
	})
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register("telegram", ConnectorFunc(nil))
	registry.Register("mail", ConnectorFunc(nil))

	_, err := registry.Get("telegram")
	assert.NoError(t, err)

	_, err = registry.Get("fax")
	assert.ErrorIs(t, err, ErrUnknownNetwork)

	assert.Equal(t, []string{"mail", "telegram"}, registry.Names())
}
