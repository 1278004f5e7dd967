package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("subscription starts now", func(t *testing.T) {
		broker := NewBroker()
		early := summary(1)
		early.ConversationID = "c1"
		require.NoError(t, broker.Deliver(ctx, early))

		sub := broker.Subscribe("c1")
		defer sub.Close()

		late := summary(2)
		late.ConversationID = "c1"
		require.NoError(t, broker.Deliver(ctx, late))

		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.ExternalMessageID)
	})

	t.Run("only the subscribed conversation", func(t *testing.T) {
		broker := NewBroker()
		sub := broker.Subscribe("c1")
		defer sub.Close()

		other := summary(1)
		other.ConversationID = "c2"
		require.NoError(t, broker.Deliver(ctx, other))

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := sub.Next(waitCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("queue is unbounded and ordered", func(t *testing.T) {
		broker := NewBroker()
		sub := broker.Subscribe("c1")
		defer sub.Close()

		for i := int64(1); i <= 1000; i++ {
			s := summary(i)
			s.ConversationID = "c1"
			require.NoError(t, broker.Deliver(ctx, s))
		}
		for i := int64(1); i <= 1000; i++ {
			got, err := sub.Next(ctx)
			require.NoError(t, err)
			require.Equal(t, i, got.ExternalMessageID)
		}
	})

	t.Run("every subscriber gets a copy", func(t *testing.T) {
		broker := NewBroker()
		first := broker.Subscribe("c1")
		second := broker.Subscribe("c1")
		defer first.Close()
		defer second.Close()
		assert.Equal(t, 2, broker.Subscribers("c1"))

		s := summary(5)
		s.ConversationID = "c1"
		require.NoError(t, broker.Deliver(ctx, s))

		for _, sub := range []*Subscription{first, second} {
			got, err := sub.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(5), got.ExternalMessageID)
		}
	})

	t.Run("close wakes a waiting reader", func(t *testing.T) {
		broker := NewBroker()
		sub := broker.Subscribe("c1")

		errs := make(chan error, 1)
		go func() {
			_, err := sub.Next(ctx)
			errs <- err
		}()

		time.Sleep(10 * time.Millisecond)
		sub.Close()

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrSubscriptionClosed)
		case <-time.After(time.Second):
			t.Fatal("Next did not return after Close")
		}
		assert.Equal(t, 0, broker.Subscribers("c1"))
		sub.Close()
	})
}
