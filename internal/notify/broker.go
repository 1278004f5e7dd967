package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/vdavid/vchat/backend/internal/models"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Broker is the in-process sink: it hands summaries to the subscribers of
// their conversation.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

var _ Sink = (*Broker)(nil)

func (b *Broker) Name() string {
	return "broker"
}

// Deliver queues summary on every subscription of its conversation. It never blocks.
func (b *Broker) Deliver(_ context.Context, summary models.MessageSummary) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[summary.ConversationID] {
		sub.push(summary)
	}
	return nil
}

// Subscribe starts a subscription to the conversation. Only summaries
// delivered after this call are seen.
func (b *Broker) Subscribe(conversationID string) *Subscription {
	sub := &Subscription{
		broker:         b,
		conversationID: conversationID,
		ready:          make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[*Subscription]struct{})
	}
	b.subs[conversationID][sub] = struct{}{}
	return sub
}

// Subscribers returns the number of open subscriptions to the conversation.
func (b *Broker) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conversationID])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.conversationID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.conversationID)
	}
}

// Subscription is an unbounded queue of summaries for one conversation.
type Subscription struct {
	broker         *Broker
	conversationID string
	ready          chan struct{}

	mu     sync.Mutex
	queue  []models.MessageSummary
	closed bool
}

// ConversationID returns the subscribed conversation.
func (s *Subscription) ConversationID() string {
	return s.conversationID
}

func (s *Subscription) push(summary models.MessageSummary) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, summary)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a summary is available, the subscription is closed or
// ctx ends.
func (s *Subscription) Next(ctx context.Context) (models.MessageSummary, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			summary := s.queue[0]
			s.queue[0] = models.MessageSummary{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return summary, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return models.MessageSummary{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return models.MessageSummary{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// Close ends the subscription. Pending summaries are discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.broker.remove(s)

	select {
	case s.ready <- struct{}{}:
	default:
	}
}
