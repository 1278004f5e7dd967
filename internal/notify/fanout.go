// Package notify pushes summaries of recorded messages to live subscribers
// and external sinks without ever blocking the ingestion path.
package notify

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/models"
)

// Sink receives published summaries. Deliver is called from a fan-out shard
// worker; summaries of one conversation arrive in publish order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, summary models.MessageSummary) error
}

// Options tune a Fanout. Zero values fall back to defaults.
type Options struct {
	Shards    int
	QueueSize int
	// DeliverTimeout bounds each Sink.Deliver call.
	DeliverTimeout time.Duration
}

// Fanout hands summaries to its sinks. Conversations are spread over shards
// by hash, so one conversation is always served by the same worker.
type Fanout struct {
	sinks   []Sink
	shards  []chan models.MessageSummary
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewFanout starts the shard workers.
func NewFanout(opts Options, logger zerolog.Logger, sinks ...Sink) *Fanout {
	if opts.Shards <= 0 {
		opts.Shards = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 5 * time.Second
	}

	f := &Fanout{
		sinks:   sinks,
		shards:  make([]chan models.MessageSummary, opts.Shards),
		timeout: opts.DeliverTimeout,
		logger:  logging.Component(logger, "fanout"),
	}
	for i := range f.shards {
		f.shards[i] = make(chan models.MessageSummary, opts.QueueSize)
		f.wg.Add(1)
		go f.work(f.shards[i])
	}
	return f
}

// Publish queues summary for delivery and returns immediately. When the
// conversation's shard is full the summary is dropped.
func (f *Fanout) Publish(conversationID string, summary models.MessageSummary) {
	summary.ConversationID = conversationID

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return
	}

	select {
	case f.shards[shardFor(conversationID, len(f.shards))] <- summary:
	default:
		f.logger.Warn().
			Str("conversation_id", conversationID).
			Str("message_id", summary.ID).
			Msg("Notification queue full, dropping summary")
	}
}

// Close stops accepting summaries and waits until queued ones are delivered.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, shard := range f.shards {
		close(shard)
	}
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *Fanout) work(queue <-chan models.MessageSummary) {
	defer f.wg.Done()

	for summary := range queue {
		for _, sink := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			if err := sink.Deliver(ctx, summary); err != nil {
				f.logger.Error().
					Err(err).
					Str("sink", sink.Name()).
					Str("conversation_id", summary.ConversationID).
					Str("message_id", summary.ID).
					Msg("Failed to deliver summary")
			}
			cancel()
		}
	}
}

func shardFor(conversationID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(shards))
}
