package mail

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/network"
)

type conn struct {
	inbox    *inbox
	settings settings
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	state     sessionState
	closeOnce sync.Once
}

var _ network.Conn = (*conn)(nil)

func newConn(box *inbox, s settings, opts Options, logger zerolog.Logger) *conn {
	return &conn{
		inbox:    box,
		settings: s,
		opts:     opts,
		logger:   logger,
		state:    box.state,
	}
}

func (c *conn) SessionMaterial() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	material, _ := json.Marshal(c.state)
	return material
}

func (c *conn) lastUID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastUID
}

func (c *conn) acknowledge(uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uid > c.state.LastUID {
		c.state.LastUID = uid
	}
	c.inbox.state.LastUID = c.state.LastUID
}

// Run delivers new inbox mail, then idles until more arrives.
func (c *conn) Run(ctx context.Context, out chan<- network.Delivery) error {
	stop := context.AfterFunc(ctx, func() { _ = c.inbox.client.Terminate() })
	defer stop()

	for {
		retry, err := c.deliverNew(ctx, out)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if retry {
			continue
		}
		if err := c.inbox.waitForMail(ctx, c.opts.PollInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return network.TransportError("imap idle", err)
		}
	}
}

// deliverNew hands every unseen message to out in UID order. The saved
// position only advances over acknowledged messages; retry reports that
// something was not acknowledged and should be fetched again.
func (c *conn) deliverNew(ctx context.Context, out chan<- network.Delivery) (bool, error) {
	uids, err := c.inbox.newUIDs()
	if err != nil {
		return false, network.TransportError("imap search", err)
	}

	for start := 0; start < len(uids); start += c.opts.FetchBatch {
		end := min(start+c.opts.FetchBatch, len(uids))

		messages, err := c.inbox.fetchMessages(uids[start:end])
		if err != nil {
			return false, network.TransportError("imap fetch", err)
		}

		var events []network.Event
		var eventUIDs []uint32
		for _, msg := range messages {
			event, ok := toEvent(msg, c.inbox.state.UIDValidity)
			if !ok || event.Sender.Username == c.settings.address {
				// Nothing to deliver; still move past it once earlier mail is acknowledged.
				if len(events) == 0 {
					c.acknowledge(msg.Uid)
				}
				continue
			}
			events = append(events, event)
			eventUIDs = append(eventUIDs, msg.Uid)
		}

		acked, err := network.DeliverBatch(ctx, out, events)
		if acked == len(events) && len(messages) > 0 {
			c.acknowledge(messages[len(messages)-1].Uid)
		} else if acked > 0 {
			c.acknowledge(eventUIDs[acked-1])
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			c.logger.Warn().Err(err).Uint32("last_uid", c.lastUID()).Msg("Mail not acknowledged, redelivering")
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
			return true, nil
		}
	}

	return false, nil
}

func (c *conn) Send(ctx context.Context, to network.Recipient, text string) (*network.Sent, error) {
	return sendMail(ctx, c.settings, c.opts, to, text)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.inbox.close()
	})
	return err
}
