// Package telegram connects bot accounts through the Telegram Bot API using
// long polling.
package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network"
)

// Name is the accounts.network value served by this driver.
const Name = "telegram"

// CredentialToken is the credentials key holding the bot token.
const CredentialToken = "token"

// Options tune the driver. Zero values fall back to defaults.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// PollTimeout is the long-poll duration passed to getUpdates.
	PollTimeout time.Duration
	// RetryDelay is the pause before redelivering an unacknowledged batch.
	RetryDelay time.Duration
}

// Connector logs bots in to the Bot API.
type Connector struct {
	opts   Options
	logger zerolog.Logger
}

// NewConnector creates a Connector.
func NewConnector(opts Options, logger zerolog.Logger) *Connector {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PollTimeout < 0 {
		opts.PollTimeout = 0
	} else if opts.PollTimeout == 0 {
		opts.PollTimeout = 25 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.PollTimeout + opts.RequestTimeout}
	}
	return &Connector{opts: opts, logger: logger.With().Str("network", Name).Logger()}
}

var _ network.Connector = (*Connector)(nil)

// sessionState is the session material persisted for a bot.
type sessionState struct {
	BotID    int64  `json:"bot_id"`
	Username string `json:"username"`
	Offset   int64  `json:"offset"`
}

// Connect validates the token with getMe and resumes from the saved update offset.
func (c *Connector) Connect(ctx context.Context, credentials network.Credentials, session []byte) (network.Conn, error) {
	token := strings.TrimSpace(credentials[CredentialToken])
	if token == "" {
		return nil, network.AuthError("telegram: bot token is missing")
	}

	api := newAPIClient(c.opts.HTTPClient, c.opts.BaseURL, token)

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	me, err := api.getMe(reqCtx)
	if err != nil {
		return nil, err
	}

	state := sessionState{BotID: me.ID, Username: me.Username}
	if len(session) > 0 {
		var saved sessionState
		if err := json.Unmarshal(session, &saved); err == nil && saved.BotID == me.ID {
			state.Offset = saved.Offset
		}
	}

	return &conn{
		api:    api,
		opts:   c.opts,
		state:  state,
		logger: c.logger.With().Int64("bot_id", me.ID).Logger(),
	}, nil
}

type conn struct {
	api    *apiClient
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	state sessionState
}

var _ network.Conn = (*conn)(nil)

func (c *conn) SessionMaterial() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	material, _ := json.Marshal(c.state)
	return material
}

func (c *conn) offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Offset
}

func (c *conn) setOffset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.state.Offset {
		c.state.Offset = offset
	}
}

// Run long-polls getUpdates. The offset only moves past updates whose
// events were acknowledged, so a failed event is fetched again.
func (c *conn) Run(ctx context.Context, out chan<- network.Delivery) error {
	for {
		updates, err := c.api.getUpdates(ctx, c.offset(), c.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(updates) == 0 {
			continue
		}

		events, updateIDs := toEvents(updates)
		acked, err := network.DeliverBatch(ctx, out, events)
		if acked == len(events) {
			c.setOffset(updates[len(updates)-1].UpdateID + 1)
		} else {
			c.setOffset(updateIDs[acked])
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn().Err(err).Int64("offset", c.offset()).Msg("Event not acknowledged, redelivering")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}
	}
}

// toEvents converts private text messages to events. updateIDs[i] is the
// update that carried events[i].
func toEvents(updates []update) ([]network.Event, []int64) {
	var events []network.Event
	var updateIDs []int64
	for _, u := range updates {
		msg := u.Message
		if msg == nil || msg.From == nil || msg.From.IsBot {
			continue
		}
		if msg.Chat != nil && msg.Chat.Type != "" && msg.Chat.Type != "private" {
			continue
		}

		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		sender := models.Sender{
			ExternalUserID: msg.From.ID,
			Username:       msg.From.Username,
			FirstName:      msg.From.FirstName,
			LastName:       msg.From.LastName,
		}
		if msg.Contact != nil && msg.Contact.UserID == msg.From.ID {
			sender.Phone = msg.Contact.PhoneNumber
		}

		events = append(events, network.Event{
			ExternalMessageID: msg.MessageID,
			Sender:            sender,
			Text:              text,
			Timestamp:         time.Unix(msg.Date, 0).UTC(),
		})
		updateIDs = append(updateIDs, u.UpdateID)
	}
	return events, updateIDs
}

// Send posts a private message. In private chats the chat id is the user id.
func (c *conn) Send(ctx context.Context, to network.Recipient, text string) (*network.Sent, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	msg, err := c.api.sendMessage(reqCtx, to.ExternalUserID, text)
	if err != nil {
		return nil, err
	}

	at := time.Unix(msg.Date, 0).UTC()
	if msg.Date == 0 {
		at = time.Now().UTC()
	}
	return &network.Sent{ExternalMessageID: msg.MessageID, At: at}, nil
}

func (c *conn) Close() error {
	c.api.http.CloseIdleConnections()
	return nil
}
