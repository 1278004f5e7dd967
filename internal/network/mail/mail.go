// Package mail connects e-mail accounts: IMAP for the inbox, SMTP for replies.
// Every correspondent address is treated as one contact.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/network"
)

// Name is the accounts.network value served by this driver.
const Name = "mail"

// Credential keys.
const (
	CredentialAddress      = "address"
	CredentialIMAPHost     = "imap_host"
	CredentialIMAPUsername = "imap_username"
	CredentialIMAPPassword = "imap_password"
	CredentialSMTPHost     = "smtp_host"
	CredentialSMTPUsername = "smtp_username"
	CredentialSMTPPassword = "smtp_password"
	// CredentialSecurity is "tls" (default), "starttls" or "none".
	CredentialSecurity = "security"
	CredentialSubject  = "subject"
)

// Options tune the driver. Zero values fall back to defaults.
type Options struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// PollInterval bounds how long the inbox is idled on before it is checked again.
	PollInterval time.Duration
	// RetryDelay is the pause before redelivering unacknowledged mail.
	RetryDelay time.Duration
	// FetchBatch is how many messages are fetched per round trip.
	FetchBatch int
}

// Connector logs mailboxes in.
type Connector struct {
	opts   Options
	logger zerolog.Logger
}

// NewConnector creates a Connector.
func NewConnector(opts Options, logger zerolog.Logger) *Connector {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 50
	}
	return &Connector{opts: opts, logger: logger.With().Str("network", Name).Logger()}
}

var _ network.Connector = (*Connector)(nil)

// sessionState lets a reconnect resume after the last acknowledged UID.
type sessionState struct {
	UIDValidity uint32 `json:"uid_validity"`
	LastUID     uint32 `json:"last_uid"`
}

type settings struct {
	address      string
	imapHost     string
	imapUsername string
	imapPassword string
	smtpHost     string
	smtpUsername string
	smtpPassword string
	security     string
	subject      string
}

func parseSettings(credentials network.Credentials) (settings, error) {
	s := settings{
		address:      strings.ToLower(strings.TrimSpace(credentials[CredentialAddress])),
		imapHost:     credentials[CredentialIMAPHost],
		imapUsername: credentials[CredentialIMAPUsername],
		imapPassword: credentials[CredentialIMAPPassword],
		smtpHost:     credentials[CredentialSMTPHost],
		smtpUsername: credentials[CredentialSMTPUsername],
		smtpPassword: credentials[CredentialSMTPPassword],
		security:     strings.ToLower(credentials[CredentialSecurity]),
		subject:      credentials[CredentialSubject],
	}
	if s.imapUsername == "" {
		s.imapUsername = s.address
	}
	if s.smtpUsername == "" {
		s.smtpUsername = s.imapUsername
	}
	if s.smtpPassword == "" {
		s.smtpPassword = s.imapPassword
	}
	if s.security == "" {
		s.security = "tls"
	}
	if s.subject == "" {
		s.subject = "Message"
	}

	switch {
	case s.address == "":
		return s, network.AuthError("mail: %s is required", CredentialAddress)
	case s.imapHost == "" || s.smtpHost == "":
		return s, network.AuthError("mail: %s and %s are required", CredentialIMAPHost, CredentialSMTPHost)
	case s.imapPassword == "":
		return s, network.AuthError("mail: %s is required", CredentialIMAPPassword)
	}
	if s.security != "tls" && s.security != "starttls" && s.security != "none" {
		return s, fmt.Errorf("mail: unknown %s %q", CredentialSecurity, s.security)
	}
	return s, nil
}

// Connect logs in to IMAP and selects the inbox. Without saved session
// material, or when the mailbox UIDVALIDITY changed, only mail arriving
// from now on is delivered.
func (c *Connector) Connect(ctx context.Context, credentials network.Credentials, session []byte) (network.Conn, error) {
	s, err := parseSettings(credentials)
	if err != nil {
		return nil, err
	}

	var saved sessionState
	if len(session) > 0 {
		_ = json.Unmarshal(session, &saved)
	}

	inbox, err := openInbox(ctx, s, c.opts, saved)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With().Str("address", s.address).Logger()
	return newConn(inbox, s, c.opts, logger), nil
}
