package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vchat/backend/internal/network"
)

// sendMail submits a plain-text message over SMTP. Outbound mail never shows
// up in INBOX, so its external id is derived from the submission time.
func sendMail(ctx context.Context, s settings, opts Options, to network.Recipient, text string) (*network.Sent, error) {
	recipient := strings.TrimSpace(to.Username)
	if recipient == "" || !strings.Contains(recipient, "@") {
		return nil, fmt.Errorf("mail: recipient has no address")
	}

	now := time.Now().UTC()
	externalID := now.UnixNano()

	part, err := enmime.Builder().
		From("", s.address).
		To("", recipient).
		Subject(s.subject).
		Date(now).
		Header("Message-ID", fmt.Sprintf("<%d.vchat@%s>", externalID, domainOf(s.address))).
		Text([]byte(text)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("mail: failed to build message: %w", err)
	}
	var body bytes.Buffer
	if err := part.Encode(&body); err != nil {
		return nil, fmt.Errorf("mail: failed to encode message: %w", err)
	}

	client, err := dialSMTP(s, opts)
	if err != nil {
		return nil, network.TransportError("smtp connect", err)
	}
	defer func() { _ = client.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if ok, _ := client.Extension("AUTH"); ok && s.smtpUsername != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.smtpUsername, s.smtpPassword)); err != nil {
			return nil, classifySMTPError("smtp auth", err)
		}
	}

	if err := client.SendMail(s.address, []string{recipient}, &body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifySMTPError("smtp send", err)
	}
	_ = client.Quit()

	return &network.Sent{ExternalMessageID: externalID, At: now}, nil
}

func dialSMTP(s settings, opts Options) (*smtp.Client, error) {
	host, _, _ := net.SplitHostPort(s.smtpHost)
	tlsConfig := &tls.Config{ServerName: host}

	var client *smtp.Client
	var err error
	switch s.security {
	case "tls":
		client, err = smtp.DialTLS(s.smtpHost, tlsConfig)
	case "starttls":
		client, err = smtp.DialStartTLS(s.smtpHost, tlsConfig)
	default:
		client, err = smtp.Dial(s.smtpHost)
	}
	if err != nil {
		return nil, err
	}
	client.CommandTimeout = opts.CommandTimeout
	client.SubmissionTimeout = opts.CommandTimeout
	return client, nil
}

// classifySMTPError maps SMTP replies onto network error kinds:
// 530/534/535 are a rejected login, 4xx rate limits are reported as such,
// other 4xx are transient and remaining 5xx reject the message.
func classifySMTPError(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return network.TransportError(op, err)
	}

	switch {
	case smtpErr.Code == 535 || smtpErr.Code == 534 || smtpErr.Code == 530:
		return network.AuthError("%s: %s", op, smtpErr.Message)
	case smtpErr.Code == 450 && strings.Contains(strings.ToLower(smtpErr.Message), "rate"):
		return &network.RateLimitError{RetryAfter: time.Minute}
	case smtpErr.Code >= 400 && smtpErr.Code < 500:
		return network.TransportError(op, err)
	case smtpErr.Code >= 500:
		return network.RejectedError("%s: %d %s", op, smtpErr.Code, smtpErr.Message)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func domainOf(address string) string {
	if _, domain, ok := strings.Cut(address, "@"); ok && domain != "" {
		return domain
	}
	return "localhost"
}
