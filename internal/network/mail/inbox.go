package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"hash/fnv"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network"
)

const inboxName = "INBOX"

// inbox is a logged-in IMAP connection with INBOX selected.
type inbox struct {
	client  *imapclient.Client
	idle    *idle.IdleClient
	state   sessionState
	arrived chan struct{}
}

// dialIMAP connects to the IMAP server with the configured dial timeout.
func dialIMAP(host, security string, timeout time.Duration) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: timeout}

	switch security {
	case "tls":
		c, err := imapclient.DialWithDialerTLS(dialer, host, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	case "starttls":
		c, err := imapclient.DialWithDialer(dialer, host)
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		serverName, _, _ := net.SplitHostPort(host)
		if err := c.StartTLS(&tls.Config{ServerName: serverName}); err != nil {
			_ = c.Terminate()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
		return c, nil
	default:
		c, err := imapclient.DialWithDialer(dialer, host)
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		return c, nil
	}
}

func openInbox(ctx context.Context, s settings, opts Options, saved sessionState) (*inbox, error) {
	c, err := dialIMAP(s.imapHost, s.security, opts.DialTimeout)
	if err != nil {
		return nil, network.TransportError("imap connect", err)
	}
	c.Timeout = opts.CommandTimeout

	// The IMAP client has no context support; drop the connection if the
	// caller gives up while we are still logging in.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if err := c.Login(s.imapUsername, s.imapPassword); err != nil {
		_ = c.Terminate()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.State() == imap.LogoutState {
			return nil, network.TransportError("imap login", err)
		}
		return nil, network.AuthError("imap login rejected: %v", err)
	}

	status, err := c.Select(inboxName, true)
	if err != nil {
		_ = c.Logout()
		return nil, network.TransportError("imap select", err)
	}

	state := saved
	if saved.UIDValidity != status.UidValidity {
		last, err := currentLastUID(c, status)
		if err != nil {
			_ = c.Logout()
			return nil, network.TransportError("imap search", err)
		}
		state = sessionState{UIDValidity: status.UidValidity, LastUID: last}
	}

	box := &inbox{
		client:  c,
		idle:    idle.NewClient(c),
		state:   state,
		arrived: make(chan struct{}, 1),
	}

	updates := make(chan imapclient.Update, 16)
	c.Updates = updates
	go box.watchUpdates(updates)

	return box, nil
}

// currentLastUID returns the highest UID in the selected mailbox.
func currentLastUID(c *imapclient.Client, status *imap.MailboxStatus) (uint32, error) {
	if status.UidNext > 0 {
		return status.UidNext - 1, nil
	}
	uids, err := c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return 0, err
	}
	var last uint32
	for _, uid := range uids {
		if uid > last {
			last = uid
		}
	}
	return last, nil
}

// watchUpdates turns unilateral mailbox updates into a coalesced "mail
// arrived" signal. It keeps draining so the IMAP reader never blocks.
func (b *inbox) watchUpdates(updates <-chan imapclient.Update) {
	for {
		select {
		case update := <-updates:
			if mbox, ok := update.(*imapclient.MailboxUpdate); ok && mbox.Mailbox != nil {
				select {
				case b.arrived <- struct{}{}:
				default:
				}
			}
		case <-b.client.LoggedOut():
			return
		}
	}
}

// newUIDs returns the UIDs above the last acknowledged one, ascending.
func (b *inbox) newUIDs() ([]uint32, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(b.state.LastUID+1, 0)

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet

	uids, err := b.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search new messages: %w", err)
	}

	// "n:*" always matches the highest UID, even when it is below n.
	result := uids[:0]
	for _, uid := range uids {
		if uid > b.state.LastUID {
			result = append(result, uid)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// fetchMessages fetches envelope and full body for the given UIDs, ascending.
func (b *inbox) fetchMessages(uids []uint32) ([]*imap.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- b.client.UidFetch(seqSet, items, messages)
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Uid < result[j].Uid })
	return result, nil
}

// waitForMail idles until the server reports a mailbox change, the poll
// interval passes, or ctx ends. Servers without IDLE are polled with NOOP.
func (b *inbox) waitForMail(ctx context.Context, pollInterval time.Duration) error {
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.idle.IdleWithFallback(stop, pollInterval)
	}()

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("idle ended: %w", err)
		}
		return nil
	case <-ctx.Done():
	case <-b.arrived:
	case <-timer.C:
	}

	close(stop)
	if err := <-done; err != nil {
		return fmt.Errorf("idle ended: %w", err)
	}
	return ctx.Err()
}

func (b *inbox) close() error {
	select {
	case <-b.client.LoggedOut():
		return nil
	default:
	}
	if err := b.client.Logout(); err != nil {
		return b.client.Terminate()
	}
	return nil
}

// messageID keys a message by mailbox generation and UID. A server that
// resets UIDVALIDITY may hand out UIDs that were already recorded.
func messageID(uidValidity, uid uint32) int64 {
	return int64(uint64(uidValidity)<<32 | uint64(uid))
}

// toEvent converts a fetched message to an inbound event.
func toEvent(msg *imap.Message, uidValidity uint32) (network.Event, bool) {
	if msg == nil || msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return network.Event{}, false
	}

	from := msg.Envelope.From[0]
	address := formatAddress(from)
	if address == "" {
		return network.Event{}, false
	}

	firstName, lastName := splitName(from.PersonalName)
	event := network.Event{
		ExternalMessageID: messageID(uidValidity, msg.Uid),
		Sender: models.Sender{
			ExternalUserID: AddressID(address),
			Username:       address,
			FirstName:      firstName,
			LastName:       lastName,
		},
		Timestamp: msg.Envelope.Date,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = msg.InternalDate
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()

	event.Text = msg.Envelope.Subject
	if body := msg.GetBody(&imap.BodySectionName{}); body != nil {
		if text, err := parseBody(body); err == nil && text != "" {
			event.Text = text
		}
	}

	return event, true
}

// parseBody extracts the plain text of a message using enmime. HTML-only
// mail is converted to text.
func parseBody(body imap.Literal) (string, error) {
	envelope, err := enmime.ReadEnvelope(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse email body: %w", err)
	}
	return strings.TrimSpace(envelope.Text), nil
}

// formatAddress returns the lowercase bare address, or "" if incomplete.
func formatAddress(address *imap.Address) string {
	if address == nil || address.MailboxName == "" || address.HostName == "" {
		return ""
	}
	return strings.ToLower(address.MailboxName + "@" + address.HostName)
}

func splitName(personalName string) (first, last string) {
	fields := strings.Fields(personalName)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// AddressID maps an e-mail address to a stable positive 63-bit id, so mail
// correspondents fit the numeric external user id of contacts.
func AddressID(address string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(address))))
	id := int64(h.Sum64() & (1<<63 - 1))
	if id == 0 {
		id = 1
	}
	return id
}
