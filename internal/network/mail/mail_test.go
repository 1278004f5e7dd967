package mail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/testutil"
)

func testConnector() *Connector {
	return NewConnector(Options{
		DialTimeout:    2 * time.Second,
		CommandTimeout: 5 * time.Second,
		PollInterval:   50 * time.Millisecond,
		RetryDelay:     20 * time.Millisecond,
	}, zerolog.Nop())
}

func testCredentials(imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) network.Credentials {
	credentials := network.Credentials{
		CredentialAddress:      "Me@Example.org",
		CredentialIMAPHost:     imapServer.Address,
		CredentialIMAPUsername: imapServer.Username(),
		CredentialIMAPPassword: imapServer.Password(),
		CredentialSMTPHost:     "127.0.0.1:1",
		CredentialSecurity:     "none",
	}
	if smtpServer != nil {
		credentials[CredentialSMTPHost] = smtpServer.Address
		credentials[CredentialSMTPUsername] = smtpServer.Username()
		credentials[CredentialSMTPPassword] = smtpServer.Password()
	}
	return credentials
}

func TestParseSettings(t *testing.T) {
	valid := func() network.Credentials {
		return network.Credentials{
			CredentialAddress:      "  Me@Example.org ",
			CredentialIMAPHost:     "imap.example.org:993",
			CredentialIMAPPassword: "secret",
			CredentialSMTPHost:     "smtp.example.org:465",
		}
	}

	t.Run("fills defaults", func(t *testing.T) {
		s, err := parseSettings(valid())
		require.NoError(t, err)
		assert.Equal(t, "me@example.org", s.address)
		assert.Equal(t, "me@example.org", s.imapUsername)
		assert.Equal(t, "me@example.org", s.smtpUsername)
		assert.Equal(t, "secret", s.smtpPassword)
		assert.Equal(t, "tls", s.security)
		assert.Equal(t, "Message", s.subject)
	})

	tests := []struct {
		name   string
		mutate func(network.Credentials)
		auth   bool
	}{
		{name: "missing address", mutate: func(c network.Credentials) { delete(c, CredentialAddress) }, auth: true},
		{name: "missing imap host", mutate: func(c network.Credentials) { delete(c, CredentialIMAPHost) }, auth: true},
		{name: "missing smtp host", mutate: func(c network.Credentials) { delete(c, CredentialSMTPHost) }, auth: true},
		{name: "missing password", mutate: func(c network.Credentials) { delete(c, CredentialIMAPPassword) }, auth: true},
		{name: "unknown security", mutate: func(c network.Credentials) { c[CredentialSecurity] = "ssl3" }, auth: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			credentials := valid()
			tt.mutate(credentials)
			_, err := parseSettings(credentials)
			require.Error(t, err)
			assert.Equal(t, tt.auth, errors.Is(err, network.ErrAuth))
		})
	}
}

func TestAddressID(t *testing.T) {
	id := AddressID("alice@example.com")
	assert.Positive(t, id)
	assert.Equal(t, id, AddressID(" Alice@Example.COM "))
	assert.NotEqual(t, id, AddressID("bob@example.com"))
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in          string
		first, last string
	}{
		{"", "", ""},
		{"Alice", "Alice", ""},
		{"Alice Smith", "Alice", "Smith"},
		{"  Jean  Claude Van Damme ", "Jean", "Claude Van Damme"},
	}
	for _, tt := range tests {
		first, last := splitName(tt.in)
		assert.Equal(t, tt.first, first, tt.in)
		assert.Equal(t, tt.last, last, tt.in)
	}
}

func TestClassifySMTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{name: "bad credentials", err: &smtp.SMTPError{Code: 535, Message: "invalid"}, kind: network.ErrAuth},
		{name: "rate limited", err: &smtp.SMTPError{Code: 450, Message: "Rate limit exceeded"}, kind: network.ErrRateLimited},
		{name: "temporary", err: &smtp.SMTPError{Code: 421, Message: "try later"}, kind: network.ErrNetwork},
		{name: "connection reset", err: errors.New("connection reset by peer"), kind: network.ErrNetwork},
		{name: "unknown mailbox", err: &smtp.SMTPError{Code: 550, Message: "no such user"}, kind: network.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifySMTPError("smtp send", tt.err), tt.kind)
		})
	}

	t.Run("permanent failure is not retried as transient", func(t *testing.T) {
		err := classifySMTPError("smtp send", &smtp.SMTPError{Code: 550, Message: "no such user"})
		assert.Equal(t, "rejected", network.Kind(err))
		assert.NotErrorIs(t, err, network.ErrNetwork)
		assert.Contains(t, err.Error(), "no such user")
	})
}

func TestToEventKeysByMailboxGeneration(t *testing.T) {
	msg := &imap.Message{
		Uid: 3,
		Envelope: &imap.Envelope{
			Date:    time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
			Subject: "Hello",
			From:    []*imap.Address{{PersonalName: "Alice", MailboxName: "alice", HostName: "example.com"}},
		},
	}

	before, ok := toEvent(msg, 1)
	require.True(t, ok)
	after, ok := toEvent(msg, 2)
	require.True(t, ok)

	assert.NotEqual(t, before.ExternalMessageID, after.ExternalMessageID)
	assert.Equal(t, messageID(2, 3), after.ExternalMessageID)
	assert.Equal(t, "Hello", after.Text)

	// Generations that differ only in the top bit still map to distinct ids.
	assert.NotEqual(t, messageID(1, 3), messageID(1<<31|1, 3))
	assert.NotEqual(t, messageID(1, 3), messageID(1, 4))
}

func TestConnect(t *testing.T) {
	t.Run("wrong password is an auth error", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		credentials := testCredentials(server, nil)
		credentials[CredentialIMAPPassword] = "wrong"

		_, err := testConnector().Connect(context.Background(), credentials, nil)
		assert.ErrorIs(t, err, network.ErrAuth)
	})

	t.Run("unreachable server is a network error", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		credentials := testCredentials(server, nil)
		credentials[CredentialIMAPHost] = "127.0.0.1:1"

		_, err := testConnector().Connect(context.Background(), credentials, nil)
		assert.ErrorIs(t, err, network.ErrNetwork)
	})

	t.Run("first login starts after existing mail", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)

		live, err := testConnector().Connect(context.Background(), testCredentials(server, nil), nil)
		require.NoError(t, err)
		defer func() { _ = live.Close() }()

		var state sessionState
		require.NoError(t, json.Unmarshal(live.SessionMaterial(), &state))
		assert.Equal(t, uint32(1), state.UIDValidity)
		assert.Equal(t, uint32(6), state.LastUID)
	})

	t.Run("changed uid validity resets the position", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		saved, _ := json.Marshal(sessionState{UIDValidity: 99, LastUID: 2})

		live, err := testConnector().Connect(context.Background(), testCredentials(server, nil), saved)
		require.NoError(t, err)
		defer func() { _ = live.Close() }()

		var state sessionState
		require.NoError(t, json.Unmarshal(live.SessionMaterial(), &state))
		assert.Equal(t, uint32(1), state.UIDValidity)
		assert.Equal(t, uint32(6), state.LastUID)
	})
}

func TestRunDeliversNewMail(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)

	live, err := testConnector().Connect(context.Background(), testCredentials(server, nil), nil)
	require.NoError(t, err)
	defer func() { _ = live.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan network.Delivery)
	runErr := make(chan error, 1)
	go func() { runErr <- live.Run(ctx, out) }()

	sentAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	server.DeliverMail(t, "Alice Smith <Alice@Example.com>", "Hello", "Are you free tomorrow?", sentAt)

	var delivery network.Delivery
	select {
	case delivery = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	event := delivery.Event
	assert.Equal(t, messageID(1, 7), event.ExternalMessageID)
	assert.Equal(t, AddressID("alice@example.com"), event.Sender.ExternalUserID)
	assert.Equal(t, "alice@example.com", event.Sender.Username)
	assert.Equal(t, "Alice", event.Sender.FirstName)
	assert.Equal(t, "Smith", event.Sender.LastName)
	assert.Equal(t, "Are you free tomorrow?", event.Text)
	assert.True(t, sentAt.Equal(event.Timestamp))

	delivery.Done(nil)

	require.Eventually(t, func() bool {
		var state sessionState
		_ = json.Unmarshal(live.SessionMaterial(), &state)
		return state.LastUID == 7
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunRedeliversUnacknowledgedMail(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)

	live, err := testConnector().Connect(context.Background(), testCredentials(server, nil), nil)
	require.NoError(t, err)
	defer func() { _ = live.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan network.Delivery)
	go func() { _ = live.Run(ctx, out) }()

	server.DeliverMail(t, "bob@example.com", "Ping", "first try", time.Now())

	next := func() network.Delivery {
		t.Helper()
		select {
		case d := <-out:
			return d
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delivery")
			return network.Delivery{}
		}
	}

	first := next()
	first.Done(errors.New("storage unavailable"))

	second := next()
	assert.Equal(t, first.Event.ExternalMessageID, second.Event.ExternalMessageID)
	second.Done(nil)

	require.Eventually(t, func() bool {
		var state sessionState
		_ = json.Unmarshal(live.SessionMaterial(), &state)
		return messageID(state.UIDValidity, state.LastUID) == second.Event.ExternalMessageID
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSend(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	smtpServer := testutil.NewTestSMTPServer(t)

	live, err := testConnector().Connect(context.Background(), testCredentials(imapServer, smtpServer), nil)
	require.NoError(t, err)
	defer func() { _ = live.Close() }()

	before := time.Now().UTC()
	sent, err := live.Send(context.Background(), network.Recipient{
		ExternalUserID: AddressID("alice@example.com"),
		Username:       "alice@example.com",
	}, "See you at noon")
	require.NoError(t, err)
	assert.Positive(t, sent.ExternalMessageID)
	assert.False(t, sent.At.Before(before.Add(-time.Second)))

	messages := smtpServer.Backend.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "me@example.org", messages[0].From)
	assert.Equal(t, []string{"alice@example.com"}, messages[0].To)
	assert.Contains(t, string(messages[0].Data), "See you at noon")
	assert.True(t, strings.Contains(string(messages[0].Data), "Subject: Message"))
}

func TestSendRejectedLogin(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	smtpServer := testutil.NewTestSMTPServer(t)

	credentials := testCredentials(imapServer, smtpServer)
	credentials[CredentialSMTPPassword] = "wrong"

	live, err := testConnector().Connect(context.Background(), credentials, nil)
	require.NoError(t, err)
	defer func() { _ = live.Close() }()

	_, err = live.Send(context.Background(), network.Recipient{Username: "alice@example.com"}, "hi")
	assert.ErrorIs(t, err, network.ErrAuth)
	assert.Empty(t, smtpServer.Backend.Messages())
}

func TestSendWithoutAddress(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)

	live, err := testConnector().Connect(context.Background(), testCredentials(imapServer, nil), nil)
	require.NoError(t, err)
	defer func() { _ = live.Close() }()

	_, err = live.Send(context.Background(), network.Recipient{ExternalUserID: 5}, "hi")
	assert.Error(t, err)
}
